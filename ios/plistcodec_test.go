package ios_test

import (
	"bytes"
	"testing"

	ios "github.com/qt4i/idevice/ios"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	plist "howett.net/plist"
)

type sampleData struct {
	StringValue string
	IntValue    int
	BoolValue   bool
	DataValue   []byte
}

func TestPlistCodecRoundTrip(t *testing.T) {
	codec := ios.NewPlistCodec()
	testCases := map[string]interface{}{
		"primitives":  sampleData{"d", 4, true, []byte{0x01, 0x02}},
		"muxResponse": ios.MuxResponse{MessageType: "Result", Number: 5},
		"nested": map[string]interface{}{
			"Key":  "Value",
			"List": []interface{}{"a", "b"},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			encoded, err := codec.Encode(tc)
			require.NoError(t, err)

			decoded, err := codec.Decode(bytes.NewReader(encoded))
			require.NoError(t, err)
			assert.Equal(t, ios.ToPlist(tc), string(decoded))
		})
	}
}

func TestPlistCodecDecodeNilReader(t *testing.T) {
	codec := ios.NewPlistCodec()
	_, err := codec.Decode(nil)
	assert.Error(t, err)
}

func TestParsePlistBinary(t *testing.T) {
	// several device responses are binary plists, the decoder has to accept both
	value := map[string]interface{}{
		"ProductVersion": "17.4",
		"Blob":           []byte{0xde, 0xad},
	}
	binaryBytes, err := plist.Marshal(value, plist.BinaryFormat)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(binaryBytes, []byte("bplist00")))

	parsed, err := ios.ParsePlist(binaryBytes)
	require.NoError(t, err)
	assert.Equal(t, "17.4", parsed["ProductVersion"])
	assert.Equal(t, []byte{0xde, 0xad}, parsed["Blob"])

	xmlParsed, err := ios.ParsePlist(ios.ToPlistBytes(value))
	require.NoError(t, err)
	assert.Equal(t, parsed, xmlParsed)
}

func TestPlistEscaping(t *testing.T) {
	value := map[string]interface{}{"Key": "a&b<c>d"}
	parsed, err := ios.ParsePlist(ios.ToPlistBytes(value))
	require.NoError(t, err)
	assert.Equal(t, "a&b<c>d", parsed["Key"])
}
