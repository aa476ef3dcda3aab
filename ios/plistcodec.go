package ios

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	log "github.com/sirupsen/logrus"
)

// PlistCodec frames messages for plist based services as
// [4 byte big endian length][plist payload].
// Lockdown and most lockdown-launched services speak this framing.
type PlistCodec struct{}

// NewPlistCodec creates a codec for plist based services.
func NewPlistCodec() PlistCodec {
	return PlistCodec{}
}

// Encode converts a struct or map to an XML plist and prepends the
// 4 byte big endian length field.
func (plistCodec PlistCodec) Encode(message interface{}) ([]byte, error) {
	stringContent := ToPlist(message)
	log.Tracef("lockdown send %v", reflect.TypeOf(message))
	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.BigEndian, uint32(len(stringContent)))
	if err != nil {
		return nil, err
	}
	buf.WriteString(stringContent)
	return buf.Bytes(), nil
}

// Decode reads the next length prefixed plist message from the reader and
// returns the raw plist bytes.
func (plistCodec PlistCodec) Decode(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, errors.New("reader was nil")
	}
	lengthBytes := make([]byte, 4)
	_, err := io.ReadFull(r, lengthBytes)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes)
	payloadBytes := make([]byte, length)
	n, err := io.ReadFull(r, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("lockdown payload had incorrect size: %d expected: %d original error: %w", n, length, err)
	}
	return payloadBytes, nil
}

// PlistCodecReadWriter is a convenience wrapper around PlistCodec that
// reads and writes plist messages directly on a stream.
type PlistCodecReadWriter struct {
	writer io.Writer
	reader io.Reader
	codec  PlistCodec
}

// NewPlistCodecReadWriter creates a PlistCodecReadWriter for the given streams.
func NewPlistCodecReadWriter(r io.Reader, w io.Writer) PlistCodecReadWriter {
	return PlistCodecReadWriter{
		writer: w,
		reader: r,
		codec:  NewPlistCodec(),
	}
}

// Write encodes msg as a length prefixed plist and writes it to the stream.
func (prw PlistCodecReadWriter) Write(msg interface{}) error {
	b, err := prw.codec.Encode(msg)
	if err != nil {
		return err
	}
	_, err = prw.writer.Write(b)
	return err
}

// Read reads the next plist message from the stream and decodes it into msg.
func (prw PlistCodecReadWriter) Read(msg interface{}) error {
	b, err := prw.codec.Decode(prw.reader)
	if err != nil {
		return err
	}
	_, err = plistUnmarshal(b, msg)
	return err
}
