package ios_test

import (
	"net"
	"testing"

	ios "github.com/qt4i/idevice/ios"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNtohs(t *testing.T) {
	assert.Equal(t, uint16(32498), ios.Ntohs(ios.Lockdownport))
	assert.Equal(t, uint16(0x3412), ios.Ntohs(0x1234))
}

func TestUsbMuxFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	muxClient := ios.NewUsbMuxConnection(ios.NewDeviceConnectionWithConn(client))
	muxServer := ios.NewUsbMuxConnection(ios.NewDeviceConnectionWithConn(server))

	request := ios.NewReadDevices()
	go func() {
		_ = muxClient.Send(request)
	}()

	msg, err := muxServer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), msg.Header.Version)
	assert.Equal(t, uint32(8), msg.Header.Request)
	assert.Equal(t, uint32(1), msg.Header.Tag)
	assert.Equal(t, uint32(16+len(msg.Payload)), msg.Header.Length)
	assert.Equal(t, ios.ToPlistBytes(request), msg.Payload)

	parsed, err := ios.ParsePlist(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "ListDevices", parsed["MessageType"])
	assert.Equal(t, ios.ClientVersionString, parsed["ClientVersionString"])
	assert.Equal(t, ios.ProgName, parsed["ProgName"])
	assert.EqualValues(t, 3, parsed["kLibUSBMuxVersion"])
}

func TestUsbMuxTagIncrements(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	muxClient := ios.NewUsbMuxConnection(ios.NewDeviceConnectionWithConn(client))
	muxServer := ios.NewUsbMuxConnection(ios.NewDeviceConnectionWithConn(server))

	for expectedTag := uint32(1); expectedTag <= 3; expectedTag++ {
		go func() {
			_ = muxClient.Send(ios.NewReadDevices())
		}()
		msg, err := muxServer.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, expectedTag, msg.Header.Tag)
	}
}

func TestUsbMuxRejectsWrongProtocolVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	muxClient := ios.NewUsbMuxConnection(ios.NewDeviceConnectionWithConn(client))
	muxServer := ios.NewUsbMuxConnection(ios.NewDeviceConnectionWithConn(server))

	payload := ios.ToPlistBytes(map[string]interface{}{"MessageType": "Result", "Number": 0})
	go func() {
		_ = muxServer.SendMuxMessage(ios.UsbMuxMessage{
			Header:  ios.UsbMuxHeader{Length: uint32(16 + len(payload)), Version: 2, Request: 8, Tag: 1},
			Payload: payload,
		})
	}()

	_, err := muxClient.ReadMessage()
	require.Error(t, err)
	assert.ErrorIs(t, err, ios.ErrInvalidProtocolVersion)
}
