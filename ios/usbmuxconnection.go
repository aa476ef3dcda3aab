package ios

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	log "github.com/sirupsen/logrus"
)

const (
	// ClientVersionString is sent in the preamble of every usbmuxd request.
	ClientVersionString = "qt4i-usbmuxd"
	// ProgName identifies this client to usbmuxd.
	ProgName = "qt4i"
	// LibUSBMuxVersion is the usbmuxd plist protocol version we speak.
	LibUSBMuxVersion uint32 = 3
)

// UsbMuxConnection is a connection to the usbmuxd process. It is used to manage
// pair records, listen for device changes and connect to services on the phone.
// Messages follow a request-response pattern, a tag in the message header is
// increased with every sent message.
type UsbMuxConnection struct {
	// tag is incremented for every message so responses can be correlated to requests
	tag        uint32
	deviceConn DeviceConnectionInterface
}

// NewUsbMuxConnection creates a new UsbMuxConnection from an already initialized DeviceConnectionInterface.
func NewUsbMuxConnection(deviceConn DeviceConnectionInterface) *UsbMuxConnection {
	return &UsbMuxConnection{tag: 0, deviceConn: deviceConn}
}

// NewUsbMuxConnectionSimple opens a new connection to the default usbmuxd socket.
func NewUsbMuxConnectionSimple() (*UsbMuxConnection, error) {
	return NewUsbMuxConnectionSimpleWithAddress(GetUsbmuxdSocket())
}

// NewUsbMuxConnectionSimpleWithAddress opens a new connection to the usbmuxd
// at the given scheme://address.
func NewUsbMuxConnectionSimpleWithAddress(socketAddress string) (*UsbMuxConnection, error) {
	deviceConn, err := NewDeviceConnection(socketAddress)
	if err != nil {
		return nil, err
	}
	return &UsbMuxConnection{tag: 0, deviceConn: deviceConn}, nil
}

// ReleaseDeviceConnection dereferences this UsbMuxConnection from the underlying
// DeviceConnection and returns the DeviceConnection for use by the caller.
// The UsbMuxConnection must not be used afterwards.
func (muxConn *UsbMuxConnection) ReleaseDeviceConnection() DeviceConnectionInterface {
	conn := muxConn.deviceConn
	muxConn.deviceConn = nil
	return conn
}

// Close closes the underlying DeviceConnection.
func (muxConn *UsbMuxConnection) Close() error {
	if muxConn.deviceConn == nil {
		return nil
	}
	return muxConn.deviceConn.Close()
}

// UsbMuxHeader is the 16 byte little endian header of every usbmuxd plist message.
type UsbMuxHeader struct {
	Length  uint32
	Version uint32
	Request uint32
	Tag     uint32
}

// UsbMuxMessage contains header and raw plist payload of a usbmuxd message.
type UsbMuxMessage struct {
	Header  UsbMuxHeader
	Payload []byte
}

// Send encodes a struct to a plist and sends it as a usbmux message.
// Increases the connection tag by one.
func (muxConn *UsbMuxConnection) Send(msg interface{}) error {
	if muxConn.deviceConn == nil {
		return io.EOF
	}
	writer := muxConn.deviceConn.Writer()
	muxConn.tag++
	err := muxConn.encode(msg, writer)
	if err != nil {
		log.Error("error sending mux message")
		return err
	}
	return nil
}

// SendMuxMessage serializes and sends a raw UsbMuxMessage without touching the tag.
func (muxConn *UsbMuxConnection) SendMuxMessage(msg UsbMuxMessage) error {
	if muxConn.deviceConn == nil {
		return io.EOF
	}
	writer := muxConn.deviceConn.Writer()
	err := binary.Write(writer, binary.LittleEndian, msg.Header)
	if err != nil {
		return err
	}
	_, err = writer.Write(msg.Payload)
	return err
}

// ReadMessage blocks until the next usbmux message arrives and returns it.
// A header with a protocol version other than 1 fails with ErrInvalidProtocolVersion.
func (muxConn *UsbMuxConnection) ReadMessage() (UsbMuxMessage, error) {
	if muxConn.deviceConn == nil {
		return UsbMuxMessage{}, io.EOF
	}
	reader := muxConn.deviceConn.Reader()
	return decodeUsbMux(reader)
}

func (muxConn *UsbMuxConnection) encode(message interface{}, writer io.Writer) error {
	log.Tracef("usbmux send %v on %v", reflect.TypeOf(message), &muxConn.deviceConn)
	mbytes := ToPlistBytes(message)
	err := writeUsbMuxHeader(len(mbytes), muxConn.tag, writer)
	if err != nil {
		return err
	}
	_, err = writer.Write(mbytes)
	return err
}

func writeUsbMuxHeader(length int, tag uint32, writer io.Writer) error {
	header := UsbMuxHeader{Length: 16 + uint32(length), Request: 8, Version: 1, Tag: tag}
	return binary.Write(writer, binary.LittleEndian, header)
}

func decodeUsbMux(r io.Reader) (UsbMuxMessage, error) {
	var muxHeader UsbMuxHeader
	err := binary.Read(r, binary.LittleEndian, &muxHeader)
	if err != nil {
		return UsbMuxMessage{}, err
	}
	if muxHeader.Version != 1 {
		return UsbMuxMessage{}, fmt.Errorf("usbmux header version %d: %w", muxHeader.Version, ErrInvalidProtocolVersion)
	}
	payloadBytes := make([]byte, muxHeader.Length-16)
	n, err := io.ReadFull(r, payloadBytes)
	if err != nil {
		return UsbMuxMessage{}, fmt.Errorf("error '%s' while reading usbmux message, only %d bytes received instead of %d", err.Error(), n, muxHeader.Length-16)
	}
	return UsbMuxMessage{muxHeader, payloadBytes}, nil
}
