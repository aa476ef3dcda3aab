package ios

import (
	"bytes"
	"fmt"

	"howett.net/plist"
)

// ListenType is the usbmuxd Listen message. A connection that sent Listen
// stays open indefinitely and receives attach and detach events.
type ListenType struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	ConnType            int
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

// AttachedMessage is sent by usbmuxd when devices are connected or disconnected.
type AttachedMessage struct {
	MessageType string
	DeviceID    int
	Properties  DeviceProperties
}

func attachedFromBytes(plistBytes []byte) (AttachedMessage, error) {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var obj AttachedMessage
	err := decoder.Decode(&obj)
	if err != nil {
		return obj, err
	}
	return obj, nil
}

// DeviceAttached checks if the message is about a newly added device.
func (msg AttachedMessage) DeviceAttached() bool {
	return "Attached" == msg.MessageType
}

// DeviceDetached checks if the message is about a disconnected device.
func (msg AttachedMessage) DeviceDetached() bool {
	return "Detached" == msg.MessageType
}

// UsbConnected checks whether the device attached over USB. Network attached
// devices also show up on the listen socket but are not usable through mux tunnels.
func (msg AttachedMessage) UsbConnected() bool {
	return "USB" == msg.Properties.ConnectionType
}

// NewListen creates a Listen message for usbmuxd.
func NewListen() ListenType {
	return ListenType{
		MessageType:         "Listen",
		ProgName:            ProgName,
		ClientVersionString: ClientVersionString,
		// ConnType does not seem to matter
		ConnType:         1,
		LibUSBMuxVersion: LibUSBMuxVersion,
	}
}

// Listen sends a Listen command to usbmuxd and returns a function that reads
// one AttachedMessage per call from the connection.
func (muxConn *UsbMuxConnection) Listen() (func() (AttachedMessage, error), error) {
	msg := NewListen()
	err := muxConn.Send(msg)
	if err != nil {
		return nil, err
	}
	response, err := muxConn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if !MuxResponsefromBytes(response.Payload).IsSuccessFull() {
		return nil, fmt.Errorf("listen command to usbmuxd failed: %x", response.Payload)
	}

	return func() (AttachedMessage, error) {
		mux, err := muxConn.ReadMessage()
		if err != nil {
			return AttachedMessage{}, err
		}
		return attachedFromBytes(mux.Payload)
	}, nil
}
