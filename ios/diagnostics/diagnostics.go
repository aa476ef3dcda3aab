package diagnostics

import (
	"bytes"
	"fmt"

	"github.com/qt4i/idevice/ios"
	log "github.com/sirupsen/logrus"
	plist "howett.net/plist"
)

const serviceName = "com.apple.mobile.diagnostics_relay"

// Connection to the diagnostics relay on the device. The relay answers
// single shot request/response pairs for reboot, shutdown, sleep and
// IORegistry queries.
type Connection struct {
	deviceConn ios.DeviceConnectionInterface
	plistCodec ios.PlistCodec
}

// New connects to the diagnostics relay on the given device.
func New(device ios.DeviceEntry) (*Connection, error) {
	deviceConn, err := ios.ConnectToService(device, serviceName)
	if err != nil {
		return &Connection{}, err
	}
	return &Connection{deviceConn: deviceConn, plistCodec: ios.NewPlistCodec()}, nil
}

// NewFromConn runs the diagnostics relay protocol over an existing service connection.
func NewFromConn(deviceConn ios.DeviceConnectionInterface) *Connection {
	return &Connection{deviceConn: deviceConn, plistCodec: ios.NewPlistCodec()}
}

type diagnosticsRequest struct {
	Request string
}

type statusResponse struct {
	Status string
}

func statusFromBytes(plistBytes []byte) statusResponse {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var data statusResponse
	_ = decoder.Decode(&data)
	return data
}

func (diagnosticsConn *Connection) roundTrip(request interface{}) ([]byte, error) {
	b, err := diagnosticsConn.plistCodec.Encode(request)
	if err != nil {
		return nil, err
	}
	err = diagnosticsConn.deviceConn.Send(b)
	if err != nil {
		return nil, err
	}
	return diagnosticsConn.plistCodec.Decode(diagnosticsConn.deviceConn.Reader())
}

func (diagnosticsConn *Connection) sendSimpleRequest(name string) error {
	response, err := diagnosticsConn.roundTrip(diagnosticsRequest{Request: name})
	if err != nil {
		return err
	}
	status := statusFromBytes(response)
	if status.Status != "Success" {
		return fmt.Errorf("%s failed with status '%s'", name, status.Status)
	}
	return nil
}

// Restart reboots the device.
func (diagnosticsConn *Connection) Restart() error {
	return diagnosticsConn.sendSimpleRequest("Restart")
}

// Shutdown powers the device off.
func (diagnosticsConn *Connection) Shutdown() error {
	return diagnosticsConn.sendSimpleRequest("Shutdown")
}

// Sleep puts the device to sleep.
func (diagnosticsConn *Connection) Sleep() error {
	return diagnosticsConn.sendSimpleRequest("Sleep")
}

// Close says Goodbye to the relay and closes the connection.
func (diagnosticsConn *Connection) Close() error {
	_, err := diagnosticsConn.roundTrip(diagnosticsRequest{Request: "Goodbye"})
	if err != nil {
		log.Debugf("goodbye failed: %v", err)
	}
	return diagnosticsConn.deviceConn.Close()
}

// Reboot is a convenience wrapper that connects, reboots and disconnects.
func Reboot(device ios.DeviceEntry) error {
	conn, err := New(device)
	if err != nil {
		return err
	}
	defer conn.deviceConn.Close()
	return conn.Restart()
}
