package syslog

import (
	"bufio"
	"io"

	"github.com/qt4i/idevice/ios"
)

const serviceName = "com.apple.syslog_relay"

// Connection streams raw syslog lines from the device. The relay sends a
// continuous NUL delimited stream, no request is needed.
// Parsing the lines is up to the caller.
type Connection struct {
	closer         io.Closer
	bufferedReader *bufio.Reader
}

// New connects to the syslog relay on the given device.
func New(device ios.DeviceEntry) (*Connection, error) {
	deviceConn, err := ios.ConnectToService(device, serviceName)
	if err != nil {
		return &Connection{}, err
	}
	return &Connection{
		closer:         deviceConn,
		bufferedReader: bufio.NewReader(deviceConn.Reader()),
	}, nil
}

// ReadLogMessage blocks until the next raw syslog message arrives and returns
// it. Call it in a loop from a separate goroutine, syslog is very verbose.
func (sysLogConn *Connection) ReadLogMessage() (string, error) {
	logmsg, err := sysLogConn.bufferedReader.ReadString(0)
	if err != nil {
		return "", err
	}
	return logmsg, nil
}

// Close closes the connection to the relay.
func (sysLogConn *Connection) Close() error {
	return sysLogConn.closer.Close()
}
