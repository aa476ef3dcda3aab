package ios

import (
	"net"

	log "github.com/sirupsen/logrus"
)

// Lockdownport is the port of the always running lockdownd on the iOS device.
const Lockdownport uint16 = 62078

// Label identifies this client in every lockdown request.
const Label = "qt4i"

// LockDownConnection is an authenticated channel to the lockdown service on
// the device. Use it to read device values and start other services.
// It holds the session state: the optional pair record, the session id once
// StartSession succeeded, and whether the stream was upgraded to TLS.
type LockDownConnection struct {
	deviceConnection DeviceConnectionInterface
	pairRecord       *PairRecord
	sessionID        string
	sessionSSL       bool
	plistCodec       PlistCodec
}

// NewLockDownConnection creates a new LockDownConnection with empty session
// state on top of an existing DeviceConnection.
func NewLockDownConnection(dev DeviceConnectionInterface) *LockDownConnection {
	return &LockDownConnection{deviceConnection: dev, plistCodec: NewPlistCodec()}
}

// UsePairRecord attaches the pair record used for StartSession.
func (lockDownConn *LockDownConnection) UsePairRecord(pairRecord PairRecord) {
	lockDownConn.pairRecord = &pairRecord
}

// Close stops a running session and closes the underlying DeviceConnection.
func (lockDownConn *LockDownConnection) Close() error {
	if lockDownConn.sessionID != "" {
		err := lockDownConn.StopSession()
		if err != nil {
			log.Debugf("error stopping session during close: %v", err)
		}
	}
	return lockDownConn.deviceConnection.Close()
}

// Send converts a struct to a plist and sends it with the 4 byte length prefix.
func (lockDownConn LockDownConnection) Send(msg interface{}) error {
	b, err := lockDownConn.plistCodec.Encode(msg)
	if err != nil {
		log.Error("failed lockdown send")
		return err
	}
	return lockDownConn.deviceConnection.Send(b)
}

// ReadMessage reads the next lockdown message from the active stream, plain
// or TLS, and returns the plist as a byte slice.
func (lockDownConn *LockDownConnection) ReadMessage() ([]byte, error) {
	reader := lockDownConn.deviceConnection.Reader()
	resp, err := lockDownConn.plistCodec.Decode(reader)
	if err != nil {
		return make([]byte, 0), err
	}
	return resp, err
}

// Conn exposes the underlying net.Conn.
func (lockDownConn *LockDownConnection) Conn() net.Conn {
	return lockDownConn.deviceConnection.Conn()
}
