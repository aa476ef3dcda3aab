package ios

import (
	"fmt"
)

type connectMessage struct {
	ClientVersionString string
	MessageType         string
	ProgName            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	DeviceID            uint32
	PortNumber          uint16
}

func newConnectMessage(deviceID int, portNumber uint16) connectMessage {
	return connectMessage{
		ClientVersionString: ClientVersionString,
		MessageType:         "Connect",
		ProgName:            ProgName,
		LibUSBMuxVersion:    LibUSBMuxVersion,
		DeviceID:            uint32(deviceID),
		PortNumber:          portNumber,
	}
}

// Connect issues a Connect message to usbmuxd for the given deviceID on the
// given port. After a successful connect the underlying socket carries the
// service stream, release it with ReleaseDeviceConnection.
// The port travels byte swapped in a 16 bit little endian field, the swap
// happens here, pass the natural port number.
func (muxConn *UsbMuxConnection) Connect(deviceID int, port uint16) error {
	msg := newConnectMessage(deviceID, Ntohs(port))
	err := muxConn.Send(msg)
	if err != nil {
		return err
	}
	resp, err := muxConn.ReadMessage()
	if err != nil {
		return err
	}
	response := MuxResponsefromBytes(resp.Payload)
	if response.IsSuccessFull() {
		return nil
	}
	return fmt.Errorf("failed connecting to service, error code:%d", response.Number)
}

// ConnectLockdown connects this usbmux connection to lockdown on the device.
// Afterwards the UsbMuxConnection must not be used anymore because the same
// underlying network connection carries the lockdown session.
func (muxConn *UsbMuxConnection) ConnectLockdown(deviceID int) (*LockDownConnection, error) {
	err := muxConn.Connect(deviceID, Lockdownport)
	if err != nil {
		return nil, fmt.Errorf("failed connecting to lockdown: %w", err)
	}
	return &LockDownConnection{deviceConnection: muxConn.ReleaseDeviceConnection(), plistCodec: NewPlistCodec()}, nil
}

// serviceConfigurations lists services that only execute an SSL handshake
// and then go back to sending unencrypted data right after.
var serviceConfigurations = map[string]bool{
	"com.apple.instruments.remoteserver":                 true,
	"com.apple.accessibility.axAuditDaemon.remoteserver": true,
	"com.apple.testmanagerd.lockdown":                    true,
	"com.apple.debugserver":                              true,
}

// ConnectLockdownWithSession opens a lockdown connection for the device and
// starts an authenticated session on it using the pair record from usbmuxd.
func ConnectLockdownWithSession(device DeviceEntry) (*LockDownConnection, error) {
	muxConnection, err := NewUsbMuxConnectionSimple()
	if err != nil {
		return nil, fmt.Errorf("usbmux connection failed: %w", err)
	}
	defer muxConnection.Close()

	pairRecord, pairErr := muxConnection.ReadPair(device.Properties.SerialNumber)

	lockdownConnection, err := muxConnection.ConnectLockdown(device.DeviceID)
	if err != nil {
		return nil, err
	}
	if pairErr == nil {
		lockdownConnection.pairRecord = &pairRecord
	}
	_, err = lockdownConnection.StartSession()
	if err != nil {
		lockdownConnection.Close()
		return nil, err
	}
	return lockdownConnection, nil
}

// StartService starts the named service with a transient lockdown session and
// returns the response carrying port and ssl flag. The device keeps the
// service running after the lockdown connection closes.
func StartService(device DeviceEntry, serviceName string) (StartServiceResponse, error) {
	lockdown, err := ConnectLockdownWithSession(device)
	if err != nil {
		return StartServiceResponse{}, err
	}
	defer lockdown.Close()
	return lockdown.StartService(serviceName)
}

// ConnectToService is the composite dial operation: start the service through
// a transient lockdown session, tunnel to the returned port through usbmuxd,
// upgrade to TLS in place when the service wants it and hand the ready stream
// to the caller.
func ConnectToService(device DeviceEntry, serviceName string) (DeviceConnectionInterface, error) {
	startServiceResponse, err := StartService(device, serviceName)
	if err != nil {
		return nil, err
	}
	pairRecord, err := ReadPairRecord(device.Properties.SerialNumber)
	if err != nil {
		return nil, err
	}
	muxConn, err := NewUsbMuxConnectionSimple()
	if err != nil {
		return nil, fmt.Errorf("could not connect to usbmuxd socket, is it running? %w", err)
	}
	err = muxConn.connectWithStartServiceResponse(device.DeviceID, startServiceResponse, pairRecord)
	if err != nil {
		muxConn.Close()
		return nil, err
	}
	return muxConn.ReleaseDeviceConnection(), nil
}

// connectWithStartServiceResponse tunnels to the port from a StartServiceResponse
// and enables SSL on the new service connection if the response requested it.
func (muxConn *UsbMuxConnection) connectWithStartServiceResponse(deviceID int, startServiceResponse StartServiceResponse, pairRecord PairRecord) error {
	err := muxConn.Connect(deviceID, startServiceResponse.Port)
	if err != nil {
		return err
	}
	if !startServiceResponse.EnableServiceSSL {
		return nil
	}
	if _, ok := serviceConfigurations[startServiceResponse.Service]; ok {
		return muxConn.deviceConn.EnableSessionSslHandshakeOnly(pairRecord)
	}
	return muxConn.deviceConn.EnableSessionSsl(pairRecord)
}
