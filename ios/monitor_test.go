package ios_test

import (
	"net"
	"sync"
	"testing"
	"time"

	ios "github.com/qt4i/idevice/ios"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUdid = "00008120-0018DEADC0DEFACE"

// muxdStub is a minimal usbmuxd that answers the monitor handshake and lets
// tests push attach and detach events.
type muxdStub struct {
	t        *testing.T
	listener net.Listener

	mu      sync.Mutex
	conn    net.Conn
	muxConn *ios.UsbMuxConnection
}

func startMuxdStub(t *testing.T) *muxdStub {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stub := &muxdStub{t: t, listener: listener}
	go stub.acceptLoop()
	t.Cleanup(func() { listener.Close() })
	return stub
}

func (stub *muxdStub) address() string {
	return "tcp://" + stub.listener.Addr().String()
}

func (stub *muxdStub) acceptLoop() {
	for {
		conn, err := stub.listener.Accept()
		if err != nil {
			return
		}
		go stub.serve(conn)
	}
}

func (stub *muxdStub) serve(conn net.Conn) {
	muxConn := ios.NewUsbMuxConnection(ios.NewDeviceConnectionWithConn(conn))
	for {
		msg, err := muxConn.ReadMessage()
		if err != nil {
			return
		}
		parsed, err := ios.ParsePlist(msg.Payload)
		if err != nil {
			return
		}
		switch parsed["MessageType"] {
		case "ReadBUID":
			stub.reply(muxConn, msg.Header.Tag, map[string]interface{}{"BUID": "stub-buid"})
		case "Listen":
			stub.reply(muxConn, msg.Header.Tag, map[string]interface{}{"MessageType": "Result", "Number": 0})
			stub.mu.Lock()
			stub.conn = conn
			stub.muxConn = muxConn
			stub.mu.Unlock()
		}
	}
}

func (stub *muxdStub) reply(muxConn *ios.UsbMuxConnection, tag uint32, payload interface{}) {
	plistBytes := ios.ToPlistBytes(payload)
	err := muxConn.SendMuxMessage(ios.UsbMuxMessage{
		Header:  ios.UsbMuxHeader{Length: uint32(16 + len(plistBytes)), Version: 1, Request: 8, Tag: tag},
		Payload: plistBytes,
	})
	require.NoError(stub.t, err)
}

func (stub *muxdStub) push(event interface{}) {
	stub.mu.Lock()
	muxConn := stub.muxConn
	stub.mu.Unlock()
	require.NotNil(stub.t, muxConn, "no listen connection to push events to")
	stub.reply(muxConn, 0, event)
}

func (stub *muxdStub) dropConnection() {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.conn != nil {
		stub.conn.Close()
		stub.conn = nil
		stub.muxConn = nil
	}
}

func attachedEvent(deviceID int, udid string, connectionType string) map[string]interface{} {
	return map[string]interface{}{
		"MessageType": "Attached",
		"DeviceID":    deviceID,
		"Properties": map[string]interface{}{
			"ConnectionType": connectionType,
			"DeviceID":       deviceID,
			"SerialNumber":   udid,
		},
	}
}

func detachedEvent(deviceID int) map[string]interface{} {
	return map[string]interface{}{"MessageType": "Detached", "DeviceID": deviceID}
}

func nextEvent(t *testing.T, sub *ios.Subscription) ios.MonitorEvent {
	select {
	case event, ok := <-sub.Events:
		require.True(t, ok, "subscription closed unexpectedly")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for monitor event")
		return ios.MonitorEvent{}
	}
}

func TestDeviceMonitor(t *testing.T) {
	stub := startMuxdStub(t)
	monitor := ios.NewDeviceMonitor(stub.address())
	defer monitor.Close()

	udids, sub := monitor.Subscribe()
	defer sub.Close()
	assert.Empty(t, udids)

	event := nextEvent(t, sub)
	assert.Equal(t, ios.MonitorConnected, event.Type)

	stub.push(attachedEvent(7, testUdid, "USB"))
	event = nextEvent(t, sub)
	assert.Equal(t, ios.DeviceAttached, event.Type)
	assert.Equal(t, testUdid, event.Udid)

	assert.Equal(t, []string{testUdid}, monitor.ListDevices())
	deviceID, ok := monitor.GetDeviceID(testUdid)
	assert.True(t, ok)
	assert.Equal(t, 7, deviceID)

	// network attaches are ignored, their detach must not produce an event
	stub.push(attachedEvent(9, "network-device", "Network"))
	stub.push(detachedEvent(9))
	stub.push(detachedEvent(7))

	event = nextEvent(t, sub)
	assert.Equal(t, ios.DeviceDetached, event.Type)
	assert.Equal(t, testUdid, event.Udid)
	_, ok = monitor.GetDeviceID(testUdid)
	assert.False(t, ok)
	assert.Empty(t, monitor.ListDevices())
}

func TestDeviceMonitorSubscribeSnapshot(t *testing.T) {
	stub := startMuxdStub(t)
	monitor := ios.NewDeviceMonitor(stub.address())
	defer monitor.Close()

	_, handshake := monitor.Subscribe()
	defer handshake.Close()
	assert.Equal(t, ios.MonitorConnected, nextEvent(t, handshake).Type)
	stub.push(attachedEvent(7, testUdid, "USB"))
	assert.Equal(t, ios.DeviceAttached, nextEvent(t, handshake).Type)

	// a late subscriber gets the device in the snapshot, not as an event
	udids, sub := monitor.Subscribe()
	defer sub.Close()
	assert.Equal(t, []string{testUdid}, udids)
	select {
	case event := <-sub.Events:
		t.Fatalf("expected no events after snapshot, got %v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeviceMonitorReconnect(t *testing.T) {
	stub := startMuxdStub(t)
	monitor := ios.NewDeviceMonitor(stub.address())
	defer monitor.Close()

	_, sub := monitor.Subscribe()
	defer sub.Close()
	assert.Equal(t, ios.MonitorConnected, nextEvent(t, sub).Type)
	stub.push(attachedEvent(7, testUdid, "USB"))
	assert.Equal(t, ios.DeviceAttached, nextEvent(t, sub).Type)

	stub.dropConnection()
	assert.Equal(t, ios.MonitorDisconnected, nextEvent(t, sub).Type)
	assert.Empty(t, monitor.ListDevices())

	// the monitor reconnects on its own and the attach stream starts fresh
	assert.Equal(t, ios.MonitorConnected, nextEvent(t, sub).Type)
	stub.push(attachedEvent(8, testUdid, "USB"))
	assert.Equal(t, ios.DeviceAttached, nextEvent(t, sub).Type)
	deviceID, ok := monitor.GetDeviceID(testUdid)
	assert.True(t, ok)
	assert.Equal(t, 8, deviceID)
}

func TestConnectThruUnknownUdid(t *testing.T) {
	stub := startMuxdStub(t)
	monitor := ios.NewDeviceMonitor(stub.address())
	defer monitor.Close()

	_, err := monitor.ConnectThru("unknown-udid", 12345)
	require.Error(t, err)
	assert.ErrorIs(t, err, ios.ErrNotFound)

	_, err = monitor.DeviceEntry("unknown-udid")
	assert.ErrorIs(t, err, ios.ErrNotFound)
}
