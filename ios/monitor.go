package ios

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// EventType enumerates the events a DeviceMonitor delivers to subscribers.
type EventType int

const (
	// MonitorConnected is emitted after a successful usbmuxd handshake.
	MonitorConnected EventType = iota
	// MonitorDisconnected is emitted when the usbmuxd connection was lost.
	// The device registry is cleared before this event is published.
	MonitorDisconnected
	// DeviceAttached is emitted for every USB attached device.
	DeviceAttached
	// DeviceDetached is emitted when a previously attached device went away.
	DeviceDetached
)

func (e EventType) String() string {
	switch e {
	case MonitorConnected:
		return "Connected"
	case MonitorDisconnected:
		return "Disconnected"
	case DeviceAttached:
		return "DeviceAttached"
	case DeviceDetached:
		return "DeviceDetached"
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// MonitorEvent is one attach/detach/connectivity notification.
// Udid is only set for device events.
type MonitorEvent struct {
	Type EventType
	Udid string
}

// Subscription receives monitor events on its Events channel in FIFO order.
// No event on this channel predates the device snapshot returned by Subscribe.
type Subscription struct {
	// Events is closed when the subscription or the monitor is closed.
	Events  chan MonitorEvent
	monitor *DeviceMonitor
}

// Close removes this subscription from the monitor.
func (s *Subscription) Close() {
	s.monitor.unsubscribe(s)
}

// DeviceMonitor keeps one long lived listen connection to usbmuxd and
// maintains the DeviceID to udid registry. There is usually exactly one per
// process. On connection loss it clears the registry and reconnects with a
// constant one second backoff, the first attempt is immediate.
//
// The registry is written only by the monitor goroutine, readers go through
// GetDeviceID which takes a shared lock.
type DeviceMonitor struct {
	socketAddress string

	mu          sync.RWMutex
	byDeviceID  map[int]string
	byUdid      map[string]int
	subscribers map[*Subscription]struct{}
	muxConn     *UsbMuxConnection

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewDeviceMonitor starts monitoring the usbmuxd at socketAddress,
// pass ios.GetUsbmuxdSocket() for the platform default.
func NewDeviceMonitor(socketAddress string) *DeviceMonitor {
	m := &DeviceMonitor{
		socketAddress: socketAddress,
		byDeviceID:    map[int]string{},
		byUdid:        map[string]int{},
		subscribers:   map[*Subscription]struct{}{},
		closed:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.run()
	return m
}

// Close stops the monitor, closes the listen connection and all subscriber channels.
func (m *DeviceMonitor) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		if m.muxConn != nil {
			m.muxConn.Close()
		}
		m.mu.Unlock()
	})
	<-m.done
}

// ListDevices returns a sorted snapshot of the udids of all attached devices.
func (m *DeviceMonitor) ListDevices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	udids := make([]string, 0, len(m.byUdid))
	for udid := range m.byUdid {
		udids = append(udids, udid)
	}
	slices.Sort(udids)
	return udids
}

// GetDeviceID resolves a udid to the DeviceID usbmuxd assigned for the
// current attach. The second return value is false when the device is not
// attached right now.
func (m *DeviceMonitor) GetDeviceID(udid string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	deviceID, ok := m.byUdid[udid]
	return deviceID, ok
}

// Subscribe registers a sink for monitor events. The returned snapshot of
// currently attached udids is taken atomically with the sink installation,
// every event delivered to the subscription is newer than the snapshot.
func (m *DeviceMonitor) Subscribe() ([]string, *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	udids := make([]string, 0, len(m.byUdid))
	for udid := range m.byUdid {
		udids = append(udids, udid)
	}
	slices.Sort(udids)
	sub := &Subscription{Events: make(chan MonitorEvent, 100), monitor: m}
	m.subscribers[sub] = struct{}{}
	return udids, sub
}

func (m *DeviceMonitor) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscribers[sub]; ok {
		delete(m.subscribers, sub)
		close(sub.Events)
	}
}

// publish must be called with m.mu held.
func (m *DeviceMonitor) publish(event MonitorEvent) {
	for sub := range m.subscribers {
		select {
		case sub.Events <- event:
		default:
			log.WithFields(log.Fields{"event": event.Type.String(), "udid": event.Udid}).
				Warn("dropping monitor event, subscriber is not keeping up")
		}
	}
}

func (m *DeviceMonitor) run() {
	defer close(m.done)
	defer m.closeSubscribers()
	reconnectDelay := backoff.NewConstantBackOff(time.Second)
	first := true
	for {
		if !first {
			select {
			case <-m.closed:
				return
			case <-time.After(reconnectDelay.NextBackOff()):
			}
		}
		first = false

		nextEvent, err := m.dial()
		if err != nil {
			log.Debugf("usbmuxd not reachable: %v", err)
			continue
		}

		m.mu.Lock()
		m.publish(MonitorEvent{Type: MonitorConnected})
		m.mu.Unlock()

		m.readEvents(nextEvent)

		m.mu.Lock()
		m.byDeviceID = map[int]string{}
		m.byUdid = map[string]int{}
		if m.muxConn != nil {
			m.muxConn.Close()
			m.muxConn = nil
		}
		m.publish(MonitorEvent{Type: MonitorDisconnected})
		m.mu.Unlock()

		select {
		case <-m.closed:
			return
		default:
		}
	}
}

// dial opens a connection to usbmuxd, performs the ReadBUID handshake which
// also validates the protocol version, and switches the socket to listen mode.
func (m *DeviceMonitor) dial() (func() (AttachedMessage, error), error) {
	deviceConn, err := NewDeviceConnection(m.socketAddress)
	if err != nil {
		return nil, err
	}
	muxConn := NewUsbMuxConnection(deviceConn)
	buid, err := muxConn.ReadBuid()
	if err != nil {
		muxConn.Close()
		return nil, fmt.Errorf("usbmuxd handshake failed: %w", err)
	}
	log.Debugf("connected to usbmuxd, buid: %s", buid)
	nextEvent, err := muxConn.Listen()
	if err != nil {
		muxConn.Close()
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	m.mu.Lock()
	select {
	case <-m.closed:
		// Close ran while we were dialing, it could not see this
		// connection so it has to be torn down here
		m.mu.Unlock()
		muxConn.Close()
		return nil, fmt.Errorf("monitor closed")
	default:
	}
	m.muxConn = muxConn
	m.mu.Unlock()
	return nextEvent, nil
}

func (m *DeviceMonitor) readEvents(nextEvent func() (AttachedMessage, error)) {
	for {
		msg, err := nextEvent()
		if err != nil {
			select {
			case <-m.closed:
			default:
				log.Debugf("usbmuxd listen connection lost: %v", err)
			}
			return
		}
		switch {
		case msg.DeviceAttached():
			if !msg.UsbConnected() {
				log.Debugf("ignoring %s attach of %s", msg.Properties.ConnectionType, msg.Properties.SerialNumber)
				continue
			}
			m.mu.Lock()
			m.byDeviceID[msg.DeviceID] = msg.Properties.SerialNumber
			m.byUdid[msg.Properties.SerialNumber] = msg.DeviceID
			m.publish(MonitorEvent{Type: DeviceAttached, Udid: msg.Properties.SerialNumber})
			m.mu.Unlock()
		case msg.DeviceDetached():
			m.mu.Lock()
			udid, known := m.byDeviceID[msg.DeviceID]
			if known {
				delete(m.byDeviceID, msg.DeviceID)
				delete(m.byUdid, udid)
				m.publish(MonitorEvent{Type: DeviceDetached, Udid: udid})
			}
			m.mu.Unlock()
		default:
			log.Debugf("ignoring usbmuxd message %s", msg.MessageType)
		}
	}
}

func (m *DeviceMonitor) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subscribers {
		close(sub.Events)
		delete(m.subscribers, sub)
	}
}

// ConnectThru tunnels to the given port on the device with the given udid.
// The udid is resolved through the monitor registry, unknown udids fail with
// ErrNotFound before any usbmuxd round trip. The returned stream belongs to
// the caller.
func (m *DeviceMonitor) ConnectThru(udid string, port uint16) (DeviceConnectionInterface, error) {
	deviceID, ok := m.GetDeviceID(udid)
	if !ok {
		return nil, fmt.Errorf("device '%s' is not attached: %w", udid, ErrNotFound)
	}
	muxConn, err := NewUsbMuxConnectionSimpleWithAddress(m.socketAddress)
	if err != nil {
		return nil, err
	}
	err = muxConn.Connect(deviceID, port)
	if err != nil {
		muxConn.Close()
		return nil, err
	}
	return muxConn.ReleaseDeviceConnection(), nil
}

// ConnectToService dials the named service on the device with the given
// udid, resolved through the monitor registry.
func (m *DeviceMonitor) ConnectToService(udid string, serviceName string) (DeviceConnectionInterface, error) {
	device, err := m.DeviceEntry(udid)
	if err != nil {
		return nil, err
	}
	return ConnectToService(device, serviceName)
}

// DeviceEntry resolves the udid into a DeviceEntry usable with the service
// level constructors. Unknown udids fail with ErrNotFound.
func (m *DeviceMonitor) DeviceEntry(udid string) (DeviceEntry, error) {
	deviceID, ok := m.GetDeviceID(udid)
	if !ok {
		return DeviceEntry{}, fmt.Errorf("device '%s' is not attached: %w", udid, ErrNotFound)
	}
	return DeviceEntry{
		DeviceID:   deviceID,
		Properties: DeviceProperties{SerialNumber: udid, ConnectionType: "USB", DeviceID: deviceID},
	}, nil
}
