package webinspector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qt4i/idevice/ios"
	log "github.com/sirupsen/logrus"
)

// ErrNoAutomation is returned when the device does not expose automation,
// usually because the Safari remote automation switch is off.
var ErrNoAutomation = fmt.Errorf("webinspector: automation is not available on the device")

// DefaultSessionTimeout bounds how long a session may take to reach Connected.
const DefaultSessionTimeout = 30 * time.Second

// State of the automation session handshake.
type State int

const (
	// StateCreated means the identifier was reported and automation is available.
	StateCreated State = iota
	// StateInitialized means the connected application list contained Safari.
	StateInitialized
	// StateReady means Safari is ready and the automation session was requested.
	StateReady
	// StateConnected means the automation page accepted our session.
	StateConnected
	// StateFailed is terminal, every request fails immediately.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitialized:
		return "Initialized"
	case StateReady:
		return "Ready"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session drives Mobile Safari through the WebKit remote inspector protocol.
// All messages are plists carrying a __selector and a __argument, the
// automation commands themselves travel as JSON inside those plists.
//
// A session walks Created -> Initialized -> Ready -> Connected. Automation
// calls made before Connected block until the handshake finishes and fail
// immediately once the session is Failed.
type Session struct {
	deviceConn ios.DeviceConnectionInterface
	plistCodec ios.PlistCodec
	// connectionID identifies this session in every message, an upper case UUID
	connectionID string
	startTimeout time.Duration

	writeMu sync.Mutex

	mu                  sync.Mutex
	state               State
	failure             error
	automationAvailable bool
	appID               string
	appReady            bool
	pageID              uint64
	pageSelected        bool
	pageOut             uint64
	pending             map[uint64]chan automationReply

	connected chan struct{}
	failed    chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionTimeout overrides the default 30s handshake timeout.
func WithSessionTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.startTimeout = timeout
	}
}

// NewSession connects to the webinspector service and starts the automation
// handshake. The returned session is usable right away, automation calls
// block until the handshake reaches Connected.
func NewSession(device ios.DeviceEntry, opts ...SessionOption) (*Session, error) {
	deviceConn, err := ios.ConnectToService(device, serviceName)
	if err != nil {
		return nil, err
	}
	return NewSessionFromConn(deviceConn, opts...)
}

// NewSessionFromConn starts the automation handshake over an existing service
// connection.
func NewSessionFromConn(deviceConn ios.DeviceConnectionInterface, opts ...SessionOption) (*Session, error) {
	session := &Session{
		deviceConn:   deviceConn,
		plistCodec:   ios.NewPlistCodec(),
		connectionID: strings.ToUpper(uuid.New().String()),
		startTimeout: DefaultSessionTimeout,
		pending:      map[uint64]chan automationReply{},
		connected:    make(chan struct{}),
		failed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(session)
	}
	err := session.handshake()
	if err != nil {
		deviceConn.Close()
		return nil, err
	}
	go session.readLoop()
	go session.watchStartTimeout()
	return session, nil
}

// handshake reports our identifier and waits for the device to report its
// current state. Without automation availability there is no point in going on.
func (session *Session) handshake() error {
	err := session.send(selectorReportIdentifier, map[string]interface{}{})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(session.startTimeout)
	if conn := session.deviceConn.Conn(); conn != nil {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("webinspector handshake: %w", ios.ErrTimeout)
		}
		msg, err := session.readMessage()
		if err != nil {
			return fmt.Errorf("webinspector handshake: %w", err)
		}
		session.handle(msg)
		if msg.Selector == selectorReportCurrentState {
			session.mu.Lock()
			available := session.automationAvailable
			session.mu.Unlock()
			if !available {
				return ErrNoAutomation
			}
			return nil
		}
	}
}

// Close tears down the session and its socket.
func (session *Session) Close() error {
	session.fail(fmt.Errorf("session closed"))
	return session.deviceConn.Close()
}

// State returns the current handshake state.
func (session *Session) State() State {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state
}

// WaitForSession blocks until the session is Connected, Failed or the context
// is done. It returns nil when automation is ready for use.
func (session *Session) WaitForSession(ctx context.Context) error {
	select {
	case <-session.connected:
		return nil
	case <-session.failed:
		return session.failureReason()
	case <-ctx.Done():
		return fmt.Errorf("waiting for webinspector session: %w", ios.ErrTimeout)
	}
}

func (session *Session) failureReason() error {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.failure
}

func (session *Session) watchStartTimeout() {
	timer := time.NewTimer(session.startTimeout)
	defer timer.Stop()
	select {
	case <-session.connected:
	case <-session.failed:
	case <-timer.C:
		session.fail(fmt.Errorf("webinspector session did not connect within %v: %w", session.startTimeout, ios.ErrTimeout))
	}
}

// send wraps selector and argument into the inspector envelope. Every
// argument carries the connection identifier.
func (session *Session) send(selector string, argument map[string]interface{}) error {
	argument[wirConnectionIdentifierKey] = session.connectionID
	b, err := session.plistCodec.Encode(wireMessage{Selector: selector, Argument: argument})
	if err != nil {
		return err
	}
	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	log.Tracef("webinspector send %s", selector)
	return session.deviceConn.Send(b)
}

func (session *Session) readMessage() (wireMessage, error) {
	b, err := session.plistCodec.Decode(session.deviceConn.Reader())
	if err != nil {
		return wireMessage{}, err
	}
	var msg wireMessage
	_, err = ios.ParsePlistInto(b, &msg)
	if err != nil {
		return wireMessage{}, err
	}
	log.Tracef("webinspector recv %s", msg.Selector)
	return msg, nil
}

func (session *Session) readLoop() {
	for {
		msg, err := session.readMessage()
		if err != nil {
			session.fail(fmt.Errorf("webinspector connection lost: %w", ios.ErrPeerDisconnected))
			return
		}
		session.handle(msg)
	}
}

// fail parks the session in the terminal Failed state. All pending and
// future calls error out immediately.
func (session *Session) fail(reason error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.state == StateFailed {
		return
	}
	log.Debugf("webinspector session failed: %v", reason)
	session.state = StateFailed
	session.failure = reason
	for id, ch := range session.pending {
		ch <- automationReply{Err: reason}
		delete(session.pending, id)
	}
	close(session.failed)
}

// handle drives the state machine with one inbound message.
func (session *Session) handle(msg wireMessage) {
	switch msg.Selector {
	case selectorReportCurrentState:
		session.onReportCurrentState(msg.Argument)
	case selectorReportConnectedAppList:
		session.onConnectedApplicationList(msg.Argument)
	case selectorApplicationConnected, selectorApplicationUpdated:
		session.onApplicationChanged(msg.Argument)
	case selectorApplicationDisconnected:
		session.onApplicationDisconnected(msg.Argument)
	case selectorApplicationSentListing:
		session.onApplicationSentListing(msg.Argument)
	case selectorApplicationSentData:
		session.onApplicationSentData(msg.Argument)
	default:
		log.Debugf("webinspector: ignoring selector %s", msg.Selector)
	}
}

func (session *Session) onReportCurrentState(argument map[string]interface{}) {
	availability, _ := argument[wirAutomationAvailabilityKey].(string)
	session.mu.Lock()
	session.automationAvailable = availability == wirAutomationAvailable
	session.mu.Unlock()
	if !session.isAvailable() {
		session.fail(ErrNoAutomation)
	}
}

func (session *Session) isAvailable() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.automationAvailable
}

func (session *Session) onConnectedApplicationList(argument map[string]interface{}) {
	apps, _ := argument[wirApplicationDictionaryKey].(map[string]interface{})
	for appID, appIntf := range apps {
		app, ok := appIntf.(map[string]interface{})
		if !ok {
			continue
		}
		if app[wirApplicationBundleKey] != SafariBundleID {
			continue
		}
		ready, _ := app[wirIsApplicationReadyKey].(bool)
		session.mu.Lock()
		session.appID = appID
		session.appReady = ready
		if session.state == StateCreated {
			session.state = StateInitialized
		}
		session.mu.Unlock()
		log.WithFields(log.Fields{"appId": appID, "ready": ready}).Debug("webinspector: found safari")
	}
	session.maybeEnterReady()
}

func (session *Session) onApplicationChanged(argument map[string]interface{}) {
	if argument[wirApplicationBundleKey] != SafariBundleID {
		return
	}
	appID, _ := argument[wirApplicationIdentifierKey].(string)
	ready, _ := argument[wirIsApplicationReadyKey].(bool)
	session.mu.Lock()
	session.appID = appID
	session.appReady = ready
	if session.state == StateCreated {
		session.state = StateInitialized
	}
	session.mu.Unlock()
	session.maybeEnterReady()
}

func (session *Session) onApplicationDisconnected(argument map[string]interface{}) {
	if argument[wirApplicationBundleKey] != SafariBundleID {
		return
	}
	session.mu.Lock()
	session.appID = ""
	session.appReady = false
	session.pageSelected = false
	session.pageID = 0
	session.mu.Unlock()
	log.Debug("webinspector: safari disconnected")
}

// maybeEnterReady requests the automation session as soon as Safari is ready
// and automation is available.
func (session *Session) maybeEnterReady() {
	session.mu.Lock()
	shouldRequest := session.state == StateInitialized && session.automationAvailable && session.appReady
	if shouldRequest {
		session.state = StateReady
	}
	session.mu.Unlock()
	if !shouldRequest {
		return
	}
	err := session.send(selectorForwardAutomationSession, map[string]interface{}{
		wirSessionIdentifierKey: session.connectionID,
		wirSessionCapabilitiesKey: map[string]interface{}{
			capabilityAllowInsecureMediaCapture:     true,
			capabilitySuppressIceCandidateFiltering: false,
		},
	})
	if err != nil {
		session.fail(fmt.Errorf("failed requesting automation session: %w", err))
	}
}

func (session *Session) onApplicationSentListing(argument map[string]interface{}) {
	appID, _ := argument[wirApplicationIdentifierKey].(string)
	session.mu.Lock()
	trackedApp := session.appID
	session.mu.Unlock()
	if appID != trackedApp {
		return
	}
	listing, _ := argument[wirListingKey].(map[string]interface{})
	for _, pageIntf := range listing {
		page, ok := pageIntf.(map[string]interface{})
		if !ok {
			continue
		}
		if page[wirTypeKey] != wirTypeAutomation {
			continue
		}
		if page[wirSessionIdentifierKey] != session.connectionID {
			continue
		}
		pageID := uint64(toInt64(page[wirPageIdentifierKey]))

		session.mu.Lock()
		if !session.pageSelected {
			session.pageSelected = true
			session.pageID = pageID
			session.mu.Unlock()
			log.WithFields(log.Fields{"pageId": pageID}).Debug("webinspector: automation page found")
			err := session.send(selectorForwardSocketSetup, map[string]interface{}{
				wirApplicationIdentifierKey: appID,
				wirPageIdentifierKey:        pageID,
				wirSenderKey:                session.connectionID,
				wirAutomaticallyPauseKey:    false,
			})
			if err != nil {
				session.fail(fmt.Errorf("failed setting up automation socket: %w", err))
			}
			return
		}
		confirmed := session.pageID == pageID && page[wirConnectionIdentifierKey] == session.connectionID
		alreadyConnected := session.state == StateConnected
		if confirmed && !alreadyConnected && session.state != StateFailed {
			session.state = StateConnected
			close(session.connected)
			log.Debug("webinspector: session connected")
		}
		session.mu.Unlock()
		return
	}
}

func (session *Session) onApplicationSentData(argument map[string]interface{}) {
	if argument[wirDestinationKey] != session.connectionID {
		return
	}
	data, _ := argument[wirMessageDataKey].([]byte)
	session.dispatchAutomationData(data)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
