package ios

import "errors"

// Domain errors shared by the mux, lockdown and service layers.
// Wrapped errors keep these matchable with errors.Is.
var (
	// ErrNotFound is returned for unknown udids, absent pair records and missing paths.
	ErrNotFound = errors.New("not found")
	// ErrNoPairingRecord is returned when a session is requested but usbmuxd has no
	// pair record for the device. Pair the device with the vendor tooling first.
	ErrNoPairingRecord = errors.New("no pairing record")
	// ErrNoSession is returned when an operation needs an active lockdown session.
	ErrNoSession = errors.New("no session active")
	// ErrAlreadyStarted is returned when StartSession is called twice on the same connection.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrInvalidProtocolVersion is returned when usbmuxd speaks an unexpected protocol version.
	ErrInvalidProtocolVersion = errors.New("invalid usbmux protocol version")
	// ErrPeerDisconnected is returned when the device side closed the stream.
	ErrPeerDisconnected = errors.New("peer disconnected")
	// ErrTimeout is returned when a deadline elapsed before the awaited state was reached.
	ErrTimeout = errors.New("timeout")
	// ErrPermissionDenied is returned when the device refused access to a resource.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrBadArgument is returned when the device rejected a request argument.
	ErrBadArgument = errors.New("bad argument")
)
