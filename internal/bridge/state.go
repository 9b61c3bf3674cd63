package bridge

import "errors"

// ErrSessionClosed is returned when a message is posted to a finished session.
var ErrSessionClosed = errors.New("session closed")

// State is the lifecycle position of a Session.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Teardown reasons recorded with the transcript.
const (
	ReasonClientClosed   = "client_closed"
	ReasonUpstreamClosed = "upstream_closed"
	ReasonUpstreamError  = "upstream_error"
	ReasonDialFailed     = "dial_failed"
	ReasonShutdown       = "shutdown"
)
