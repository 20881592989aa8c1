package wamp

import (
	"errors"
	"fmt"
)

// Sentinel base errors, grouped by concern the way the reference corpus's
// internal/errors packages do.
var (
	ErrNotConnected  = errors.New("wamp: session is not connected")
	ErrTimeout       = errors.New("wamp: timed out waiting for reply")
	ErrSessionClosed = errors.New("wamp: session closed while operation was pending")
	ErrNoOnChallenge = errors.New("wamp: router sent CHALLENGE but no on_challenge callback was configured")
)

// ConnectionError wraps a transport-level failure: socket errors, TLS
// handshake failures, or an abrupt close observed by the dispatcher.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("wamp: connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError covers malformed frames, unknown message codes, schema
// violations, unexpected messages for the current state, and reply
// timeouts.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wamp: protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("wamp: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError covers a CHALLENGE with no on_challenge callback configured,
// and an ABORT received in place of WELCOME during sayHello.
type AuthError struct {
	Reason string
	URI    string
}

func (e *AuthError) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("wamp: auth error: %s (%s)", e.Reason, e.URI)
	}
	return fmt.Sprintf("wamp: auth error: %s", e.Reason)
}

// SessionClosedError is delivered to every waiter still pending when the
// session ends.
type SessionClosedError struct{}

func (e *SessionClosedError) Error() string { return ErrSessionClosed.Error() }

func (e *SessionClosedError) Unwrap() error { return ErrSessionClosed }

// WampError is the error-as-value form of a router or peer ERROR message.
// Session.Call returns it through its error return in place of a RESULT,
// so callers can inspect URI/Args/Kwargs with a type assertion.
type WampError struct {
	URI    string
	Args   []interface{}
	Kwargs Details
}

func (e *WampError) Error() string {
	return fmt.Sprintf("wamp: error response: %s", e.URI)
}

func newWampError(msg Error) *WampError {
	return &WampError{URI: msg.URI, Args: msg.Args, Kwargs: msg.Kwargs}
}
