package ari

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a control operation receives no
	// response within the configured request timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrSessionClosed is returned to every caller still waiting on a
	// pending operation when the session is torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidArgument is returned by local validation before any
	// network round-trip is made.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState is returned for operations issued against a
	// resource that has reached a terminal state.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnknownApplication marks an inbound entry event whose
	// application name has no registered handler. Routing misses are
	// logged, never fatal.
	ErrUnknownApplication = errors.New("unknown application")
)

// ConnectionError reports a permanent failure to establish the event
// stream after the configured number of attempts.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError reports a non-2xx response to a control operation. It is
// recoverable by the caller; the session stays up.
type RequestError struct {
	Status int
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: %d %s", e.Status, e.Reason)
}
