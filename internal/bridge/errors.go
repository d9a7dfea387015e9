package bridge

import "errors"

// Domain errors for the bridge package.
var (
	// ErrMalformedMessage is returned when a client frame is not a JSON
	// object of the form {"type": ..., "data": {...}}.
	ErrMalformedMessage = errors.New("bridge: malformed client message")

	// ErrSessionClosed is returned when a message arrives after Close.
	ErrSessionClosed = errors.New("bridge: session closed")

	// ErrDispatchFault is returned when dispatch panics. The session must end.
	ErrDispatchFault = errors.New("bridge: dispatch fault")

	// ErrNoDevice is returned when a session or dispatcher has no device.
	ErrNoDevice = errors.New("bridge: device link is required")

	// ErrNoEmitter is returned when a session has nowhere to send status events.
	ErrNoEmitter = errors.New("bridge: status emitter is required")
)
