package robot

import "errors"

// Domain errors for the robot device link.
var (
	// ErrNotConnected is returned when an operation requires a connection
	// and none could be established.
	ErrNotConnected = errors.New("robot: not connected")

	// ErrConnectionFailed is returned when dialling the device fails.
	ErrConnectionFailed = errors.New("robot: connection failed")

	// ErrSendFailed is returned when writing a command to the socket fails.
	// The link is disconnected before this is returned.
	ErrSendFailed = errors.New("robot: command send failed")

	// ErrInvalidCommand is returned when a command cannot be encoded.
	ErrInvalidCommand = errors.New("robot: invalid command")

	// ErrClosed is returned after Close has been called on the link.
	ErrClosed = errors.New("robot: link closed")
)
