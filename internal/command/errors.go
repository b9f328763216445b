package command

import "errors"

var (
	// ErrTransport is returned when the command could not be published.
	// No ACK is awaited.
	ErrTransport = errors.New("command: publish failed")

	// ErrAckUnavailable is returned when the ACK topic could not be
	// subscribed, so an acknowledgement could never be observed.
	ErrAckUnavailable = errors.New("command: ack subscription failed")

	// ErrInvalidTarget is returned for an empty site or device.
	ErrInvalidTarget = errors.New("command: invalid target")

	// ErrInvalidAction is returned for a command without an action.
	ErrInvalidAction = errors.New("command: action is required")
)
