package access

import "errors"

var (
	// ErrClientNotFound is returned when the identifier matches no client.
	// No attendance is recorded.
	ErrClientNotFound = errors.New("client not found")

	// ErrNoSessionsLeft is returned by RecordAttendance when the punch-card
	// decrement finds no remaining session. Nothing is written.
	ErrNoSessionsLeft = errors.New("no sessions left on sale")

	// ErrInvalidMethod is returned for an access method other than huella or documento.
	ErrInvalidMethod = errors.New("invalid access method")

	// ErrQueueFull is returned by Enqueue when the notification queue is saturated.
	ErrQueueFull = errors.New("notification queue full")

	// ErrNotifierRunning is returned by a second concurrent Run.
	ErrNotifierRunning = errors.New("notifier already running")
)
