package eventbus

import "errors"

var (
	// ErrQueueFull is returned when the bus cannot accept another event
	ErrQueueFull = errors.New("event queue is full")

	// ErrBusClosed is returned when publishing to a stopped bus
	ErrBusClosed = errors.New("event bus is closed")

	// ErrAlreadyRunning is returned when Start is called twice
	ErrAlreadyRunning = errors.New("event bus is already running")
)
