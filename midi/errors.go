package midi

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks out-of-range channel/note/velocity values.
	// Surfaced synchronously to the caller.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDeviceUnavailable marks a sink whose output port is not ready.
	// Logged and fed to the reconnect signal, never fatal to a loop.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrQueueOverflow marks an event dropped because the queue was full.
	ErrQueueOverflow = errors.New("dispatch queue overflow")
)

func fmtInvalid(field string, v int) error {
	return fmt.Errorf("%s %d out of range: %w", field, v, ErrInvalidArgument)
}
