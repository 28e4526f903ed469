package userringbuf

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidInput is the root of every caller-misuse error and of the
	// named rejections the kernel ring reports.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWrongMapType is returned when the map is not a user ring buffer.
	ErrWrongMapType = fmt.Errorf("%w: map is not a user ring buffer", ErrInvalidInput)

	// ErrTooLarge is returned when a sample can never fit in the ring.
	ErrTooLarge = fmt.Errorf("%w: requested size too large", ErrInvalidInput)

	// ErrNoSpace is returned when the ring has no room for the sample right
	// now. The caller may retry once the consumer drains entries.
	ErrNoSpace = fmt.Errorf("%w: not enough space in the ring buffer", ErrInvalidInput)

	// ErrSampleConsumed is returned when a sample is used after it was
	// submitted or discarded.
	ErrSampleConsumed = fmt.Errorf("%w: sample already submitted or discarded", ErrInvalidInput)

	// ErrForeignSample is returned when a sample is submitted to a buffer
	// that did not reserve it.
	ErrForeignSample = fmt.Errorf("%w: sample reserved on another ring buffer", ErrInvalidInput)

	// ErrClosed is returned by operations on a closed ring buffer.
	ErrClosed = errors.New("user ring buffer closed")

	// ErrNotSupported is returned on platforms without BPF user ring buffers.
	ErrNotSupported = errors.New("user ring buffers are not supported on this platform")
)

// RingBufferError carries an OS error raised by a ring buffer operation.
type RingBufferError struct {
	Operation string
	Cause     error
}

func (e *RingBufferError) Error() string {
	return fmt.Sprintf("user ring buffer error during %s: %v", e.Operation, e.Cause)
}

func (e *RingBufferError) Unwrap() error {
	return e.Cause
}

// reserveError classifies the errno reported by a failed reservation.
func reserveError(errno unix.Errno) error {
	switch errno {
	case unix.E2BIG:
		return ErrTooLarge
	case unix.ENOSPC:
		return ErrNoSpace
	default:
		return &RingBufferError{Operation: "reserve", Cause: errno}
	}
}

// failureReason labels a reservation error for metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrNoSpace):
		return "no_space"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "os_error"
	}
}
