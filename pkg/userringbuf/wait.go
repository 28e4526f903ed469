package userringbuf

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReserveContext reserves a sample sized for T, waiting for the kernel to
// drain the ring while it is full. It gives up when ctx ends.
//
// The kernel signals writability whenever the ring has any free space,
// not when there is room for this sample. While the consumer makes no
// progress, retries are paced at Config.WaitPollInterval.
func ReserveContext[T any](ctx context.Context, rb *UserRingBuffer) (*Sample[T], error) {
	size, err := sampleSize[T]()
	if err != nil {
		rb.recordFailure(err)
		return nil, err
	}
	res, err := rb.reserveWait(ctx, size)
	if err != nil {
		return nil, err
	}
	return newSample[T](res), nil
}

// ReserveBytesContext is ReserveBytes, waiting for space while the ring is
// full until ctx ends.
func (rb *UserRingBuffer) ReserveBytesContext(ctx context.Context, n int) (*Record, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative sample size %d", ErrInvalidInput, n)
	}
	res, err := rb.reserveWait(ctx, uint64(n))
	if err != nil {
		return nil, err
	}
	return newRecord(res), nil
}

// WaitWritable blocks until the kernel consumer frees space, timeout
// passes or the buffer is closed. Spurious wakeups are possible.
func (rb *UserRingBuffer) WaitWritable(timeout time.Duration) error {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.closed {
		return ErrClosed
	}
	return rb.mem.waitWritable(timeout)
}

func (rb *UserRingBuffer) reserveWait(ctx context.Context, size uint64) (*reservation, error) {
	for {
		res, err := rb.reserve(size)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrNoSpace) {
			rb.recordFailure(err)
			return nil, err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			rb.recordFailure(err)
			return nil, errors.Join(err, ctxErr)
		}

		timeout := rb.config.WaitPollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}

		before := rb.Free()
		start := time.Now()
		if err := rb.WaitWritable(timeout); err != nil {
			rb.recordFailure(err)
			return nil, err
		}

		// Free space only grows when the consumer drains, so an unchanged
		// value means the wakeup was level-triggered EPOLLOUT on a ring
		// that is still too full for this record.
		if rb.Free() == before {
			if rest := timeout - time.Since(start); rest > 0 {
				timer := time.NewTimer(rest)
				select {
				case <-ctx.Done():
				case <-timer.C:
				}
				timer.Stop()
			}
		}
	}
}
