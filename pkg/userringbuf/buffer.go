package userringbuf

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Map is the part of an eBPF map a UserRingBuffer binds to.
// *ebpf.Map satisfies it.
type Map interface {
	Type() ebpf.MapType
	FD() int
	MaxEntries() uint32
}

// mapping owns the memory behind a ring.
type mapping interface {
	waitWritable(timeout time.Duration) error
	close() error
}

// UserRingBuffer is the producer side of a BPF_MAP_TYPE_USER_RINGBUF map.
//
// Reservations are not safe for concurrent use: callers with several
// producer goroutines must serialize Reserve calls. Submitting and
// discarding samples is safe from any goroutine.
type UserRingBuffer struct {
	config *Config
	logger *zap.Logger

	// mu guards ring memory against Close. Reserve, commit and wait hold
	// it for reading.
	mu     sync.RWMutex
	ring   *ring
	mem    mapping
	closed bool

	outstanding atomic.Int64
	counters    counters
	metrics     *bufferMetrics
}

// New binds a producer to a user ring buffer map with default configuration.
func New(m Map) (*UserRingBuffer, error) {
	return NewWithConfig(m, nil, nil)
}

// NewWithConfig binds a producer to a user ring buffer map. The map type is
// checked before its descriptor is used.
func NewWithConfig(m Map, config *Config, logger *zap.Logger) (*UserRingBuffer, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil map", ErrInvalidInput)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if typ := m.Type(); typ != ebpf.UserRingbuf {
		return nil, fmt.Errorf("%w: got %s", ErrWrongMapType, typ)
	}

	size := m.MaxEntries()
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: ring size %d is not a power of two", ErrInvalidInput, size)
	}

	r, mem, err := mapRing(m.FD(), size)
	if err != nil {
		return nil, err
	}

	rb := newUserRingBuffer(r, mem, config, logger)
	logger.Debug("User ring buffer created",
		zap.String("name", config.Name),
		zap.Uint32("size", size))
	return rb, nil
}

func newUserRingBuffer(r *ring, mem mapping, config *Config, logger *zap.Logger) *UserRingBuffer {
	rb := &UserRingBuffer{
		config: config,
		logger: logger,
		ring:   r,
		mem:    mem,
	}
	if config.EnableMetrics {
		rb.metrics = newBufferMetrics(config.Name, logger)
	}
	return rb
}

// Capacity returns the size of the ring's data area in bytes.
func (rb *UserRingBuffer) Capacity() uint64 {
	return rb.ring.size()
}

// Free returns the bytes currently available for new records.
func (rb *UserRingBuffer) Free() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.closed {
		return 0
	}
	return rb.ring.free()
}

// Stats returns a snapshot of producer counters.
func (rb *UserRingBuffer) Stats() Stats {
	return Stats{
		Capacity:       rb.Capacity(),
		Free:           rb.Free(),
		Outstanding:    rb.outstanding.Load(),
		Reserved:       rb.counters.reserved.Load(),
		Submitted:      rb.counters.submitted.Load(),
		Discarded:      rb.counters.discarded.Load(),
		Abandoned:      rb.counters.abandoned.Load(),
		TooLarge:       rb.counters.tooLarge.Load(),
		NoSpace:        rb.counters.noSpace.Load(),
		OSErrors:       rb.counters.osErrors.Load(),
		BytesSubmitted: rb.counters.bytesSubmitted.Load(),
	}
}

// ReserveBytes reserves an untyped sample of n bytes.
func (rb *UserRingBuffer) ReserveBytes(n int) (*Record, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative sample size %d", ErrInvalidInput, n)
	}

	res, err := rb.reserve(uint64(n))
	if err != nil {
		rb.recordFailure(err)
		return nil, err
	}
	return newRecord(res), nil
}

// reserve claims size bytes. Failures are not counted here so that the
// waiting variants can retry without inflating failure metrics.
func (rb *UserRingBuffer) reserve(size uint64) (*reservation, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized sample", ErrInvalidInput)
	}
	if size > math.MaxUint32 {
		return nil, ErrTooLarge
	}

	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.closed {
		return nil, ErrClosed
	}

	offset, err := rb.ring.reserve(uint32(size))
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return nil, reserveError(errno)
		}
		return nil, &RingBufferError{Operation: "reserve", Cause: err}
	}

	rb.outstanding.Add(1)
	rb.recordReserve(uint32(size))

	return &reservation{
		rb:     rb,
		offset: offset,
		size:   uint32(size),
		data:   rb.ring.sample(offset, uint32(size)),
	}, nil
}

// commit publishes or discards a reservation on the ring.
func (rb *UserRingBuffer) commit(res *reservation, discard bool, reason string) error {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.closed {
		return ErrClosed
	}

	rb.ring.commit(res.offset, discard)
	rb.outstanding.Add(-1)
	rb.recordCommit(res.size, discard, reason)
	return nil
}

// Close discards samples that are still reserved and releases the ring.
// Closing twice is a no-op.
func (rb *UserRingBuffer) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return nil
	}
	rb.closed = true

	if n := rb.ring.discardBusy(); n > 0 {
		rb.logger.Warn("Discarded outstanding samples on close",
			zap.String("name", rb.config.Name),
			zap.Int("samples", n))
		for i := 0; i < n; i++ {
			rb.recordCommit(0, true, discardClose)
		}
	}
	rb.outstanding.Store(0)

	if err := rb.mem.close(); err != nil {
		return err
	}

	rb.logger.Debug("User ring buffer closed", zap.String("name", rb.config.Name))
	return nil
}

func (rb *UserRingBuffer) isClosed() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.closed
}
