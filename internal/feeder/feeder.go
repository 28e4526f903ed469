package feeder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/yairfalse/urb/pkg/userringbuf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrBacklogFull is returned by Send when the backlog is at capacity
	ErrBacklogFull = errors.New("feeder backlog full")

	// ErrStopped is returned by Send after Stop
	ErrStopped = errors.New("feeder stopped")
)

// Producer is the ring a feeder writes into. *userringbuf.UserRingBuffer
// implements it.
type Producer interface {
	WriteBytes(n int, fn func([]byte) error) error
	WaitWritable(timeout time.Duration) error
}

// Stats is a snapshot of feeder activity
type Stats struct {
	Queued    uint64
	Sent      uint64
	Dropped   uint64
	Oversized uint64
	Pending   int
}

// Feeder accepts payloads from any goroutine and writes them into a user
// ring buffer from a single goroutine, so ring reservations are serialized.
// Payloads that don't fit yet wait in a bounded backlog.
type Feeder struct {
	config   *Config
	logger   *zap.Logger
	producer Producer

	mu      sync.Mutex
	backlog *queue.Queue
	notify  chan struct{}

	loops   *loopGroup
	started atomic.Bool
	stopped atomic.Bool

	// loopErr is set when the feed loop exits because the ring failed.
	// Nothing is delivered after that.
	loopErr atomic.Pointer[error]

	queued    atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
	oversized atomic.Uint64

	metrics *feederMetrics
	tracer  trace.Tracer

	// limiter is nil when MaxRate is unlimited. holdToken is owned by the
	// feed loop: a token taken for a payload that hit a full ring is kept
	// for the retry.
	limiter   *rate.Limiter
	holdToken bool
}

// New creates a feeder writing into producer
func New(producer Producer, config *Config, logger *zap.Logger) (*Feeder, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
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

	f := &Feeder{
		config:   config,
		logger:   logger.With(zap.String("feeder", config.Name)),
		producer: producer,
		backlog:  queue.New(),
		notify:   make(chan struct{}, 1),
		tracer:   otel.Tracer(config.Name),
	}
	if config.MaxRate > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(config.MaxRate), config.Burst)
	}
	if config.EnableMetrics {
		f.metrics = newFeederMetrics(config.Name, f.logger)
	}
	return f, nil
}

// Start launches the feed loop. Starting twice is a no-op.
func (f *Feeder) Start(ctx context.Context) error {
	if f.stopped.Load() {
		return ErrStopped
	}
	if !f.started.CompareAndSwap(false, true) {
		return nil
	}

	f.loops = newLoopGroup(ctx, f.logger)
	f.loops.goLoop("feed", f.run)

	f.logger.Info("Feeder started",
		zap.Int("backlog_size", f.config.BacklogSize),
		zap.Duration("retry_interval", f.config.RetryInterval))
	return nil
}

// Stop ends the feed loop. Payloads still in the backlog are dropped.
func (f *Feeder) Stop() error {
	if !f.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if !f.started.Load() {
		return nil
	}

	err := f.loops.stop(f.config.ShutdownTimeout)

	if pending := f.Pending(); pending > 0 {
		f.logger.Warn("Dropping undelivered payloads", zap.Int("pending", pending))
		f.dropped.Add(uint64(pending))
		f.recordDrop("shutdown", int64(pending))
	}

	f.logger.Info("Feeder stopped",
		zap.Uint64("sent", f.sent.Load()),
		zap.Uint64("dropped", f.dropped.Load()))
	return err
}

// Send queues a copy of payload for delivery
func (f *Feeder) Send(payload []byte) error {
	if f.stopped.Load() {
		return ErrStopped
	}
	if err := f.Err(); err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", userringbuf.ErrInvalidInput)
	}

	f.mu.Lock()
	if f.backlog.Length() >= f.config.BacklogSize {
		f.mu.Unlock()
		f.dropped.Add(1)
		f.recordDrop("backlog_full", 1)
		return ErrBacklogFull
	}
	f.backlog.Add(append([]byte(nil), payload...))
	depth := f.backlog.Length()
	f.mu.Unlock()

	f.queued.Add(1)
	f.recordBacklog(depth)

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

// Flush waits until every queued payload has been written to the ring
func (f *Feeder) Flush(ctx context.Context) error {
	ctx, span := f.tracer.Start(ctx, "feeder.flush",
		trace.WithAttributes(attribute.Int("pending", f.Pending())))
	defer span.End()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for f.Pending() > 0 {
		if f.stopped.Load() {
			span.SetStatus(codes.Error, ErrStopped.Error())
			return ErrStopped
		}
		if err := f.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "feed loop stopped")
			return err
		}
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "flush interrupted")
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Err returns why the feed loop stopped delivering, or nil while it runs.
// The error wraps the ring's error, e.g. userringbuf.ErrClosed.
func (f *Feeder) Err() error {
	if p := f.loopErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (f *Feeder) fail(err error) {
	err = fmt.Errorf("feed loop stopped: %w", err)
	f.loopErr.CompareAndSwap(nil, &err)
	f.logger.Error("Feed loop stopped", zap.Error(err))
}

// Pending returns the number of payloads waiting in the backlog
func (f *Feeder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backlog.Length()
}

// Statistics returns feeder counters
func (f *Feeder) Statistics() Stats {
	return Stats{
		Queued:    f.queued.Load(),
		Sent:      f.sent.Load(),
		Dropped:   f.dropped.Load(),
		Oversized: f.oversized.Load(),
		Pending:   f.Pending(),
	}
}

func (f *Feeder) run(ctx context.Context) {
	for {
		blocked, err := f.drain(ctx)
		if err != nil {
			f.fail(err)
			return
		}

		if blocked {
			if err := f.producer.WaitWritable(f.config.RetryInterval); err != nil {
				if errors.Is(err, userringbuf.ErrClosed) {
					f.fail(err)
					return
				}
				f.logger.Debug("Wait for ring space failed", zap.Error(err))
			}
			if f.loops.stopping() {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-f.notify:
		}
	}
}

// drain writes backlog payloads until the backlog is empty or the ring is
// full. Only the feed loop removes from the backlog.
func (f *Feeder) drain(ctx context.Context) (blocked bool, err error) {
	ctx, span := f.tracer.Start(ctx, "feeder.drain")
	defer span.End()

	written := 0
	defer func() {
		span.SetAttributes(
			attribute.Int("payloads_written", written),
			attribute.Bool("ring_full", blocked))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "feed loop stopped")
		}
	}()

	for {
		f.mu.Lock()
		if f.backlog.Length() == 0 {
			f.mu.Unlock()
			return false, nil
		}
		payload := f.backlog.Peek().([]byte)
		f.mu.Unlock()

		if f.limiter != nil && !f.holdToken {
			if err := f.limiter.Wait(ctx); err != nil {
				// Stopping; the run loop notices the cancelled context.
				return false, nil
			}
			f.holdToken = true
		}

		err := f.write(payload)
		switch {
		case err == nil:
			written++
			f.sent.Add(1)
			f.recordSent(len(payload))
		case errors.Is(err, userringbuf.ErrNoSpace):
			return true, nil
		case errors.Is(err, userringbuf.ErrClosed):
			return false, err
		case errors.Is(err, userringbuf.ErrTooLarge):
			f.oversized.Add(1)
			f.dropped.Add(1)
			f.recordDrop("too_large", 1)
			f.logger.Warn("Dropping payload larger than the ring",
				zap.Int("size", len(payload)))
		default:
			f.dropped.Add(1)
			f.recordDrop("write_error", 1)
			f.logger.Warn("Dropping payload", zap.Int("size", len(payload)), zap.Error(err))
		}
		f.holdToken = false

		f.mu.Lock()
		f.backlog.Remove()
		depth := f.backlog.Length()
		f.mu.Unlock()
		f.recordBacklog(depth)
	}
}

func (f *Feeder) write(payload []byte) error {
	return f.producer.WriteBytes(len(payload), func(buf []byte) error {
		copy(buf, payload)
		return nil
	})
}
