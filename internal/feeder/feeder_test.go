package feeder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/urb/pkg/userringbuf"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

// fakeRing accepts records while it has room and fails like a user ring
// buffer otherwise.
type fakeRing struct {
	mu       sync.Mutex
	capacity int
	used     int
	maxSize  int
	records  [][]byte
	closed   bool
	writable chan struct{}
}

func newFakeRing(capacity, maxSize int) *fakeRing {
	return &fakeRing{
		capacity: capacity,
		maxSize:  maxSize,
		writable: make(chan struct{}, 1),
	}
}

func (r *fakeRing) WriteBytes(n int, fn func([]byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.closed:
		return userringbuf.ErrClosed
	case n > r.maxSize:
		return userringbuf.ErrTooLarge
	case r.used+n > r.capacity:
		return userringbuf.ErrNoSpace
	}

	buf := make([]byte, n)
	if err := fn(buf); err != nil {
		return err
	}
	r.used += n
	r.records = append(r.records, buf)
	return nil
}

func (r *fakeRing) WaitWritable(timeout time.Duration) error {
	select {
	case <-r.writable:
	case <-time.After(timeout):
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return userringbuf.ErrClosed
	}
	return nil
}

// consume empties the ring, as a BPF program draining it would.
func (r *fakeRing) consume() [][]byte {
	r.mu.Lock()
	records := r.records
	r.records = nil
	r.used = 0
	r.mu.Unlock()

	select {
	case r.writable <- struct{}{}:
	default:
	}
	return records
}

func (r *fakeRing) written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func testConfig() *Config {
	config := DefaultConfig()
	config.Name = "test_feeder"
	config.RetryInterval = 5 * time.Millisecond
	config.ShutdownTimeout = time.Second
	return config
}

func TestNewFeeder(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)

	f, err := New(newFakeRing(64, 64), &Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "urb_feeder", f.config.Name)
	assert.Equal(t, 10000, f.config.BacklogSize)
	assert.Equal(t, 50*time.Millisecond, f.config.RetryInterval)
}

func TestFeederDeliversInOrder(t *testing.T) {
	ring := newFakeRing(1024, 64)
	f, err := New(ring, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, f.Send([]byte(p)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Flush(ctx))

	records := ring.consume()
	require.Len(t, records, 3)
	assert.Equal(t, "one", string(records[0]))
	assert.Equal(t, "two", string(records[1]))
	assert.Equal(t, "three", string(records[2]))

	stats := f.Statistics()
	assert.Equal(t, uint64(3), stats.Queued)
	assert.Equal(t, uint64(3), stats.Sent)
	assert.Zero(t, stats.Pending)
}

func TestFeederWaitsForSpace(t *testing.T) {
	ring := newFakeRing(8, 8)
	f, err := New(ring, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	require.NoError(t, f.Send([]byte("aaaa")))
	require.NoError(t, f.Send([]byte("bbbb")))
	require.NoError(t, f.Send([]byte("cccc")))

	require.Eventually(t, func() bool { return ring.written() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.Pending(), "third payload waits for the consumer")

	first := ring.consume()
	assert.Len(t, first, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Flush(ctx))

	rest := ring.consume()
	require.Len(t, rest, 1)
	assert.Equal(t, "cccc", string(rest[0]))
	assert.Zero(t, f.Statistics().Dropped)
}

func TestFeederDropsOversized(t *testing.T) {
	ring := newFakeRing(1024, 4)
	f, err := New(ring, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	require.NoError(t, f.Send([]byte("too long")))
	require.NoError(t, f.Send([]byte("ok")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Flush(ctx))

	records := ring.consume()
	require.Len(t, records, 1)
	assert.Equal(t, "ok", string(records[0]))

	stats := f.Statistics()
	assert.Equal(t, uint64(1), stats.Oversized)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestFeederBacklogFull(t *testing.T) {
	config := testConfig()
	config.BacklogSize = 2

	f, err := New(newFakeRing(0, 64), config, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, f.Send([]byte("a")))
	require.NoError(t, f.Send([]byte("b")))
	assert.ErrorIs(t, f.Send([]byte("c")), ErrBacklogFull)
	assert.ErrorIs(t, f.Send(nil), userringbuf.ErrInvalidInput)

	assert.Equal(t, 2, f.Pending())
	assert.Equal(t, uint64(1), f.Statistics().Dropped)
}

func TestFeederSendCopiesPayload(t *testing.T) {
	ring := newFakeRing(64, 64)
	f, err := New(ring, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	buf := []byte("abc")
	require.NoError(t, f.Send(buf))
	buf[0] = 'x'

	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Flush(ctx))

	records := ring.consume()
	require.Len(t, records, 1)
	assert.Equal(t, "abc", string(records[0]))
}

func TestFeederStopDropsPending(t *testing.T) {
	ring := newFakeRing(0, 64)
	f, err := New(ring, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Send([]byte("stuck")))

	require.NoError(t, f.Stop())
	require.NoError(t, f.Stop())

	assert.Equal(t, uint64(1), f.Statistics().Dropped)
	assert.ErrorIs(t, f.Send([]byte("late")), ErrStopped)
	assert.ErrorIs(t, f.Start(context.Background()), ErrStopped)
	assert.ErrorIs(t, f.Flush(context.Background()), ErrStopped)
}

func TestFeederExitsWhenRingCloses(t *testing.T) {
	ring := newFakeRing(64, 64)
	f, err := New(ring, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	assert.NoError(t, f.Err())

	ring.mu.Lock()
	ring.closed = true
	ring.mu.Unlock()

	require.NoError(t, f.Send([]byte("lost")))
	require.Eventually(t, func() bool { return f.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.Err(), userringbuf.ErrClosed)

	// Nothing is accepted once the loop is gone.
	assert.ErrorIs(t, f.Send([]byte("late")), userringbuf.ErrClosed)
	assert.Equal(t, 1, f.Pending())

	// Flush reports the ring error at once instead of waiting out ctx.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	err = f.Flush(ctx)
	assert.ErrorIs(t, err, userringbuf.ErrClosed)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, f.Stop())
	assert.Equal(t, uint64(1), f.Statistics().Dropped)
}

func TestFeederStopsWhenWaitSeesClosedRing(t *testing.T) {
	ring := newFakeRing(0, 64)
	f, err := New(ring, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()
	require.NoError(t, f.Send([]byte("waiting")))

	// The loop is parked on a full ring when it closes.
	require.Eventually(t, func() bool { return f.Pending() == 1 }, time.Second, time.Millisecond)
	ring.mu.Lock()
	ring.closed = true
	ring.mu.Unlock()

	require.Eventually(t, func() bool { return f.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.Send([]byte("late")), userringbuf.ErrClosed)
	assert.ErrorIs(t, f.Flush(context.Background()), userringbuf.ErrClosed)
}

func TestFeederRateLimit(t *testing.T) {
	ring := newFakeRing(1024, 64)
	config := testConfig()
	config.MaxRate = 50
	config.Burst = 1

	f, err := New(ring, config, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, f.limiter)

	start := time.Now()
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, f.Send([]byte(p)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Flush(ctx))

	// One payload goes out at once, the other three wait 20ms each.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Len(t, ring.consume(), 4)
}

func TestConfigRejectsNegativeRate(t *testing.T) {
	config := DefaultConfig()
	config.MaxRate = -1

	_, err := New(newFakeRing(64, 64), config, nil)
	assert.ErrorContains(t, err, "max rate")
}

func TestFeederTracesDrainAndFlush(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(previous)

	ring := newFakeRing(1024, 64)
	f, err := New(ring, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Send([]byte("traced")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Flush(ctx))
	require.NoError(t, f.Stop())

	names := map[string]bool{}
	written := 0
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
		for _, kv := range span.Attributes() {
			if kv.Key == "payloads_written" {
				written += int(kv.Value.AsInt64())
			}
		}
	}
	assert.True(t, names["feeder.flush"])
	assert.True(t, names["feeder.drain"])
	assert.Equal(t, 1, written)
}
