package userringbuf

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Stats is a snapshot of producer activity on a user ring buffer
type Stats struct {
	Capacity    uint64
	Free        uint64
	Outstanding int64

	Reserved  uint64
	Submitted uint64
	Discarded uint64
	Abandoned uint64

	TooLarge uint64
	NoSpace  uint64
	OSErrors uint64

	BytesSubmitted uint64
}

type counters struct {
	reserved       atomic.Uint64
	submitted      atomic.Uint64
	discarded      atomic.Uint64
	abandoned      atomic.Uint64
	tooLarge       atomic.Uint64
	noSpace        atomic.Uint64
	osErrors       atomic.Uint64
	bytesSubmitted atomic.Uint64
}

type bufferMetrics struct {
	reserved   metric.Int64Counter
	submitted  metric.Int64Counter
	discarded  metric.Int64Counter
	failures   metric.Int64Counter
	sampleSize metric.Int64Histogram
}

// newBufferMetrics registers OTEL instruments. Metrics are optional, so a
// failed instrument is logged and left nil.
func newBufferMetrics(name string, logger *zap.Logger) *bufferMetrics {
	meter := otel.Meter(name)
	m := &bufferMetrics{}
	var err error

	m.reserved, err = meter.Int64Counter(
		fmt.Sprintf("%s_samples_reserved_total", name),
		metric.WithDescription("Total samples reserved"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create samples reserved counter", zap.Error(err))
		m.reserved = nil
	}

	m.submitted, err = meter.Int64Counter(
		fmt.Sprintf("%s_samples_submitted_total", name),
		metric.WithDescription("Total samples submitted to the kernel"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create samples submitted counter", zap.Error(err))
		m.submitted = nil
	}

	m.discarded, err = meter.Int64Counter(
		fmt.Sprintf("%s_samples_discarded_total", name),
		metric.WithDescription("Total samples returned to the ring without publishing"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create samples discarded counter", zap.Error(err))
		m.discarded = nil
	}

	m.failures, err = meter.Int64Counter(
		fmt.Sprintf("%s_reserve_failures_total", name),
		metric.WithDescription("Total failed reservations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create reserve failures counter", zap.Error(err))
		m.failures = nil
	}

	m.sampleSize, err = meter.Int64Histogram(
		fmt.Sprintf("%s_sample_size_bytes", name),
		metric.WithDescription("Reserved sample size distribution"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(8, 64, 256, 1024, 4096, 16384, 65536),
	)
	if err != nil {
		logger.Debug("Failed to create sample size histogram", zap.Error(err))
		m.sampleSize = nil
	}

	return m
}

func (rb *UserRingBuffer) recordReserve(size uint32) {
	rb.counters.reserved.Add(1)
	if rb.metrics == nil {
		return
	}
	ctx := context.Background()
	if rb.metrics.reserved != nil {
		rb.metrics.reserved.Add(ctx, 1)
	}
	if rb.metrics.sampleSize != nil {
		rb.metrics.sampleSize.Record(ctx, int64(size))
	}
}

func (rb *UserRingBuffer) recordFailure(err error) {
	reason := failureReason(err)
	switch reason {
	case "too_large":
		rb.counters.tooLarge.Add(1)
	case "no_space":
		rb.counters.noSpace.Add(1)
	case "os_error":
		rb.counters.osErrors.Add(1)
	}

	if rb.metrics != nil && rb.metrics.failures != nil {
		rb.metrics.failures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (rb *UserRingBuffer) recordCommit(size uint32, discard bool, reason string) {
	ctx := context.Background()
	if !discard {
		rb.counters.submitted.Add(1)
		rb.counters.bytesSubmitted.Add(uint64(size))
		if rb.metrics != nil && rb.metrics.submitted != nil {
			rb.metrics.submitted.Add(ctx, 1)
		}
		return
	}

	rb.counters.discarded.Add(1)
	if reason == discardAbandoned {
		rb.counters.abandoned.Add(1)
	}
	if rb.metrics != nil && rb.metrics.discarded != nil {
		rb.metrics.discarded.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}
