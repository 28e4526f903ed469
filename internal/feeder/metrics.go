package feeder

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type feederMetrics struct {
	sent         metric.Int64Counter
	dropped      metric.Int64Counter
	bytesSent    metric.Int64Counter
	backlogDepth metric.Int64Gauge
}

// newFeederMetrics registers OTEL instruments; a failed instrument is
// logged and left nil
func newFeederMetrics(name string, logger *zap.Logger) *feederMetrics {
	meter := otel.Meter(name)
	m := &feederMetrics{}
	var err error

	m.sent, err = meter.Int64Counter(
		fmt.Sprintf("%s_payloads_sent_total", name),
		metric.WithDescription("Total payloads written to the ring"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create payloads sent counter", zap.Error(err))
		m.sent = nil
	}

	m.dropped, err = meter.Int64Counter(
		fmt.Sprintf("%s_payloads_dropped_total", name),
		metric.WithDescription("Total payloads dropped"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create payloads dropped counter", zap.Error(err))
		m.dropped = nil
	}

	m.bytesSent, err = meter.Int64Counter(
		fmt.Sprintf("%s_bytes_sent_total", name),
		metric.WithDescription("Total payload bytes written to the ring"),
		metric.WithUnit("By"),
	)
	if err != nil {
		logger.Debug("Failed to create bytes sent counter", zap.Error(err))
		m.bytesSent = nil
	}

	m.backlogDepth, err = meter.Int64Gauge(
		fmt.Sprintf("%s_backlog_depth", name),
		metric.WithDescription("Payloads waiting for ring space"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create backlog depth gauge", zap.Error(err))
		m.backlogDepth = nil
	}

	return m
}

func (f *Feeder) recordSent(size int) {
	if f.metrics == nil {
		return
	}
	ctx := context.Background()
	if f.metrics.sent != nil {
		f.metrics.sent.Add(ctx, 1)
	}
	if f.metrics.bytesSent != nil {
		f.metrics.bytesSent.Add(ctx, int64(size))
	}
}

func (f *Feeder) recordDrop(reason string, n int64) {
	if f.metrics == nil || f.metrics.dropped == nil {
		return
	}
	f.metrics.dropped.Add(context.Background(), n,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (f *Feeder) recordBacklog(depth int) {
	if f.metrics == nil || f.metrics.backlogDepth == nil {
		return
	}
	f.metrics.backlogDepth.Record(context.Background(), int64(depth))
}
