// Package telemetry installs the OpenTelemetry providers behind the
// otel.Meter and otel.Tracer calls in urb, and serves the metrics in
// Prometheus format.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is a gRPC collector address for traces and metrics.
	// Empty disables OTLP export.
	OTLPEndpoint string

	// MetricsAddr is where Serve listens for Prometheus scrapes
	MetricsAddr string

	// ExportInterval is the OTLP metric push period
	ExportInterval time.Duration
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		ExportInterval: 30 * time.Second,
	}
}

// Provider owns the SDK tracer and meter providers and the metrics endpoint
type Provider struct {
	config *Config
	logger *zap.Logger

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry

	server   *http.Server
	listener net.Listener
}

// NewProvider builds the providers and installs them as the otel globals
func NewProvider(ctx context.Context, config *Config, logger *zap.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig("urb")
	}
	if config.ExportInterval <= 0 {
		config.ExportInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceVersionKey.String(config.ServiceVersion),
	)

	p := &Provider{
		config:   config,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	if err := p.initTracing(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	if err := p.initMetrics(ctx, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	return p, nil
}

func (p *Provider) initTracing(ctx context.Context, res *resource.Resource) error {
	if p.config.OTLPEndpoint == "" {
		// Spans are still created and sampled, just not exported.
		p.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		return nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	promExporter, err := otelprom.New(otelprom.WithRegisterer(p.registry))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if p.config.OTLPEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(p.config.ExportInterval))))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	return nil
}

// Handler serves /metrics in Prometheus format and /health
func (p *Provider) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})).Methods(http.MethodGet)
	router.HandleFunc("/health", p.handleHealth).Methods(http.MethodGet)
	return router
}

func (p *Provider) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": p.config.ServiceName,
		"version": p.config.ServiceVersion,
	})
}

// Serve starts the metrics endpoint on MetricsAddr in the background. It
// does nothing when MetricsAddr is empty.
func (p *Provider) Serve() error {
	if p.config.MetricsAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", p.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.MetricsAddr, err)
	}

	p.listener = ln
	p.server = &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	p.logger.Info("Serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the address the metrics endpoint listens on, or "" when it
// is not serving
func (p *Provider) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Shutdown stops the metrics endpoint and flushes both providers
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error

	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown metrics server: %w", err))
		}
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}
