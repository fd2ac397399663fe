// Package otelobs implements observability.Provider with the OpenTelemetry SDK.
// Spans and metrics go through an SDK tracer and meter provider (stdout
// exporters by default); log calls go to a slog logger enriched with the
// active trace and span IDs.
package otelobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/leofalp/chatcheckpoint/providers/observability"
)

const instrumentationName = "github.com/leofalp/chatcheckpoint"

// Observer routes observability calls to OpenTelemetry.
type Observer struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// Ensure Observer implements observability.Provider
var _ observability.Provider = (*Observer)(nil)

// Option configures New.
type Option func(*options)

type options struct {
	serviceName    string
	output         io.Writer
	metricInterval time.Duration
	traceExporter  sdktrace.SpanExporter
	metricReader   sdkmetric.Reader
	logger         *slog.Logger
}

// WithServiceName sets the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithOutput sets where the default stdout exporters write.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithMetricInterval sets the export period of the default metric reader.
func WithMetricInterval(d time.Duration) Option {
	return func(o *options) { o.metricInterval = d }
}

// WithTraceExporter replaces the stdout span exporter. Spans are exported
// synchronously when a custom exporter is supplied.
func WithTraceExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *options) { o.traceExporter = exporter }
}

// WithMetricReader replaces the periodic stdout metric reader.
func WithMetricReader(reader sdkmetric.Reader) Option {
	return func(o *options) { o.metricReader = reader }
}

// WithLogger sets the slog logger used for log records.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New builds the tracer and meter providers. Call [Observer.Shutdown] to
// flush exporters before the process exits.
func New(opts ...Option) (*Observer, error) {
	cfg := &options{
		serviceName:    "chatcheckpoint",
		output:         os.Stdout,
		metricInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.serviceName))

	traceOpt := sdktrace.WithSyncer(cfg.traceExporter)
	if cfg.traceExporter == nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.output))
		if err != nil {
			return nil, fmt.Errorf("otelobs: trace exporter: %w", err)
		}
		traceOpt = sdktrace.WithBatcher(exporter)
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpt, sdktrace.WithResource(res))

	reader := cfg.metricReader
	if reader == nil {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.output))
		if err != nil {
			_ = tracerProvider.Shutdown(context.Background())
			return nil, fmt.Errorf("otelobs: metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.metricInterval))
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Observer{
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracerProvider.Tracer(instrumentationName),
		meter:          meterProvider.Meter(instrumentationName),
		logger:         logger,
		counters:       make(map[string]metric.Int64Counter),
		histograms:     make(map[string]metric.Float64Histogram),
	}, nil
}

// Shutdown flushes and stops both providers.
func (o *Observer) Shutdown(ctx context.Context) error {
	return errors.Join(o.tracerProvider.Shutdown(ctx), o.meterProvider.Shutdown(ctx))
}

// --- TRACING ---

func (o *Observer) StartSpan(ctx context.Context, name string, attrs ...observability.Attribute) (context.Context, observability.Span) {
	ctx, span := o.tracer.Start(ctx, name, trace.WithAttributes(toKeyValues(attrs)...))
	wrapped := &otelSpan{span: span}
	return observability.ContextWithSpan(ctx, wrapped), wrapped
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttributes(attrs ...observability.Attribute) {
	s.span.SetAttributes(toKeyValues(attrs)...)
}

func (s *otelSpan) SetStatus(code observability.StatusCode, description string) {
	switch code {
	case observability.StatusOK:
		s.span.SetStatus(codes.Ok, description)
	case observability.StatusError:
		s.span.SetStatus(codes.Error, description)
	default:
		s.span.SetStatus(codes.Unset, description)
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

func (s *otelSpan) AddEvent(name string, attrs ...observability.Attribute) {
	s.span.AddEvent(name, trace.WithAttributes(toKeyValues(attrs)...))
}

// --- METRICS ---

func (o *Observer) Counter(name string) observability.Counter {
	o.mu.Lock()
	defer o.mu.Unlock()

	counter, ok := o.counters[name]
	if !ok {
		var err error
		counter, err = o.meter.Int64Counter(name)
		if err != nil {
			o.logger.Warn("otelobs: counter creation failed", "metric", name, "error", err)
		}
		o.counters[name] = counter
	}
	return &otelCounter{counter: counter}
}

func (o *Observer) Histogram(name string) observability.Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()

	histogram, ok := o.histograms[name]
	if !ok {
		var err error
		histogram, err = o.meter.Float64Histogram(name)
		if err != nil {
			o.logger.Warn("otelobs: histogram creation failed", "metric", name, "error", err)
		}
		o.histograms[name] = histogram
	}
	return &otelHistogram{histogram: histogram}
}

type otelCounter struct {
	counter metric.Int64Counter
}

func (c *otelCounter) Add(ctx context.Context, value int64, attrs ...observability.Attribute) {
	if c.counter == nil {
		return
	}
	c.counter.Add(ctx, value, metric.WithAttributes(toKeyValues(attrs)...))
}

type otelHistogram struct {
	histogram metric.Float64Histogram
}

func (h *otelHistogram) Record(ctx context.Context, value float64, attrs ...observability.Attribute) {
	if h.histogram == nil {
		return
	}
	h.histogram.Record(ctx, value, metric.WithAttributes(toKeyValues(attrs)...))
}

// --- LOGGING ---

func (o *Observer) Debug(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.log(ctx, slog.LevelDebug, msg, attrs)
}

func (o *Observer) Info(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.log(ctx, slog.LevelInfo, msg, attrs)
}

func (o *Observer) Warn(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.log(ctx, slog.LevelWarn, msg, attrs)
}

func (o *Observer) Error(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.log(ctx, slog.LevelError, msg, attrs)
}

func (o *Observer) log(ctx context.Context, level slog.Level, msg string, attrs []observability.Attribute) {
	logAttrs := make([]slog.Attr, 0, len(attrs)+2)
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		logAttrs = append(logAttrs,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	for _, attr := range attrs {
		logAttrs = append(logAttrs, slog.Any(attr.Key, attr.Value))
	}
	o.logger.LogAttrs(ctx, level, msg, logAttrs...)
}

func toKeyValues(attrs []observability.Attribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		switch v := attr.Value.(type) {
		case string:
			out = append(out, attribute.String(attr.Key, v))
		case int:
			out = append(out, attribute.Int(attr.Key, v))
		case int64:
			out = append(out, attribute.Int64(attr.Key, v))
		case float64:
			out = append(out, attribute.Float64(attr.Key, v))
		case bool:
			out = append(out, attribute.Bool(attr.Key, v))
		case time.Duration:
			out = append(out, attribute.Int64(attr.Key+"_ms", v.Milliseconds()))
		default:
			out = append(out, attribute.String(attr.Key, fmt.Sprint(v)))
		}
	}
	return out
}
