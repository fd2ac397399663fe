package slogobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leofalp/chatcheckpoint/providers/observability"
)

// Observer implements observability.Provider on top of a *slog.Logger.
// Spans and metric updates become DEBUG records; log calls map one-to-one to
// slog levels. Counter totals are kept in memory and can be read back with
// [Observer.CounterValue].
type Observer struct {
	logger  *slog.Logger
	metrics *metricsStore
}

// Ensure Observer implements observability.Provider
var _ observability.Provider = (*Observer)(nil)

// New creates a slog-based observer. Without options it writes text records
// to stdout at the level named by LOG_LEVEL (INFO when unset).
//
//	observer := slogobs.New(
//	    slogobs.WithFormat(slogobs.FormatJSON),
//	    slogobs.WithLevel(slog.LevelDebug),
//	)
func New(opts ...Option) *Observer {
	cfg := applyOptions(opts...)

	logger := cfg.logger
	if logger == nil {
		handlerOpts := &slog.HandlerOptions{Level: cfg.level}
		var handler slog.Handler
		if cfg.format == FormatJSON {
			handler = slog.NewJSONHandler(cfg.output, handlerOpts)
		} else {
			handler = slog.NewTextHandler(cfg.output, handlerOpts)
		}
		logger = slog.New(handler)
	}

	return &Observer{
		logger:  logger,
		metrics: newMetricsStore(),
	}
}

// Logger exposes the underlying slog logger, e.g. to install it as the
// process default.
func (o *Observer) Logger() *slog.Logger {
	return o.logger
}

// --- TRACING ---

// StartSpan begins a named span and logs its start at DEBUG level. The
// returned context carries the span.
func (o *Observer) StartSpan(ctx context.Context, name string, attrs ...observability.Attribute) (context.Context, observability.Span) {
	span := &slogSpan{
		name:      name,
		startTime: time.Now(),
		logger:    o.logger,
		attrs:     append([]observability.Attribute(nil), attrs...),
	}

	logAttrs := append([]slog.Attr{
		slog.String("span", name),
		slog.String("event", "span.start"),
	}, toSlogAttrs(attrs)...)
	o.logger.LogAttrs(ctx, slog.LevelDebug, "span started", logAttrs...)

	return observability.ContextWithSpan(ctx, span), span
}

type slogSpan struct {
	name      string
	startTime time.Time
	logger    *slog.Logger
	mu        sync.Mutex
	attrs     []observability.Attribute
	failed    bool
}

// End logs the span duration together with every accumulated attribute. A span
// whose status was set to error ends at WARN level instead of DEBUG.
func (s *slogSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	logAttrs := append([]slog.Attr{
		slog.String("span", s.name),
		slog.String("event", "span.end"),
		slog.Duration("duration", time.Since(s.startTime)),
	}, toSlogAttrs(s.attrs)...)

	level := slog.LevelDebug
	if s.failed {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(context.Background(), level, "span ended", logAttrs...)
}

func (s *slogSpan) SetAttributes(attrs ...observability.Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = append(s.attrs, attrs...)
}

func (s *slogSpan) SetStatus(code observability.StatusCode, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "unset"
	switch code {
	case observability.StatusOK:
		status = "ok"
	case observability.StatusError:
		status = "error"
		s.failed = true
	}

	s.attrs = append(s.attrs, observability.Outcome(status))
	if description != "" {
		s.attrs = append(s.attrs, observability.String(observability.AttrStatusDescription, description))
	}
}

func (s *slogSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = append(s.attrs, observability.Error(err))
}

func (s *slogSpan) AddEvent(name string, attrs ...observability.Attribute) {
	logAttrs := append([]slog.Attr{
		slog.String("span", s.name),
		slog.String("event", name),
	}, toSlogAttrs(attrs)...)
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "span event", logAttrs...)
}

// --- METRICS ---

// Counter returns the named counter, creating it on first use.
func (o *Observer) Counter(name string) observability.Counter {
	return o.metrics.counter(name, o.logger)
}

// Histogram returns the named histogram, creating it on first use.
func (o *Observer) Histogram(name string) observability.Histogram {
	return o.metrics.histogram(name, o.logger)
}

// CounterValue reports the running total of the named counter, or zero when
// it has never been incremented.
func (o *Observer) CounterValue(name string) int64 {
	o.metrics.mu.RLock()
	counter, ok := o.metrics.counters[name]
	o.metrics.mu.RUnlock()
	if !ok {
		return 0
	}
	counter.mu.Lock()
	defer counter.mu.Unlock()
	return counter.value
}

type metricsStore struct {
	mu         sync.RWMutex
	counters   map[string]*slogCounter
	histograms map[string]*slogHistogram
}

func newMetricsStore() *metricsStore {
	return &metricsStore{
		counters:   make(map[string]*slogCounter),
		histograms: make(map[string]*slogHistogram),
	}
}

func (m *metricsStore) counter(name string, logger *slog.Logger) *slogCounter {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()
	if exists {
		return counter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := m.counters[name]; exists {
		return counter
	}
	counter = &slogCounter{name: name, logger: logger}
	m.counters[name] = counter
	return counter
}

func (m *metricsStore) histogram(name string, logger *slog.Logger) *slogHistogram {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()
	if exists {
		return histogram
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[name]; exists {
		return histogram
	}
	histogram = &slogHistogram{name: name, logger: logger}
	m.histograms[name] = histogram
	return histogram
}

type slogCounter struct {
	name   string
	logger *slog.Logger
	mu     sync.Mutex
	value  int64
}

func (c *slogCounter) Add(ctx context.Context, value int64, attrs ...observability.Attribute) {
	c.mu.Lock()
	c.value += value
	total := c.value
	c.mu.Unlock()

	logAttrs := append([]slog.Attr{
		slog.String("metric", c.name),
		slog.Int64("value", total),
		slog.Int64("delta", value),
	}, toSlogAttrs(attrs)...)
	c.logger.LogAttrs(ctx, slog.LevelDebug, "counter", logAttrs...)
}

type slogHistogram struct {
	name   string
	logger *slog.Logger
}

func (h *slogHistogram) Record(ctx context.Context, value float64, attrs ...observability.Attribute) {
	logAttrs := append([]slog.Attr{
		slog.String("metric", h.name),
		slog.Float64("value", value),
	}, toSlogAttrs(attrs)...)
	h.logger.LogAttrs(ctx, slog.LevelDebug, "histogram", logAttrs...)
}

// --- LOGGING ---

func (o *Observer) Debug(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.logger.LogAttrs(ctx, slog.LevelDebug, msg, toSlogAttrs(attrs)...)
}

func (o *Observer) Info(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.logger.LogAttrs(ctx, slog.LevelInfo, msg, toSlogAttrs(attrs)...)
}

func (o *Observer) Warn(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.logger.LogAttrs(ctx, slog.LevelWarn, msg, toSlogAttrs(attrs)...)
}

func (o *Observer) Error(ctx context.Context, msg string, attrs ...observability.Attribute) {
	o.logger.LogAttrs(ctx, slog.LevelError, msg, toSlogAttrs(attrs)...)
}

func toSlogAttrs(attrs []observability.Attribute) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, slog.Any(attr.Key, attr.Value))
	}
	return out
}
