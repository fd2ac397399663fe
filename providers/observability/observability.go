package observability

import (
	"context"
	"time"
)

// Provider bundles the three signals a component may emit. Components hold
// one Provider and treat nil as unobserved.
type Provider interface {
	Tracer
	Metrics
	Logger
}

// --- TRACING ---

// Tracer starts spans around units of work such as a conversation turn.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Span is one traced unit of work. End must be called exactly once.
type Span interface {
	End()
	SetAttributes(attrs ...Attribute)
	SetStatus(code StatusCode, description string)
	RecordError(err error)
	AddEvent(name string, attrs ...Attribute)
}

// StatusCode is the final state of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// --- METRICS ---

// Metrics hands out named instruments. Asking twice for the same name returns
// the same instrument.
type Metrics interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// Counter only goes up.
type Counter interface {
	Add(ctx context.Context, value int64, attrs ...Attribute)
}

// Histogram records a distribution, such as model latency in seconds.
type Histogram interface {
	Record(ctx context.Context, value float64, attrs ...Attribute)
}

// --- LOGGING ---

// Logger provides structured, levelled logging.
type Logger interface {
	Debug(ctx context.Context, msg string, attrs ...Attribute)
	Info(ctx context.Context, msg string, attrs ...Attribute)
	Warn(ctx context.Context, msg string, attrs ...Attribute)
	Error(ctx context.Context, msg string, attrs ...Attribute)
}

// --- ATTRIBUTES ---

// Attribute is a key-value pair attached to spans, metrics and log records.
// Implementations render Value according to its dynamic type.
type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute { return Attribute{Key: key, Value: value} }

func Int(key string, value int) Attribute { return Attribute{Key: key, Value: value} }

func Int64(key string, value int64) Attribute { return Attribute{Key: key, Value: value} }

func Float64(key string, value float64) Attribute { return Attribute{Key: key, Value: value} }

// Duration keeps the value as a time.Duration; otelobs exports it in
// milliseconds under key+"_ms".
func Duration(key string, value time.Duration) Attribute { return Attribute{Key: key, Value: value} }

// Error records err.Error() under [AttrError]. A nil error yields an empty value.
func Error(err error) Attribute {
	if err == nil {
		return Attribute{Key: AttrError, Value: ""}
	}
	return Attribute{Key: AttrError, Value: err.Error()}
}

// SessionID tags a signal with the conversation it belongs to.
func SessionID(id string) Attribute { return String(AttrSessionID, id) }

// ModelName tags a signal with the model that served it.
func ModelName(name string) Attribute { return String(AttrModelName, name) }

// Outcome tags a metric or span with a short status word such as "ok".
func Outcome(status string) Attribute { return String(AttrStatus, status) }
