// Package observability defines the interfaces and semantic conventions used
// for tracing, metrics collection, and structured logging across the
// checkpoint components.
//
// The central entry point is [Provider], which composes [Tracer], [Metrics],
// and [Logger] into a single injectable dependency. Components accept a
// Provider through their options and treat a nil Provider as "not observed".
// A span and its observer travel through a [context.Context] via
// [ContextWithSpan] and [ContextWithObserver].
//
// Implementations live in the sibling packages slogobs (log/slog) and otelobs
// (OpenTelemetry SDK).
package observability
