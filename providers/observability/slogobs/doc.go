// Package slogobs provides an observability.Provider implementation backed by
// Go's standard library log/slog package.
// Spans and metric updates are emitted as DEBUG records, counters keep an
// in-memory running total, and log calls map directly to slog levels.
// The main entry point is [New]; output can be tuned with [WithFormat],
// [WithLevel], [WithOutput], and [WithLogger].
package slogobs
