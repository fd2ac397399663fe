package slogobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/leofalp/chatcheckpoint/providers/observability"
)

func newBufferedObserver(t *testing.T, level slog.Level) (*Observer, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	return New(WithFormat(FormatJSON), WithLevel(level), WithOutput(buf)), buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}

func TestObserver_LogLevels(t *testing.T) {
	observer, buf := newBufferedObserver(t, slog.LevelInfo)
	ctx := context.Background()

	observer.Debug(ctx, "hidden")
	observer.Info(ctx, "shown", observability.String(observability.AttrSessionID, "s1"))
	observer.Warn(ctx, "warned")

	records := decodeLines(t, buf)
	if len(records) != 2 {
		t.Fatalf("expected 2 records above INFO, got %d: %s", len(records), buf.String())
	}
	if records[0]["msg"] != "shown" || records[0][observability.AttrSessionID] != "s1" {
		t.Fatalf("unexpected first record: %v", records[0])
	}
	if records[1]["level"] != "WARN" {
		t.Fatalf("expected WARN level, got %v", records[1]["level"])
	}
}

func TestObserver_SpanLifecycle(t *testing.T) {
	observer, buf := newBufferedObserver(t, slog.LevelDebug)

	ctx, span := observer.StartSpan(context.Background(), "unit", observability.String("k", "v"))
	if observability.SpanFromContext(ctx) != span {
		t.Fatalf("expected StartSpan to attach the span to the context")
	}
	span.RecordError(errors.New("boom"))
	span.SetStatus(observability.StatusError, "failed")
	span.End()

	records := decodeLines(t, buf)
	last := records[len(records)-1]
	if last["msg"] != "span ended" || last["level"] != "WARN" {
		t.Fatalf("expected failed span to end at WARN, got %v", last)
	}
	if last[observability.AttrError] != "boom" || last[observability.AttrStatus] != "error" {
		t.Fatalf("missing error attributes on span end: %v", last)
	}
}

func TestObserver_CountersAccumulate(t *testing.T) {
	observer, _ := newBufferedObserver(t, slog.LevelError)
	ctx := context.Background()

	observer.Counter("turns").Add(ctx, 2)
	observer.Counter("turns").Add(ctx, 3)
	observer.Histogram("latency").Record(ctx, 1.5)

	if got := observer.CounterValue("turns"); got != 5 {
		t.Fatalf("expected counter total 5, got %d", got)
	}
	if got := observer.CounterValue("unknown"); got != 0 {
		t.Fatalf("expected zero for unknown counter, got %d", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", input, got, err, want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("JSON") != FormatJSON {
		t.Errorf("expected JSON format")
	}
	if ParseFormat("pretty") != FormatText {
		t.Errorf("expected text fallback")
	}
}
