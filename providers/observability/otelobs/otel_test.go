package otelobs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/leofalp/chatcheckpoint/providers/observability"
)

func newTestObserver(t *testing.T) (*Observer, *tracetest.InMemoryExporter, *sdkmetric.ManualReader, *bytes.Buffer) {
	t.Helper()
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	logs := &bytes.Buffer{}

	observer, err := New(
		WithTraceExporter(spans),
		WithMetricReader(reader),
		WithLogger(slog.New(slog.NewJSONHandler(logs, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = observer.Shutdown(context.Background()) })
	return observer, spans, reader, logs
}

func TestObserver_ExportsSpans(t *testing.T) {
	observer, spans, _, _ := newTestObserver(t)

	_, span := observer.StartSpan(context.Background(), observability.SpanTurn,
		observability.String(observability.AttrSessionID, "s1"),
		observability.Duration(observability.AttrDuration, 1500*time.Millisecond),
	)
	span.RecordError(errors.New("model down"))
	span.SetStatus(observability.StatusError, "turn failed")
	span.End()

	exported := spans.GetSpans()
	require.Len(t, exported, 1)
	assert.Equal(t, observability.SpanTurn, exported[0].Name)
	assert.Equal(t, codes.Error, exported[0].Status.Code)
	assert.Len(t, exported[0].Events, 1, "RecordError adds an exception event")
}

func TestObserver_LogsCarryTraceIDs(t *testing.T) {
	observer, _, _, logs := newTestObserver(t)

	ctx, span := observer.StartSpan(context.Background(), "unit")
	observer.Info(ctx, "inside span", observability.Int("n", 1))
	span.End()

	assert.Contains(t, logs.String(), `"trace_id"`)
	assert.Contains(t, logs.String(), `"inside span"`)
}

func TestObserver_CountersAreCollected(t *testing.T) {
	observer, _, reader, _ := newTestObserver(t)
	ctx := context.Background()

	observer.Counter(observability.MetricTurnCount).Add(ctx, 1, observability.String(observability.AttrStatus, "ok"))
	observer.Counter(observability.MetricTurnCount).Add(ctx, 2, observability.String(observability.AttrStatus, "ok"))
	observer.Histogram(observability.MetricModelDuration).Record(ctx, 0.25)

	var collected metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &collected))
	require.Len(t, collected.ScopeMetrics, 1)

	var total int64
	for _, m := range collected.ScopeMetrics[0].Metrics {
		if m.Name != observability.MetricTurnCount {
			continue
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		for _, point := range sum.DataPoints {
			total += point.Value
		}
	}
	assert.Equal(t, int64(3), total)
}
