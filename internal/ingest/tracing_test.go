package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/weather-ingest/internal/weather"
)

func TestRunRecordsSpans(t *testing.T) {
	db := openDB(t)
	f := fixture(t)
	f.fail[stationURL(2)] = fmt.Errorf("fetch: %w", weather.ErrTransportExhausted)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	o := newOrchestrator(t, f, db.store, FailSkip, WithTracer(tp.Tracer("ingest")))
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	counts := map[string]int{}
	var (
		failed    []sdktrace.ReadOnlySpan
		pageAttrs []int64
	)
	for _, span := range rec.Ended() {
		counts[span.Name()]++
		if span.Status().Code == codes.Error {
			failed = append(failed, span)
		}
		if span.Name() == "ingest.page" {
			for _, kv := range span.Attributes() {
				if kv.Key == attribute.Key("page") {
					pageAttrs = append(pageAttrs, kv.Value.AsInt64())
				}
			}
		}
	}
	assert.Equal(t, []int64{1, 2, 1}, pageAttrs)
	assert.Equal(t, map[string]int{"ingest.run": 1, "ingest.station": 3, "ingest.page": 3}, counts)
	require.Len(t, failed, 1)
	assert.Equal(t, "ingest.station", failed[0].Name())
}
