package sinks

import (
	"context"

	"github.com/JakeFAU/weather-ingest/internal/progress"
)

// Recorder is the slice of metrics.Metrics the sink drives.
type Recorder interface {
	ObservePage(written, ignored, rejected int)
	ObservePageFailed()
	ObserveStation(result string)
	ObserveItemsSkipped(reason string, n int)
}

// MetricsSink translates progress events into Prometheus counters.
type MetricsSink struct {
	rec Recorder
}

// NewMetricsSink returns a sink updating rec.
func NewMetricsSink(rec Recorder) *MetricsSink {
	return &MetricsSink{rec: rec}
}

// Consume updates counters for page and station events.
func (s *MetricsSink) Consume(_ context.Context, batch []progress.Event) error {
	if s.rec == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StagePageDone:
			s.rec.ObservePage(evt.Written, evt.Ignored, evt.Rejected)
			s.rec.ObserveItemsSkipped("malformed", evt.Skipped)
		case progress.StagePageFailed:
			s.rec.ObservePageFailed()
			s.rec.ObserveItemsSkipped("malformed", evt.Skipped)
		case progress.StageStationDone:
			s.rec.ObserveStation("done")
		case progress.StageStationFailed:
			s.rec.ObserveStation("failed")
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *MetricsSink) Close(context.Context) error {
	return nil
}
