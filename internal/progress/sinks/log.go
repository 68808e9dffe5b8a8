package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/weather-ingest/internal/progress"
)

// LogSink emits structured logs for progress events. Page events log at debug,
// station and run milestones at info, failures at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StagePageDone:
			level = zapcore.DebugLevel
		case progress.StagePageFailed, progress.StageStationFailed:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Stage != progress.StageRunStart && evt.Stage != progress.StageRunDone {
			fields = append(fields, zap.Int64("station_id", evt.StationID))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Page > 0 {
			fields = append(fields, zap.Int("page", evt.Page))
		}
		fields = append(fields,
			zap.Int("items", evt.Items),
			zap.Int("written", evt.Written),
			zap.Int("ignored", evt.Ignored),
			zap.Int("rejected", evt.Rejected),
			zap.Int("skipped", evt.Skipped),
		)
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
