package progress

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Reporter delivers each event to every sink on the caller's goroutine. Sink
// failures and invalid events are logged and never reach the caller.
type Reporter struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewReporter builds a Reporter over sinks; nil sinks are skipped.
func NewReporter(logger *zap.Logger, sinks ...Sink) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{logger: logger}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Emit validates evt and fans it out.
func (r *Reporter) Emit(ctx context.Context, evt Event) {
	if err := evt.Validate(); err != nil {
		r.logger.Warn("dropping invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	batch := []Event{evt}
	for _, s := range r.sinks {
		if err := s.Consume(ctx, batch); err != nil {
			r.logger.Warn("progress sink failed", zap.String("stage", string(evt.Stage)), zap.Error(err))
		}
	}
}

// Close closes every sink and joins their errors.
func (r *Reporter) Close(ctx context.Context) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
