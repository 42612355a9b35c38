package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Recorder is the fan-out sink handed to the pipeline components. One
// Record call delivers the event to every configured sink (JSONL log,
// database store, broadcaster); sink failures are collected, not
// short-circuited, so one broken sink cannot silence the others.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the given sinks. Nil sinks are
// skipped so callers can pass optional components directly.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	r := &Recorder{logger: logger}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Record fills in missing ID/timestamp and delivers to all sinks.
// Safe to call on a nil Recorder (no-op) so components can treat the audit
// trail as optional in tests.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if r == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var errs []error
	for _, s := range r.sinks {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		r.logger.ErrorContext(ctx, "audit record failed",
			slog.String("layer", event.Layer),
			slog.String("outcome", event.Outcome),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
