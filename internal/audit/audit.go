// Package audit implements the append-only audit trail of the enforcement
// pipeline. Every sanitizer, validator, and sandbox decision produces one
// event; events fan out to a JSONL file, an optional database store, and
// live stream subscribers. Nothing in this package can update or delete an
// event once recorded.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Layer identifies the pipeline stage that produced an event.
const (
	LayerSanitizer = "sanitizer"
	LayerValidator = "validator"
	LayerSandbox   = "sandbox"
	LayerPipeline  = "pipeline"
)

// Outcome classifies what the stage decided.
const (
	OutcomePass     = "pass"     // Clean input, no findings.
	OutcomeFlagged  = "flagged"  // Non-critical findings, allowed to proceed.
	OutcomeBlocked  = "blocked"  // Policy rejection, nothing executed.
	OutcomeExecuted = "executed" // Sandbox run completed, zero exit.
	OutcomeFailed   = "failed"   // Sandbox run completed, non-zero exit or spawn error.
	OutcomeKilled   = "killed"   // Sandbox run terminated by timeout or cancellation.
)

// Event is a single entry in the append-only audit trail.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Layer     string         `json:"layer"`
	Outcome   string         `json:"outcome"`
	Source    string         `json:"source,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Sink receives events. Implementations must be safe for concurrent use and
// must never mutate the event.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// NewEvent builds an event with a fresh ID and UTC timestamp.
func NewEvent(layer, outcome, source string, detail map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Layer:     layer,
		Outcome:   outcome,
		Source:    source,
		Detail:    detail,
	}
}
