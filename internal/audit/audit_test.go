package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoggerAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLogger(path, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	events := []Event{
		NewEvent(LayerSanitizer, OutcomeBlocked, "test", map[string]any{"threats": 2}),
		NewEvent(LayerValidator, OutcomePass, "test", nil),
	}
	for _, e := range events {
		if err := l.Record(context.Background(), e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening audit log: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var got Event
		if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		if got.Layer != events[lines].Layer {
			t.Errorf("line %d layer = %q, want %q", lines+1, got.Layer, events[lines].Layer)
		}
		if got.ID == "" {
			t.Errorf("line %d has empty event id", lines+1)
		}
		lines++
	}
	if lines != len(events) {
		t.Errorf("audit log has %d lines, want %d", lines, len(events))
	}
}

func TestLoggerFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLogger(path, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0600 {
		t.Errorf("audit log permissions = %o, want 0600", got)
	}
}

func TestBroadcasterDeliversToSubscribers(t *testing.T) {
	b := NewBroadcaster(slog.Default())
	id, ch := b.Subscribe(4)
	defer b.Unsubscribe(id)

	event := NewEvent(LayerSandbox, OutcomeExecuted, "test", nil)
	if err := b.Record(context.Background(), event); err != nil {
		t.Fatalf("Record: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != event.ID {
			t.Errorf("received event id = %q, want %q", got.ID, event.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	b := NewBroadcaster(slog.Default())
	id, ch := b.Subscribe(1)
	defer b.Unsubscribe(id)

	// Second record must not block even though nobody is reading.
	done := make(chan struct{})
	go func() {
		b.Record(context.Background(), NewEvent(LayerPipeline, OutcomePass, "", nil))
		b.Record(context.Background(), NewEvent(LayerPipeline, OutcomePass, "", nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full subscriber buffer")
	}

	if got := len(ch); got != 1 {
		t.Errorf("buffered events = %d, want 1 (overflow dropped)", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(slog.Default())
	id, ch := b.Subscribe(1)
	b.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}
}

type captureSink struct {
	events []Event
	err    error
}

func (c *captureSink) Record(_ context.Context, e Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func TestRecorderFanOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	r := NewRecorder(slog.Default(), a, nil, b)

	if err := r.Record(context.Background(), Event{Layer: LayerValidator, Outcome: OutcomeFlagged}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("sink deliveries = %d/%d, want 1/1", len(a.events), len(b.events))
	}
	if a.events[0].ID == "" {
		t.Error("recorder did not assign an event id")
	}
	if a.events[0].Timestamp.IsZero() {
		t.Error("recorder did not assign a timestamp")
	}
}

func TestRecorderCollectsSinkErrors(t *testing.T) {
	broken := &captureSink{err: errors.New("disk full")}
	ok := &captureSink{}
	r := NewRecorder(slog.Default(), broken, ok)

	err := r.Record(context.Background(), Event{Layer: LayerSandbox, Outcome: OutcomeFailed})
	if err == nil {
		t.Fatal("expected error from broken sink")
	}
	if len(ok.events) != 1 {
		t.Error("healthy sink skipped after broken sink errored")
	}
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var r *Recorder
	if err := r.Record(context.Background(), Event{}); err != nil {
		t.Errorf("nil recorder returned error: %v", err)
	}
}
