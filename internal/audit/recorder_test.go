package audit

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type memSink struct {
	mu      sync.Mutex
	checks  []CheckRecord
	changes []ChangeRecord
}

func (s *memSink) InsertCheck(ctx context.Context, rec CheckRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, rec)
	return nil
}

func (s *memSink) InsertChange(ctx context.Context, rec ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, rec)
	return nil
}

// runAndDrain feeds the recorder an already-cancelled context so Run persists
// whatever is buffered and returns.
func runAndDrain(r *Recorder) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)
}

func TestRecorderPersistsBufferedChecks(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(sink, slog.Default(), 8)

	userID := uuid.New()
	rec.Check(CheckRecord{UserID: userID, Action: "calendar.read", ResourceID: "evt-1", Allowed: true, Reason: "DIRECT_ROLE_ALLOW"})
	runAndDrain(rec)

	if len(sink.checks) != 1 {
		t.Fatalf("expected 1 persisted check, got %d", len(sink.checks))
	}
	got := sink.checks[0]
	if got.UserID != userID || got.Action != "calendar.read" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.ID == uuid.Nil {
		t.Fatal("recorder must assign an ID")
	}
	if got.At.IsZero() {
		t.Fatal("recorder must stamp the time")
	}
}

func TestRecorderEnqueueNeverBlocks(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(sink, slog.Default(), 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			rec.Check(CheckRecord{UserID: uuid.New(), Action: "calendar.read"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Check blocked on a full buffer")
	}

	if got := rec.Dropped(); got != 4 {
		t.Fatalf("expected 4 dropped records, got %d", got)
	}
}

func TestRecorderChangeSeverities(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(sink, slog.Default(), 8)
	actor := uuid.New()

	rec.Change("role_assignment", "a-1", "APPROVE", actor, "", nil, map[string]string{"state": "active"})
	rec.WarningChange("authorization", actor.String(), "PRECEDENCE_CONFLICT", actor, "deny outranked allow", nil, nil)
	rec.CriticalChange("emergency_override", "o-1", "ACTIVATE", actor, "medical", nil, nil)
	runAndDrain(rec)

	if len(sink.changes) != 3 {
		t.Fatalf("expected 3 change records, got %d", len(sink.changes))
	}
	want := []Severity{SeverityInfo, SeverityWarning, SeverityCritical}
	for i, sev := range want {
		if sink.changes[i].Severity != sev {
			t.Fatalf("change %d severity = %s, want %s", i, sink.changes[i].Severity, sev)
		}
	}
	if len(sink.changes[0].After) == 0 {
		t.Fatal("after snapshot must be marshalled")
	}
	if sink.changes[2].Action != "ACTIVATE" || sink.changes[2].Reason != "medical" {
		t.Fatalf("unexpected critical record %+v", sink.changes[2])
	}
}

func TestRecorderRunDrainsThenStops(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(sink, slog.Default(), 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Check(CheckRecord{UserID: uuid.New(), Action: "calendar.read"})
	rec.Change("permission", "p-1", "CREATE", uuid.New(), "", nil, nil)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.checks)+len(sink.changes) != 2 {
		t.Fatalf("expected both records persisted, got %d checks %d changes", len(sink.checks), len(sink.changes))
	}
}
