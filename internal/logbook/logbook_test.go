package logbook

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/lattice-distributor/internal/eventbridge"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journey.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestAttachJournalsRunEvents(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "journey.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	bus := eventbridge.NewBus()
	detach := book.Attach(bus)

	bus.Publish(eventbridge.EventBatchStarted, eventbridge.BatchStartedPayload{BatchNumber: 1, Items: []string{"auth", "db"}})
	bus.Publish(eventbridge.EventFeatureUpdated, eventbridge.FeatureUpdatedPayload{FeatureID: "auth"})
	bus.Publish(eventbridge.EventFeatureFailed, eventbridge.FeatureFailedPayload{FeatureID: "auth", Error: "exit 1", Attempts: 2})
	bus.Publish(eventbridge.EventDistributionComplete, eventbridge.DistributionCompletePayload{Total: 2, Successful: 1, Failed: 1})
	detach()
	bus.Publish(eventbridge.EventStopped, eventbridge.StoppedPayload{Reason: "late"})

	lines, total := book.Tail(10)
	if total != 3 {
		t.Fatalf("total lines = %d, want 3: %q", total, lines)
	}
	wants := []string{
		"INFO  batch 1 started: auth, db",
		"ERROR auth failed after 2 attempt(s): exit 1",
		"WARN  run finished: 1/2 complete, 1 failed",
	}
	for idx, want := range wants {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, want %q", idx, lines[idx], want)
		}
	}
}

func TestTailOfMissingFile(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "nested", "journey.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	lines, total := book.Tail(5)
	if lines != nil || total != 0 {
		t.Fatalf("Tail = %q, %d; want empty", lines, total)
	}
}

func TestAppendFoldsMultilineMessages(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	book, err := New(filepath.Join(t.TempDir(), "journey.log"), WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	defer book.Close()
	book.Error("api failed: exit status 2:\n  line one\n  line two")

	lines, total := book.Tail(5)
	if total != 1 {
		t.Fatalf("total lines = %d, want 1: %q", total, lines)
	}
	want := "2026-05-04T10:30:00Z ERROR api failed: exit status 2: | line one | line two"
	if lines[0] != want {
		t.Fatalf("line = %q, want %q", lines[0], want)
	}
}
