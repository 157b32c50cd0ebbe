package workflow

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResetKeepsRosterAndHistory(t *testing.T) {
	wf := New(filepath.Join(t.TempDir(), ".lattice"))
	cleared, err := wf.Reset()
	if err != nil {
		t.Fatalf("reset empty layout: %v", err)
	}
	if cleared {
		t.Fatalf("reset of an empty layout should report nothing cleared")
	}

	for _, path := range []string{wf.ProgressPath(), wf.JourneyPath(), wf.WorkersPath(), wf.HistoryPath()} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	if !wf.HasProgress() {
		t.Fatalf("expected progress snapshot")
	}

	cleared, err = wf.Reset()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !cleared {
		t.Fatalf("expected reset to report cleared run state")
	}
	if wf.HasProgress() {
		t.Fatalf("progress should be gone after reset")
	}
	if _, err := os.Stat(wf.JourneyPath()); !os.IsNotExist(err) {
		t.Fatalf("journal should be gone after reset, stat err = %v", err)
	}
	for _, path := range []string{wf.WorkersPath(), wf.HistoryPath()} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s should survive reset: %v", path, err)
		}
	}
	if info, err := os.Stat(wf.RunsDir()); err != nil || !info.IsDir() {
		t.Fatalf("runs dir should be recreated: %v", err)
	}
}
