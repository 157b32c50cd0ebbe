// internal/workflow/workflow.go
//
// On-disk layout of feature distribution state under .lattice/workflow/:
//
//	team/workers.json   worker roster used when distribute.yaml lists none
//	runs/progress.json  persisted aggregator state, read by status and --resume
//	runs/journey.log    human-readable run journal
//	history.db          archive of finished runs
//
// Everything under runs/ belongs to the current run and is cleared by Reset.

package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Directory names within .lattice/
const (
	WorkflowDir = "workflow"
	TeamDir     = "team"
	RunsDir     = "runs"
)

// File names for run artifacts
const (
	FileWorkers  = "workers.json"
	FileProgress = "progress.json"
	FileJourney  = "journey.log"
	FileHistory  = "history.db"
)

// Workflow resolves run state paths for one .lattice directory.
type Workflow struct {
	root string
}

// New returns the layout rooted at latticeDir/workflow.
func New(latticeDir string) *Workflow {
	return &Workflow{root: filepath.Join(latticeDir, WorkflowDir)}
}

// Dir is the workflow root.
func (w *Workflow) Dir() string { return w.root }

func (w *Workflow) TeamDir() string { return filepath.Join(w.root, TeamDir) }

func (w *Workflow) RunsDir() string { return filepath.Join(w.root, RunsDir) }

func (w *Workflow) WorkersPath() string { return filepath.Join(w.TeamDir(), FileWorkers) }

func (w *Workflow) ProgressPath() string { return filepath.Join(w.RunsDir(), FileProgress) }

func (w *Workflow) JourneyPath() string { return filepath.Join(w.RunsDir(), FileJourney) }

// HistoryPath sits outside runs/ so Reset keeps the archive.
func (w *Workflow) HistoryPath() string { return filepath.Join(w.root, FileHistory) }

// Initialize creates the team and runs directories.
func (w *Workflow) Initialize() error {
	for _, dir := range []string{w.TeamDir(), w.RunsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("workflow: create %s: %w", dir, err)
		}
	}
	return nil
}

// HasProgress reports whether a persisted progress snapshot exists.
func (w *Workflow) HasProgress() bool {
	info, err := os.Stat(w.ProgressPath())
	return err == nil && !info.IsDir()
}

// Reset discards the current run's progress and journal and recreates an
// empty runs/ directory. It reports whether there was anything to discard.
// The roster and the history archive are kept.
func (w *Workflow) Reset() (bool, error) {
	entries, err := os.ReadDir(w.RunsDir())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("workflow: read %s: %w", w.RunsDir(), err)
	}
	if err := os.RemoveAll(w.RunsDir()); err != nil {
		return false, fmt.Errorf("workflow: remove %s: %w", w.RunsDir(), err)
	}
	return len(entries) > 0, w.Initialize()
}
