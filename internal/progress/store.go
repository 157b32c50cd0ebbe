package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// StateVersion is bumped when the persisted layout changes.
const StateVersion = 1

// ErrStateNotFound is returned when no persisted progress exists yet.
var ErrStateNotFound = errors.New("progress: state not found")

// State is the persisted form of an Aggregator.
type State struct {
	Version  int                        `json:"version"`
	RunID    string                     `json:"runId,omitempty"`
	Order    []string                   `json:"order"`
	Features map[string]FeatureProgress `json:"features"`
	Workers  map[string]WorkerStatus    `json:"workers"`
	Counters Snapshot                   `json:"counters"`
	SavedAt  time.Time                  `json:"savedAt"`
}

// Store persists progress snapshots.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
	Path() string
}

// JSONStore keeps the snapshot in a single JSON file. Writes go to a temp file
// in the same directory and are renamed into place, so readers never see a
// partial document.
type JSONStore struct {
	path string
}

// NewJSONStore creates a store writing to path.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Path returns the snapshot location.
func (s *JSONStore) Path() string {
	return s.path
}

// Load reads the persisted state if present.
func (s *JSONStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, ErrStateNotFound
		}
		return State{}, fmt.Errorf("progress: read %s: %w", s.path, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("progress: parse %s: %w", s.path, err)
	}
	if state.Version > StateVersion {
		return State{}, fmt.Errorf("progress: state version %d not supported", state.Version)
	}
	return state, nil
}

// Save writes the state atomically.
func (s *JSONStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("progress: ensure dir: %w", err)
	}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("progress: encode state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".progress-*.json")
	if err != nil {
		return fmt.Errorf("progress: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("progress: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("progress: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("progress: rename: %w", err)
	}
	return nil
}
