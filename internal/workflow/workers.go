package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorkerEntry describes one worker in a roster file (workers.json). Role is the
// primary capability; Capabilities lists any additional ones.
type WorkerEntry struct {
	Name         string   `json:"name" yaml:"name"`
	Role         string   `json:"role,omitempty" yaml:"role,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Command      string   `json:"command,omitempty" yaml:"command,omitempty"`
	// Capacity is the number of features the worker may run at once. Values
	// below one mean one.
	Capacity int `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	// Timeout bounds a single execution, e.g. "10m". Empty means no limit.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type workersEnvelope struct {
	Workers []WorkerEntry `json:"workers"`
}

// LoadWorkers reads the worker roster from disk. Both a bare JSON array and an
// object with a "workers" key are accepted.
func LoadWorkers(path string) ([]WorkerEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var envelope workersEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("failed to parse workers roster: %w", err)
		}
		return envelope.Workers, nil
	}
	var workers []WorkerEntry
	if err := json.Unmarshal(data, &workers); err != nil {
		return nil, fmt.Errorf("failed to parse workers roster: %w", err)
	}
	return workers, nil
}

// SaveWorkers writes the worker roster to disk, preserving directory structure.
func SaveWorkers(path string, workers []WorkerEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(workers, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Normalize ensures essential fields are present.
func (w WorkerEntry) Normalize() (WorkerEntry, error) {
	trimmed := strings.TrimSpace(w.Name)
	if trimmed == "" {
		return WorkerEntry{}, errors.New("worker entry missing name")
	}
	w.Name = trimmed
	w.Role = strings.TrimSpace(w.Role)
	w.Command = strings.TrimSpace(w.Command)
	if w.Timeout = strings.TrimSpace(w.Timeout); w.Timeout != "" {
		if _, err := time.ParseDuration(w.Timeout); err != nil {
			return WorkerEntry{}, fmt.Errorf("worker %s: invalid timeout %q", w.Name, w.Timeout)
		}
	}
	if w.Capacity < 1 {
		w.Capacity = 1
	}
	w.Capabilities = w.AllCapabilities()
	return w, nil
}

// SlotIDs names one worker slot per unit of capacity. A single-slot worker
// keeps its name; larger ones become name-1..name-N.
func (w WorkerEntry) SlotIDs() []string {
	if w.Capacity <= 1 {
		return []string{w.Name}
	}
	ids := make([]string, w.Capacity)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", w.Name, i+1)
	}
	return ids
}

// AllCapabilities returns Role plus Capabilities without duplicates or blanks.
func (w WorkerEntry) AllCapabilities() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if _, ok := seen[value]; ok {
			return
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	add(w.Role)
	for _, capability := range w.Capabilities {
		add(capability)
	}
	return out
}

// TimeoutDuration parses Timeout; invalid or empty values yield zero.
func (w WorkerEntry) TimeoutDuration() time.Duration {
	if w.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return 0
	}
	return d
}
