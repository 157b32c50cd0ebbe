// Package workerpool defines the worker contract consumed by the distributor
// and provides an in-process pool plus command and function backed workers.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/lattice-distributor/internal/workflow"
)

var (
	// ErrNoWorkerAvailable means every capable worker is busy. Callers may
	// retry after a delay.
	ErrNoWorkerAvailable = errors.New("workerpool: no worker available")
	// ErrNoCapableWorker means no worker in the pool offers the capability.
	ErrNoCapableWorker = errors.New("workerpool: no worker has the capability")
	// ErrUnknownWorker is returned for ids the pool does not hold.
	ErrUnknownWorker = errors.New("workerpool: unknown worker")
)

// Wildcard is a capability matching every request.
const Wildcard = "*"

// Result is what an execution reports back.
type Result struct {
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// ExecuteOptions carries per-execution context.
type ExecuteOptions struct {
	FeatureID string
	Attempt   int
	// OnProgress receives intermediate percentages reported by the worker.
	OnProgress func(percent int)
	// DependencyOutputs maps each completed dependency id to its output.
	DependencyOutputs map[string]any
}

func (o ExecuteOptions) progress(percent int) {
	if o.OnProgress != nil {
		o.OnProgress(percent)
	}
}

// Worker executes one feature at a time.
type Worker interface {
	ID() string
	Capabilities() []string
	ExecuteAgent(ctx context.Context, capability string, payload workflow.Payload, opts ExecuteOptions) (Result, error)
}

// Pool hands out workers. The pool, not its callers, owns exclusivity.
type Pool interface {
	AvailableWorkers() []Worker
	Worker(id string) (Worker, error)
	Acquire(ctx context.Context, capability string) (Worker, error)
	Release(w Worker)
}

// Supports reports whether w can run capability. An empty capability matches
// any worker.
func Supports(w Worker, capability string) bool {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return true
	}
	for _, c := range w.Capabilities() {
		if c == capability || c == Wildcard {
			return true
		}
	}
	return false
}

// LocalPool is a fixed set of in-process worker slots.
type LocalPool struct {
	mu      sync.Mutex
	workers []Worker
	index   map[string]Worker
	busy    map[string]bool
}

// NewLocalPool builds a pool over the given workers. Ids must be unique.
func NewLocalPool(workers ...Worker) (*LocalPool, error) {
	p := &LocalPool{
		index: make(map[string]Worker, len(workers)),
		busy:  make(map[string]bool, len(workers)),
	}
	for _, w := range workers {
		if w == nil {
			continue
		}
		id := w.ID()
		if id == "" {
			return nil, fmt.Errorf("workerpool: worker id is required")
		}
		if _, dup := p.index[id]; dup {
			return nil, fmt.Errorf("workerpool: duplicate worker id %s", id)
		}
		p.index[id] = w
		p.workers = append(p.workers, w)
	}
	if len(p.workers) == 0 {
		return nil, fmt.Errorf("workerpool: at least one worker is required")
	}
	return p, nil
}

// Factory builds a worker for one slot of a roster entry.
type Factory func(slotID string, entry workflow.WorkerEntry) (Worker, error)

// FromEntries builds a pool from roster entries, one worker per capacity slot.
func FromEntries(entries []workflow.WorkerEntry, build Factory) (*LocalPool, error) {
	if build == nil {
		build = CommandFactory
	}
	var workers []Worker
	for _, entry := range entries {
		normalized, err := entry.Normalize()
		if err != nil {
			return nil, fmt.Errorf("workerpool: %w", err)
		}
		for _, slot := range normalized.SlotIDs() {
			w, err := build(slot, normalized)
			if err != nil {
				return nil, fmt.Errorf("workerpool: build %s: %w", slot, err)
			}
			workers = append(workers, w)
		}
	}
	return NewLocalPool(workers...)
}

// CommandFactory turns roster entries into CommandWorkers.
func CommandFactory(slotID string, entry workflow.WorkerEntry) (Worker, error) {
	if entry.Command == "" {
		return nil, fmt.Errorf("worker %s has no command", entry.Name)
	}
	return NewCommandWorker(slotID, entry.Capabilities, entry.Command, WithTimeout(entry.TimeoutDuration())), nil
}

// Workers returns every worker in declaration order.
func (p *LocalPool) Workers() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Worker(nil), p.workers...)
}

// AvailableWorkers returns the idle workers in declaration order.
func (p *LocalPool) AvailableWorkers() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Worker
	for _, w := range p.workers {
		if !p.busy[w.ID()] {
			out = append(out, w)
		}
	}
	return out
}

// Worker looks up a worker by id.
func (p *LocalPool) Worker(id string) (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return w, nil
}

// Acquire reserves the first idle worker supporting capability. It does not
// wait: a busy pool yields ErrNoWorkerAvailable.
func (p *LocalPool) Acquire(ctx context.Context, capability string) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	capable := false
	for _, w := range p.workers {
		if !Supports(w, capability) {
			continue
		}
		capable = true
		if p.busy[w.ID()] {
			continue
		}
		p.busy[w.ID()] = true
		return w, nil
	}
	if !capable {
		return nil, fmt.Errorf("%w: %s", ErrNoCapableWorker, capability)
	}
	return nil, ErrNoWorkerAvailable
}

// Release returns a worker to the pool.
func (p *LocalPool) Release(w Worker) {
	if w == nil {
		return
	}
	p.mu.Lock()
	delete(p.busy, w.ID())
	p.mu.Unlock()
}

// Busy reports how many workers are reserved.
func (p *LocalPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// Capabilities lists every capability offered by the pool.
func (p *LocalPool) Capabilities() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, w := range p.workers {
		for _, c := range w.Capabilities() {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
