package progress

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kingrea/lattice-distributor/internal/eventbridge"
	"github.com/kingrea/lattice-distributor/internal/workflow"
	"github.com/kingrea/lattice-distributor/internal/workflow/scheduler"
)

const stripeCount = 32

// Aggregator holds the FeatureProgress and WorkerStatus maps of a run.
type Aggregator struct {
	stripes [stripeCount]sync.Mutex

	mu          sync.RWMutex
	features    map[string]FeatureProgress
	order       []string
	runID       string
	initialized bool

	workersMu sync.Mutex
	workers   map[string]WorkerStatus

	saveMu sync.Mutex
	dirty  atomic.Bool

	store    Store
	bus      *eventbridge.Bus
	ownsBus  bool
	clock    func() time.Time
	logger   Logger
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes Aggregator construction.
type Option func(*Aggregator)

// WithStore enables Save and Load.
func WithStore(store Store) Option {
	return func(a *Aggregator) {
		a.store = store
	}
}

// WithAutoSave saves on a fixed interval while the aggregator holds unsaved
// changes. Requires a store.
func WithAutoSave(interval time.Duration) Option {
	return func(a *Aggregator) {
		a.interval = interval
	}
}

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithBus publishes notifications on a shared bus. Without it the aggregator
// owns a private bus, closed by Destroy.
func WithBus(bus *eventbridge.Bus) Option {
	return func(a *Aggregator) {
		if bus != nil {
			a.bus = bus
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New constructs an aggregator and starts autosave when configured.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		features: map[string]FeatureProgress{},
		workers:  map[string]WorkerStatus{},
		clock:    time.Now,
		logger:   nopLogger{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.bus == nil {
		a.bus = eventbridge.NewBus()
		a.ownsBus = true
	}
	if a.store != nil && a.interval > 0 {
		go a.autoSave()
	} else {
		close(a.done)
	}
	return a
}

// Bus returns the bus notifications are published on.
func (a *Aggregator) Bus() *eventbridge.Bus {
	return a.bus
}

// SetRunID labels the state persisted by Save.
func (a *Aggregator) SetRunID(runID string) {
	a.mu.Lock()
	a.runID = runID
	a.mu.Unlock()
}

// RunID returns the run label of the current state.
func (a *Aggregator) RunID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runID
}

// Initialized reports whether the aggregator holds a seeded run.
func (a *Aggregator) Initialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initialized
}

// Initialize seeds one pending entry per feature, tagged with its batch, and
// one idle worker per slot named by the plan's utilization map.
func (a *Aggregator) Initialize(features []workflow.Feature, plan scheduler.Plan) error {
	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return ErrAlreadyInitialized
	}
	a.features = make(map[string]FeatureProgress, len(features))
	a.order = make([]string, 0, len(features))
	for _, feature := range features {
		if _, dup := a.features[feature.ID]; dup {
			continue
		}
		a.features[feature.ID] = FeatureProgress{
			ID:         feature.ID,
			Capability: feature.Capability,
			Batch:      plan.BatchOf(feature.ID),
			Status:     StatusPending,
		}
		a.order = append(a.order, feature.ID)
	}
	a.initialized = true
	featureCount := len(a.features)
	a.mu.Unlock()

	workerIDs := plan.WorkerIDs()
	a.workersMu.Lock()
	a.workers = make(map[string]WorkerStatus, len(workerIDs))
	for _, id := range workerIDs {
		a.workers[id] = WorkerStatus{WorkerID: id, Status: WorkerIdle}
	}
	a.workersMu.Unlock()

	a.dirty.Store(true)
	a.bus.Publish(eventbridge.EventInitialized, eventbridge.InitializedPayload{
		Features: featureCount,
		Workers:  len(workerIDs),
	})
	return nil
}

// UpdateFeature merges patch into the feature's state and returns the result.
func (a *Aggregator) UpdateFeature(id string, patch Patch) (FeatureProgress, error) {
	lock := a.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	a.mu.RLock()
	current, ok := a.features[id]
	a.mu.RUnlock()
	if !ok {
		return FeatureProgress{}, fmt.Errorf("%w: %s", ErrUnknownFeature, id)
	}
	current = current.clone()
	previous := current.Status
	next := previous
	if patch.Status != nil {
		next = *patch.Status
	}
	if previous == StatusComplete && next != StatusComplete {
		return current, fmt.Errorf("%w: %s", ErrFeatureComplete, id)
	}
	if next != previous && !allowed(previous, next) {
		return current, &TransitionError{FeatureID: id, From: previous, To: next}
	}

	releasedWorker := current.WorkerID
	if patch.WorkerID != nil {
		current.WorkerID = *patch.WorkerID
	}
	if patch.AttemptCount != nil {
		current.AttemptCount = *patch.AttemptCount
	}
	if patch.Progress != nil {
		current.Progress = clamp(*patch.Progress)
	}
	if patch.Error != nil {
		current.Error = *patch.Error
	}
	current.Status = next
	now := a.now()

	switch {
	case next == StatusInProgress && previous != StatusInProgress:
		if current.StartTime == nil {
			current.StartTime = &now
		}
		current.EndTime = nil
		if current.WorkerID != "" {
			a.assignWorker(current.WorkerID, id)
		}
	case next.Terminal() && previous != next:
		current.EndTime = &now
		if previous == StatusInProgress {
			a.releaseWorker(releasedWorker, id, next)
		}
	case next == StatusPending && previous == StatusInProgress:
		a.releaseWorker(releasedWorker, id, StatusPending)
	}
	if next == StatusComplete {
		current.Progress = 100
	}
	if next != StatusFailed {
		current.Error = ""
	}

	a.mu.Lock()
	a.features[id] = current
	a.mu.Unlock()
	a.dirty.Store(true)

	a.bus.Publish(eventbridge.EventFeatureUpdated, eventbridge.FeatureUpdatedPayload{
		FeatureID:      id,
		PreviousStatus: string(previous),
		CurrentStatus:  string(next),
	})
	return current.clone(), nil
}

// ResetFeature returns a feature to pending so it can run again.
func (a *Aggregator) ResetFeature(id string) error {
	lock := a.stripe(id)
	lock.Lock()
	defer lock.Unlock()
	a.mu.Lock()
	current, ok := a.features[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFeature, id)
	}
	previous := current.Status
	a.features[id] = FeatureProgress{ID: id, Capability: current.Capability, Batch: current.Batch, Status: StatusPending}
	a.mu.Unlock()
	if previous == StatusInProgress {
		a.releaseWorker(current.WorkerID, id, StatusPending)
	}
	a.dirty.Store(true)
	a.bus.Publish(eventbridge.EventFeatureUpdated, eventbridge.FeatureUpdatedPayload{
		FeatureID:      id,
		PreviousStatus: string(previous),
		CurrentStatus:  string(StatusPending),
	})
	return nil
}

func allowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusComplete || to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusInProgress
	}
	return false
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (a *Aggregator) assignWorker(workerID, featureID string) {
	a.workersMu.Lock()
	defer a.workersMu.Unlock()
	worker, ok := a.workers[workerID]
	if !ok {
		worker = WorkerStatus{WorkerID: workerID}
	}
	worker.Status = WorkerActive
	worker.CurrentFeature = featureID
	a.workers[workerID] = worker
}

func (a *Aggregator) releaseWorker(workerID, featureID string, outcome Status) {
	if workerID == "" {
		return
	}
	a.workersMu.Lock()
	defer a.workersMu.Unlock()
	worker, ok := a.workers[workerID]
	if !ok {
		worker = WorkerStatus{WorkerID: workerID}
	}
	if worker.CurrentFeature == featureID || worker.CurrentFeature == "" {
		worker.Status = WorkerIdle
		worker.CurrentFeature = ""
	}
	switch outcome {
	case StatusComplete:
		worker.CompletedFeatures++
	case StatusFailed:
		worker.FailedFeatures++
	}
	a.workers[workerID] = worker
}

func (a *Aggregator) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &a.stripes[h.Sum32()%stripeCount]
}

// Progress aggregates counters across every feature.
func (a *Aggregator) Progress() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	snap := Snapshot{TotalFeatures: len(a.features)}
	var elapsed time.Duration
	for _, feature := range a.features {
		switch feature.Status {
		case StatusComplete:
			snap.CompletedFeatures++
			elapsed += feature.Duration()
		case StatusInProgress:
			snap.InProgressFeatures++
		case StatusFailed:
			snap.FailedFeatures++
		default:
			snap.PendingFeatures++
		}
	}
	if snap.TotalFeatures > 0 {
		snap.PercentComplete = int(math.Round(float64(snap.CompletedFeatures) / float64(snap.TotalFeatures) * 100))
	}
	if snap.CompletedFeatures > 0 {
		average := elapsed / time.Duration(snap.CompletedFeatures)
		remaining := snap.PendingFeatures + snap.InProgressFeatures
		eta := a.now().Add(average * time.Duration(remaining))
		snap.EstimatedEndTime = &eta
	}
	return snap
}

// FeatureProgress returns a copy of the feature's state, or nil when unknown.
func (a *Aggregator) FeatureProgress(id string) *FeatureProgress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	feature, ok := a.features[id]
	if !ok {
		return nil
	}
	clone := feature.clone()
	return &clone
}

// AllFeatureProgress returns every feature in declaration order.
func (a *Aggregator) AllFeatureProgress() []FeatureProgress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]FeatureProgress, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.features[id].clone())
	}
	return out
}

// WorkerStatus returns a copy of the worker's state, or nil when unknown.
func (a *Aggregator) WorkerStatus(id string) *WorkerStatus {
	a.workersMu.Lock()
	defer a.workersMu.Unlock()
	worker, ok := a.workers[id]
	if !ok {
		return nil
	}
	return &worker
}

// AllWorkerStatuses returns every worker sorted by id.
func (a *Aggregator) AllWorkerStatuses() []WorkerStatus {
	a.workersMu.Lock()
	defer a.workersMu.Unlock()
	out := make([]WorkerStatus, 0, len(a.workers))
	for _, worker := range a.workers {
		out = append(out, worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Summary returns progress counters, workers and the execution timeline.
func (a *Aggregator) Summary() Summary {
	summary := Summary{
		Progress: a.Progress(),
		Workers:  a.AllWorkerStatuses(),
	}
	for _, feature := range a.AllFeatureProgress() {
		if feature.StartTime == nil {
			continue
		}
		summary.Timeline = append(summary.Timeline, TimelineEntry{
			FeatureID: feature.ID,
			WorkerID:  feature.WorkerID,
			Status:    feature.Status,
			StartTime: *feature.StartTime,
			EndTime:   feature.EndTime,
			Duration:  feature.Duration(),
		})
	}
	sort.SliceStable(summary.Timeline, func(i, j int) bool {
		return summary.Timeline[i].StartTime.Before(summary.Timeline[j].StartTime)
	})
	return summary
}

// Save persists the full state. Concurrent saves are serialised.
func (a *Aggregator) Save(ctx context.Context) error {
	if a.store == nil {
		return ErrNoPersistencePath
	}
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	a.dirty.Store(false)
	state := a.exportState()
	if err := a.store.Save(ctx, state); err != nil {
		a.dirty.Store(true)
		return err
	}
	a.bus.Publish(eventbridge.EventSaved, eventbridge.PathPayload{Path: a.store.Path()})
	return nil
}

// Load replaces the in-memory state with the persisted snapshot.
func (a *Aggregator) Load(ctx context.Context) error {
	if a.store == nil {
		return ErrNoPersistencePath
	}
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	state, err := a.store.Load(ctx)
	if err != nil {
		return err
	}
	a.importState(state)
	a.bus.Publish(eventbridge.EventLoaded, eventbridge.PathPayload{Path: a.store.Path()})
	return nil
}

// State returns a copy of the full state in its persisted form.
func (a *Aggregator) State() State {
	return a.exportState()
}

func (a *Aggregator) exportState() State {
	a.mu.RLock()
	state := State{
		Version:  StateVersion,
		RunID:    a.runID,
		Order:    append([]string{}, a.order...),
		Features: make(map[string]FeatureProgress, len(a.features)),
		Counters: a.snapshotLocked(),
		SavedAt:  a.now(),
	}
	for id, feature := range a.features {
		state.Features[id] = feature.clone()
	}
	a.mu.RUnlock()
	a.workersMu.Lock()
	state.Workers = make(map[string]WorkerStatus, len(a.workers))
	for id, worker := range a.workers {
		state.Workers[id] = worker
	}
	a.workersMu.Unlock()
	return state
}

func (a *Aggregator) importState(state State) {
	features := make(map[string]FeatureProgress, len(state.Features))
	for id, feature := range state.Features {
		features[id] = feature.clone()
	}
	order := make([]string, 0, len(state.Order))
	for _, id := range state.Order {
		if _, ok := features[id]; ok {
			order = append(order, id)
		}
	}
	if len(order) != len(features) {
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		var missing []string
		for id := range features {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		order = append(order, missing...)
	}
	a.mu.Lock()
	a.features = features
	a.order = order
	a.runID = state.RunID
	a.initialized = true
	a.mu.Unlock()

	workers := make(map[string]WorkerStatus, len(state.Workers))
	for id, worker := range state.Workers {
		workers[id] = worker
	}
	a.workersMu.Lock()
	a.workers = workers
	a.workersMu.Unlock()
	a.dirty.Store(false)
}

// Reset clears all state so the aggregator can seed a new run.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.features = map[string]FeatureProgress{}
	a.order = nil
	a.runID = ""
	a.initialized = false
	a.mu.Unlock()
	a.workersMu.Lock()
	a.workers = map[string]WorkerStatus{}
	a.workersMu.Unlock()
	a.dirty.Store(false)
}

// Destroy stops autosave and closes a privately owned bus. Safe to call more
// than once.
func (a *Aggregator) Destroy() {
	a.stopOnce.Do(func() {
		close(a.stop)
		<-a.done
		if a.ownsBus {
			a.bus.Close()
		}
	})
}

func (a *Aggregator) autoSave() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if !a.dirty.Load() || !a.Initialized() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), a.interval)
			err := a.Save(ctx)
			cancel()
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				a.logger.Printf("progress: autosave failed: %v", err)
			}
		}
	}
}

func (a *Aggregator) now() time.Time {
	return a.clock().UTC().Round(0)
}
