// Package distributor runs a set of interdependent features to completion.
//
// A run validates the dependency graph, layers it into batches, then executes
// the batches strictly in order. Features within a batch are dispatched to the
// worker pool concurrently (or one at a time in sequential mode); failures are
// retried according to the RetryPolicy. Every state change flows through the
// progress aggregator and is published on the event bus.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kingrea/lattice-distributor/internal/eventbridge"
	"github.com/kingrea/lattice-distributor/internal/history"
	"github.com/kingrea/lattice-distributor/internal/metrics"
	"github.com/kingrea/lattice-distributor/internal/progress"
	"github.com/kingrea/lattice-distributor/internal/workerpool"
	"github.com/kingrea/lattice-distributor/internal/workflow"
	"github.com/kingrea/lattice-distributor/internal/workflow/resolver"
	"github.com/kingrea/lattice-distributor/internal/workflow/scheduler"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Request is one submission.
type Request struct {
	Features []workflow.Feature
	// Sequential runs the features of each batch one at a time.
	Sequential bool
	// Workers, when set, replaces the distributor's pool for this run.
	Workers []workflow.WorkerEntry
	// FailFast makes a run ending with failed features return ErrRunFailed.
	FailFast bool
	// ContinueOnError and MaxRetries override the distributor defaults.
	ContinueOnError *bool
	MaxRetries      *int
}

// RunSummary is the result of Distribute and Resume.
type RunSummary struct {
	RunID      string                     `json:"runId"`
	Total      int                        `json:"total"`
	Successful int                        `json:"successful"`
	Failed     int                        `json:"failed"`
	Pending    int                        `json:"pending"`
	Batches    int                        `json:"batches"`
	Aborted    bool                       `json:"aborted"`
	Reason     string                     `json:"reason,omitempty"`
	StartedAt  time.Time                  `json:"startedAt"`
	FinishedAt time.Time                  `json:"finishedAt"`
	Features   []progress.FeatureProgress `json:"features"`
	Outputs    map[string]any             `json:"outputs,omitempty"`
}

// Duration is the wall time of the run.
func (s RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// ProgressReport is the aggregator snapshot annotated with plan position.
type ProgressReport struct {
	progress.Snapshot
	RunID        string `json:"runId,omitempty"`
	Running      bool   `json:"running"`
	TotalBatches int    `json:"totalBatches"`
	CurrentBatch int    `json:"currentBatch"`
}

// SummaryReport is the aggregator summary annotated with plan position.
type SummaryReport struct {
	progress.Summary
	RunID        string `json:"runId,omitempty"`
	Running      bool   `json:"running"`
	TotalBatches int    `json:"totalBatches"`
	CurrentBatch int    `json:"currentBatch"`
}

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateStopping
)

// Distributor owns one run at a time.
type Distributor struct {
	pool            workerpool.Pool
	agg             *progress.Aggregator
	ownsAgg         bool
	bus             *eventbridge.Bus
	retry           RetryPolicy
	continueOnError bool
	logger          zerolog.Logger
	clock           func() time.Time
	sleep           Sleeper
	history         history.Recorder
	metrics         *metrics.Collector
	detachMetrics   func()
	factory         workerpool.Factory
	acquireBase     time.Duration
	acquireMax      time.Duration

	mu           sync.Mutex
	state        runState
	cancel       context.CancelFunc
	plan         scheduler.Plan
	currentBatch atomic.Int64
}

// Option customizes a Distributor.
type Option func(*Distributor)

// WithAggregator shares an aggregator; its bus becomes the distributor's bus.
func WithAggregator(agg *progress.Aggregator) Option {
	return func(d *Distributor) {
		if agg != nil {
			d.agg = agg
		}
	}
}

// WithBus publishes on bus. Ignored when WithAggregator is also given.
func WithBus(bus *eventbridge.Bus) Option {
	return func(d *Distributor) {
		if bus != nil {
			d.bus = bus
		}
	}
}

// WithRetryPolicy sets the default retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(d *Distributor) {
		d.retry = policy.normalized()
	}
}

// WithContinueOnError sets the run-level failure policy.
func WithContinueOnError(enabled bool) Option {
	return func(d *Distributor) {
		d.continueOnError = enabled
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Distributor) {
		d.logger = logger
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Distributor) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithSleeper replaces the retry delay wait.
func WithSleeper(sleep Sleeper) Option {
	return func(d *Distributor) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// WithHistory archives every finished run.
func WithHistory(recorder history.Recorder) Option {
	return func(d *Distributor) {
		d.history = recorder
	}
}

// WithMetrics feeds collector from the distributor's bus.
func WithMetrics(collector *metrics.Collector) Option {
	return func(d *Distributor) {
		d.metrics = collector
	}
}

// WithWorkerFactory builds workers for Request.Workers overrides. The default
// runs each entry's command.
func WithWorkerFactory(factory workerpool.Factory) Option {
	return func(d *Distributor) {
		if factory != nil {
			d.factory = factory
		}
	}
}

// WithAcquireBackoff bounds the wait between attempts to reserve a busy
// worker.
func WithAcquireBackoff(base, max time.Duration) Option {
	return func(d *Distributor) {
		if base > 0 {
			d.acquireBase = base
		}
		if max >= base && max > 0 {
			d.acquireMax = max
		}
	}
}

// New creates a distributor dispatching to pool.
func New(pool workerpool.Pool, opts ...Option) (*Distributor, error) {
	if pool == nil {
		return nil, ErrMissingWorkerPool
	}
	d := &Distributor{
		pool:        pool,
		retry:       DefaultRetryPolicy(),
		logger:      zerolog.Nop(),
		clock:       time.Now,
		sleep:       sleepContext,
		factory:     workerpool.CommandFactory,
		acquireBase: 5 * time.Millisecond,
		acquireMax:  250 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.agg == nil {
		d.agg = progress.New(progress.WithBus(d.bus), progress.WithClock(d.clock))
		d.ownsAgg = true
	}
	d.bus = d.agg.Bus()
	if d.metrics != nil {
		d.detachMetrics = d.metrics.Attach(d.bus)
	}
	return d, nil
}

// Aggregator returns the progress aggregator.
func (d *Distributor) Aggregator() *progress.Aggregator {
	return d.agg
}

// Bus returns the bus events are published on.
func (d *Distributor) Bus() *eventbridge.Bus {
	return d.bus
}

// Close releases resources the distributor created. It does not stop a run.
func (d *Distributor) Close() {
	if d.detachMetrics != nil {
		d.detachMetrics()
		d.detachMetrics = nil
	}
	if d.ownsAgg {
		d.agg.Destroy()
	}
}

// Analyze validates features and wraps resolver failures in the
// distributor's error types.
func Analyze(features []workflow.Feature) (*resolver.Graph, error) {
	if len(features) == 0 {
		return nil, ErrNoFeaturesProvided
	}
	graph, err := resolver.Analyze(features)
	if err != nil {
		var cycle *resolver.CycleError
		if errors.As(err, &cycle) {
			return nil, &CircularDependencyError{Cycle: append([]string(nil), cycle.Cycle...), Err: err}
		}
		return nil, &DependencyValidationError{Err: err}
	}
	return graph, nil
}

// Prepare validates features and computes their batch plan without running
// anything.
func Prepare(features []workflow.Feature) (*resolver.Graph, scheduler.Plan, error) {
	graph, err := Analyze(features)
	if err != nil {
		return nil, scheduler.Plan{}, err
	}
	plan, err := scheduler.Compute(graph)
	if err != nil {
		return nil, scheduler.Plan{}, fmt.Errorf("distributor: %w", err)
	}
	return graph, plan, nil
}

// Distribute runs req to completion. Validation errors are returned before any
// state changes. A run in which features fail still returns a summary with a
// nil error unless req.FailFast is set.
func (d *Distributor) Distribute(ctx context.Context, req Request) (RunSummary, error) {
	return d.execute(ctx, req, false)
}

// Resume continues the persisted run for req.Features. Features already
// complete are skipped; failed and interrupted ones run again.
func (d *Distributor) Resume(ctx context.Context, req Request) (RunSummary, error) {
	return d.execute(ctx, req, true)
}

func (d *Distributor) execute(ctx context.Context, req Request, resume bool) (RunSummary, error) {
	if len(req.Features) == 0 {
		return RunSummary{}, ErrNoFeaturesProvided
	}
	runCtx, err := d.begin(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	defer d.end()

	d.publishPhase(eventbridge.PhaseAnalyzing)
	graph, err := Analyze(req.Features)
	if err != nil {
		return RunSummary{}, err
	}
	d.publishPhase(eventbridge.PhaseBatching)
	plan, err := scheduler.Compute(graph)
	if err != nil {
		return RunSummary{}, fmt.Errorf("distributor: %w", err)
	}
	if err := plan.Validate(graph); err != nil {
		return RunSummary{}, fmt.Errorf("distributor: %w", err)
	}

	d.publishPhase(eventbridge.PhasePlanning)
	pool := d.pool
	if len(req.Workers) > 0 {
		override, err := workerpool.FromEntries(req.Workers, d.factory)
		if err != nil {
			return RunSummary{}, fmt.Errorf("distributor: workers: %w", err)
		}
		pool = override
	}

	var (
		runID string
		skip  map[string]bool
	)
	if resume {
		runID, skip, err = d.restore(ctx, graph)
		if err != nil {
			return RunSummary{}, err
		}
	} else {
		runID = uuid.NewString()
		d.agg.Reset()
		d.agg.SetRunID(runID)
		d.bus.SetRunID(runID)
		if err := d.agg.Initialize(graphFeatures(graph), plan); err != nil {
			return RunSummary{}, fmt.Errorf("distributor: %w", err)
		}
	}

	d.mu.Lock()
	d.plan = plan
	d.mu.Unlock()
	d.currentBatch.Store(0)

	policy := d.retry
	if req.MaxRetries != nil {
		policy.MaxRetries = *req.MaxRetries
		policy = policy.normalized()
	}
	continueOnError := d.continueOnError
	if req.ContinueOnError != nil {
		continueOnError = *req.ContinueOnError
	}

	r := &run{
		d:               d,
		ctx:             runCtx,
		pool:            pool,
		graph:           graph,
		plan:            plan,
		policy:          policy,
		continueOnError: continueOnError,
		sequential:      req.Sequential,
		skip:            skip,
		outputs:         map[string]any{},
		log:             d.logger.With().Str("run_id", runID).Logger(),
	}
	started := d.clock()
	d.bus.Publish(eventbridge.EventDistributionStarted, eventbridge.DistributionStartedPayload{
		RunID:   runID,
		Total:   graph.Len(),
		Batches: len(plan.Batches),
	})
	r.log.Info().
		Int("features", graph.Len()).
		Int("batches", len(plan.Batches)).
		Bool("sequential", req.Sequential).
		Bool("resume", resume).
		Msg("distribution started")

	d.publishPhase(eventbridge.PhaseExecuting)
	r.executeBatches()

	summary := r.summarize(runID, started)
	d.bus.Publish(eventbridge.EventDistributionComplete, eventbridge.DistributionCompletePayload{
		Total:      summary.Total,
		Successful: summary.Successful,
		Failed:     summary.Failed,
		Aborted:    summary.Aborted,
	})
	r.log.Info().
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Int("pending", summary.Pending).
		Bool("aborted", summary.Aborted).
		Dur("duration", summary.Duration()).
		Msg("distribution complete")

	d.persist(ctx, summary)

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("distributor: run interrupted: %w", err)
	}
	if req.FailFast && summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d features failed", ErrRunFailed, summary.Failed, summary.Total)
	}
	return summary, nil
}

// restore loads persisted progress for graph and prepares failed or
// interrupted features to run again.
func (d *Distributor) restore(ctx context.Context, graph *resolver.Graph) (string, map[string]bool, error) {
	if err := d.agg.Load(ctx); err != nil {
		if errors.Is(err, progress.ErrStateNotFound) || errors.Is(err, progress.ErrNoPersistencePath) {
			return "", nil, fmt.Errorf("%w: %v", ErrNothingToResume, err)
		}
		return "", nil, fmt.Errorf("distributor: load progress: %w", err)
	}
	skip := map[string]bool{}
	for _, id := range graph.IDs() {
		fp := d.agg.FeatureProgress(id)
		if fp == nil {
			return "", nil, &ResumeMismatchError{FeatureID: id}
		}
		switch fp.Status {
		case progress.StatusComplete:
			skip[id] = true
		case progress.StatusPending:
		default:
			if err := d.agg.ResetFeature(id); err != nil {
				return "", nil, fmt.Errorf("distributor: reset %s: %w", id, err)
			}
		}
	}
	runID := d.agg.RunID()
	if runID == "" {
		runID = uuid.NewString()
		d.agg.SetRunID(runID)
	}
	d.bus.SetRunID(runID)
	return runID, skip, nil
}

func (d *Distributor) persist(ctx context.Context, summary RunSummary) {
	saveCtx := context.WithoutCancel(ctx)
	if err := d.agg.Save(saveCtx); err != nil && !errors.Is(err, progress.ErrNoPersistencePath) {
		d.logger.Warn().Err(err).Msg("save progress failed")
	}
	if d.history == nil {
		return
	}
	if err := d.history.Record(saveCtx, historyRun(summary)); err != nil {
		d.logger.Warn().Err(err).Msg("record history failed")
	}
}

func historyRun(s RunSummary) history.Run {
	run := history.Run{
		ID:         s.RunID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Total:      s.Total,
		Successful: s.Successful,
		Failed:     s.Failed,
		Pending:    s.Pending,
		Batches:    s.Batches,
		Aborted:    s.Aborted,
		Reason:     s.Reason,
	}
	for _, f := range s.Features {
		run.Features = append(run.Features, history.FeatureRecord{
			FeatureID:  f.ID,
			Capability: f.Capability,
			Status:     string(f.Status),
			WorkerID:   f.WorkerID,
			Attempts:   f.AttemptCount,
			Error:      f.Error,
			Duration:   f.Duration(),
		})
	}
	return run
}

func (d *Distributor) begin(ctx context.Context) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateIdle {
		return nil, ErrDistributionInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.state = stateRunning
	d.cancel = cancel
	return runCtx, nil
}

func (d *Distributor) end() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.state = stateIdle
}

// Stop cancels the active run. Features not yet dispatched stay pending and
// dispatched ones observe the cancelled context. Stop is a no-op when idle.
func (d *Distributor) Stop() {
	d.mu.Lock()
	if d.state != stateRunning {
		d.mu.Unlock()
		return
	}
	d.state = stateStopping
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.logger.Info().Msg("distribution stop requested")
	d.bus.Publish(eventbridge.EventStopped, eventbridge.StoppedPayload{Reason: "stop requested"})
}

// Running reports whether a run is active and not stopping.
func (d *Distributor) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateRunning
}

// Progress returns the aggregate counters of the current or last run.
func (d *Distributor) Progress() ProgressReport {
	d.mu.Lock()
	plan := d.plan
	running := d.state == stateRunning
	d.mu.Unlock()
	return ProgressReport{
		Snapshot:     d.agg.Progress(),
		RunID:        d.agg.RunID(),
		Running:      running,
		TotalBatches: plan.Stats.TotalBatches,
		CurrentBatch: int(d.currentBatch.Load()),
	}
}

// Summary returns the full progress summary of the current or last run.
func (d *Distributor) Summary() SummaryReport {
	d.mu.Lock()
	plan := d.plan
	running := d.state == stateRunning
	d.mu.Unlock()
	return SummaryReport{
		Summary:      d.agg.Summary(),
		RunID:        d.agg.RunID(),
		Running:      running,
		TotalBatches: plan.Stats.TotalBatches,
		CurrentBatch: int(d.currentBatch.Load()),
	}
}

func (d *Distributor) publishPhase(phase eventbridge.Phase) {
	d.bus.Publish(eventbridge.EventPhase, eventbridge.PhasePayload{Phase: phase})
}

func graphFeatures(g *resolver.Graph) []workflow.Feature {
	nodes := g.Nodes()
	features := make([]workflow.Feature, 0, len(nodes))
	for _, node := range nodes {
		feature := node.Feature
		feature.ID = node.ID
		features = append(features, feature)
	}
	return features
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
