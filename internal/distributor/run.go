package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/lattice-distributor/internal/eventbridge"
	"github.com/kingrea/lattice-distributor/internal/progress"
	"github.com/kingrea/lattice-distributor/internal/workerpool"
	"github.com/kingrea/lattice-distributor/internal/workflow"
	"github.com/kingrea/lattice-distributor/internal/workflow/resolver"
	"github.com/kingrea/lattice-distributor/internal/workflow/scheduler"
)

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	// outcomeAbandoned leaves the feature pending: the run stopped or halted
	// before it could finish.
	outcomeAbandoned
)

var errHalted = errors.New("distributor: run halted")

// run holds the state of a single Distribute or Resume call.
type run struct {
	d               *Distributor
	ctx             context.Context
	pool            workerpool.Pool
	graph           *resolver.Graph
	plan            scheduler.Plan
	policy          RetryPolicy
	continueOnError bool
	sequential      bool
	skip            map[string]bool
	log             zerolog.Logger

	halted     atomic.Bool
	haltMu     sync.Mutex
	haltReason string

	outputsMu sync.Mutex
	outputs   map[string]any
}

func (r *run) executeBatches() {
	for _, batch := range r.plan.Batches {
		if r.halted.Load() || r.ctx.Err() != nil {
			return
		}
		r.d.currentBatch.Store(int64(batch.Number))
		items := make([]string, 0, batch.Len())
		for _, id := range batch.FeatureIDs {
			if !r.skip[id] {
				items = append(items, id)
			}
		}
		if len(items) == 0 {
			continue
		}
		r.d.bus.Publish(eventbridge.EventBatchStarted, eventbridge.BatchStartedPayload{
			BatchNumber: batch.Number,
			Items:       items,
		})
		r.log.Debug().Int("batch", batch.Number).Strs("items", items).Msg("batch started")

		succeeded, failed := r.runBatch(items)

		r.d.bus.Publish(eventbridge.EventBatchComplete, eventbridge.BatchCompletePayload{
			BatchNumber:  batch.Number,
			SuccessCount: succeeded,
			FailCount:    failed,
		})
		r.log.Debug().Int("batch", batch.Number).Int("succeeded", succeeded).Int("failed", failed).Msg("batch complete")
	}
}

func (r *run) runBatch(items []string) (int, int) {
	var succeeded, failed atomic.Int64
	tally := func(o outcome) {
		switch o {
		case outcomeSucceeded:
			succeeded.Add(1)
		case outcomeFailed:
			failed.Add(1)
		}
	}
	if r.sequential {
		for _, id := range items {
			if r.halted.Load() || r.ctx.Err() != nil {
				break
			}
			tally(r.runFeature(id))
		}
		return int(succeeded.Load()), int(failed.Load())
	}

	// Parallelism is bounded by the pool: surplus features wait in acquire.
	var g errgroup.Group
	for _, id := range items {
		g.Go(func() error {
			tally(r.runFeature(id))
			return nil
		})
	}
	_ = g.Wait()
	return int(succeeded.Load()), int(failed.Load())
}

func (r *run) runFeature(id string) outcome {
	node, _ := r.graph.Node(id)
	feature := node.Feature
	feature.ID = node.ID
	agg := r.d.agg
	log := r.log.With().Str("feature", id).Logger()
	if blockers := r.graph.Blockers(id, r.completed); len(blockers) > 0 {
		log.Warn().Strs("incomplete", blockers).Msg("dependencies did not complete; dispatching anyway")
	}

	attempt := 0
	for {
		worker, err := r.acquire(feature.Capability, attempt == 0)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, errHalted) {
				r.abandon(id)
				return outcomeAbandoned
			}
			return r.fail(feature, attempt, err.Error(), log)
		}
		attempt++
		if _, err := agg.UpdateFeature(id, progress.Patch{
			Status:       progress.StatusPtr(progress.StatusInProgress),
			WorkerID:     progress.StringPtr(worker.ID()),
			AttemptCount: progress.IntPtr(attempt),
			Progress:     progress.IntPtr(0),
		}); err != nil {
			log.Warn().Err(err).Msg("mark in-progress failed")
		}
		log.Debug().Str("worker", worker.ID()).Int("attempt", attempt).Msg("feature dispatched")

		started := r.d.clock()
		result, execErr := r.invoke(worker, feature, attempt)
		r.pool.Release(worker)
		duration := result.Duration
		if duration <= 0 {
			duration = r.d.clock().Sub(started)
		}

		if execErr == nil && result.Success {
			r.outputsMu.Lock()
			r.outputs[id] = result.Output
			r.outputsMu.Unlock()
			if _, err := agg.UpdateFeature(id, progress.Patch{Status: progress.StatusPtr(progress.StatusComplete)}); err != nil {
				log.Warn().Err(err).Msg("mark complete failed")
			}
			r.d.bus.Publish(eventbridge.EventFeatureComplete, eventbridge.FeatureCompletePayload{
				FeatureID: id,
				WorkerID:  worker.ID(),
				Duration:  duration,
			})
			log.Info().Str("worker", worker.ID()).Int("attempt", attempt).Dur("duration", duration).Msg("feature complete")
			return outcomeSucceeded
		}

		message := failureMessage(result, execErr)
		if r.ctx.Err() != nil {
			r.abandon(id)
			return outcomeAbandoned
		}
		if attempt <= r.policy.MaxRetries {
			delay := r.policy.Delay(attempt)
			// The attempt is recorded as failed; the next dispatch moves it
			// back to in-progress.
			if _, err := agg.UpdateFeature(id, progress.Patch{
				Status: progress.StatusPtr(progress.StatusFailed),
				Error:  progress.StringPtr(message),
			}); err != nil {
				log.Warn().Err(err).Msg("record failed attempt")
			}
			r.d.bus.Publish(eventbridge.EventFeatureRetry, eventbridge.FeatureRetryPayload{
				FeatureID: id,
				Attempt:   attempt,
				Delay:     delay,
				Error:     message,
			})
			log.Warn().Int("attempt", attempt).Dur("delay", delay).Str("error", message).Msg("feature failed, retrying")
			if err := r.d.sleep(r.ctx, delay); err != nil {
				r.abandon(id)
				return outcomeAbandoned
			}
			continue
		}
		return r.fail(feature, attempt, message, log)
	}
}

func (r *run) fail(feature workflow.Feature, attempts int, message string, log zerolog.Logger) outcome {
	if _, err := r.d.agg.UpdateFeature(feature.ID, progress.Patch{
		Status:       progress.StatusPtr(progress.StatusFailed),
		Error:        progress.StringPtr(message),
		AttemptCount: progress.IntPtr(attempts),
	}); err != nil {
		log.Warn().Err(err).Msg("mark failed failed")
	}
	r.d.bus.Publish(eventbridge.EventFeatureFailed, eventbridge.FeatureFailedPayload{
		FeatureID: feature.ID,
		Error:     message,
		Attempts:  attempts,
	})
	log.Error().Int("attempts", attempts).Str("error", message).Msg("feature failed")
	if !r.continueFor(feature) {
		r.halt(fmt.Sprintf("feature %s failed after %d attempt(s)", feature.ID, attempts))
	}
	return outcomeFailed
}

func (r *run) completed(id string) bool {
	fp := r.d.agg.FeatureProgress(id)
	return fp != nil && fp.Status == progress.StatusComplete
}

// abandon returns an interrupted feature to pending so a later Resume runs it.
// It is only called for features that still had attempts left, so a failed
// status here is a retry waiting out its backoff.
func (r *run) abandon(id string) {
	fp := r.d.agg.FeatureProgress(id)
	if fp == nil {
		return
	}
	var err error
	switch fp.Status {
	case progress.StatusInProgress:
		_, err = r.d.agg.UpdateFeature(id, progress.Patch{Status: progress.StatusPtr(progress.StatusPending)})
	case progress.StatusFailed:
		err = r.d.agg.ResetFeature(id)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("feature", id).Msg("abandon failed")
	}
}

func (r *run) continueFor(feature workflow.Feature) bool {
	if feature.ContinueOnError != nil {
		return *feature.ContinueOnError
	}
	return r.continueOnError
}

func (r *run) halt(reason string) {
	r.haltMu.Lock()
	if r.haltReason == "" {
		r.haltReason = reason
	}
	r.haltMu.Unlock()
	r.halted.Store(true)
}

func (r *run) reason() string {
	r.haltMu.Lock()
	defer r.haltMu.Unlock()
	return r.haltReason
}

// acquire reserves a worker, waiting with backoff while the pool is busy. A
// feature that has not started yet gives up once the run halts.
func (r *run) acquire(capability string, first bool) (workerpool.Worker, error) {
	wait := r.d.acquireBase
	for {
		if first && r.halted.Load() {
			return nil, errHalted
		}
		worker, err := r.pool.Acquire(r.ctx, capability)
		if err == nil {
			return worker, nil
		}
		if !errors.Is(err, workerpool.ErrNoWorkerAvailable) {
			return nil, err
		}
		if err := sleepContext(r.ctx, wait); err != nil {
			return nil, err
		}
		wait *= 2
		if wait > r.d.acquireMax {
			wait = r.d.acquireMax
		}
	}
}

// invoke runs the worker, converting a panic into an error.
func (r *run) invoke(worker workerpool.Worker, feature workflow.Feature, attempt int) (result workerpool.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = workerpool.Result{Success: false}
			err = fmt.Errorf("worker %s panicked: %v", worker.ID(), p)
		}
	}()
	return worker.ExecuteAgent(r.ctx, feature.Capability, feature.Payload.Clone(), workerpool.ExecuteOptions{
		FeatureID:         feature.ID,
		Attempt:           attempt,
		OnProgress:        r.progressReporter(feature.ID),
		DependencyOutputs: r.dependencyOutputs(feature.ID),
	})
}

func (r *run) progressReporter(id string) func(int) {
	return func(percent int) {
		fp, err := r.d.agg.UpdateFeature(id, progress.Patch{Progress: progress.IntPtr(percent)})
		if err != nil {
			return
		}
		r.d.bus.Publish(eventbridge.EventFeatureProgress, eventbridge.FeatureProgressPayload{
			FeatureID: id,
			Progress:  fp.Progress,
		})
	}
}

func (r *run) dependencyOutputs(id string) map[string]any {
	node, ok := r.graph.Node(id)
	if !ok || len(node.Dependencies) == 0 {
		return nil
	}
	r.outputsMu.Lock()
	defer r.outputsMu.Unlock()
	out := make(map[string]any, len(node.Dependencies))
	for _, dep := range node.Dependencies {
		if output, ok := r.outputs[dep]; ok {
			out[dep] = output
		}
	}
	return out
}

func (r *run) summarize(runID string, started time.Time) RunSummary {
	features := r.d.agg.AllFeatureProgress()
	summary := RunSummary{
		RunID:      runID,
		Total:      len(features),
		Batches:    len(r.plan.Batches),
		StartedAt:  started,
		FinishedAt: r.d.clock(),
		Features:   features,
	}
	for _, f := range features {
		switch f.Status {
		case progress.StatusComplete:
			summary.Successful++
		case progress.StatusFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
	}
	r.outputsMu.Lock()
	if len(r.outputs) > 0 {
		summary.Outputs = make(map[string]any, len(r.outputs))
		for id, output := range r.outputs {
			summary.Outputs[id] = output
		}
	}
	r.outputsMu.Unlock()

	switch {
	case r.ctx.Err() != nil:
		summary.Aborted = true
		summary.Reason = "stopped"
	case r.halted.Load():
		summary.Aborted = true
		summary.Reason = r.reason()
	}
	return summary
}

func failureMessage(result workerpool.Result, err error) string {
	switch {
	case err != nil && result.Error != "":
		return fmt.Sprintf("%v: %s", err, result.Error)
	case err != nil:
		return err.Error()
	case result.Error != "":
		return result.Error
	default:
		return "worker reported failure"
	}
}
