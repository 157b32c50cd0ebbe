package logbook

import (
	"strings"

	"github.com/kingrea/lattice-distributor/internal/eventbridge"
)

var journaled = []eventbridge.EventType{
	eventbridge.EventDistributionStarted,
	eventbridge.EventBatchStarted,
	eventbridge.EventBatchComplete,
	eventbridge.EventFeatureRetry,
	eventbridge.EventFeatureComplete,
	eventbridge.EventFeatureFailed,
	eventbridge.EventDistributionComplete,
	eventbridge.EventStopped,
}

// Attach writes a line for every run milestone published on bus until the
// returned function is called.
func (l *Logbook) Attach(bus *eventbridge.Bus) func() {
	if l == nil || bus == nil {
		return func() {}
	}
	return bus.SubscribeFunc(l.Record, journaled...)
}

// Record appends the journal line for event. Events without a journal line
// are ignored.
func (l *Logbook) Record(event eventbridge.Event) {
	switch event.Type {
	case eventbridge.EventDistributionStarted:
		if p, err := eventbridge.Decode[eventbridge.DistributionStartedPayload](event); err == nil {
			l.Info("run %s started: %d features in %d batches", p.RunID, p.Total, p.Batches)
		}
	case eventbridge.EventBatchStarted:
		if p, err := eventbridge.Decode[eventbridge.BatchStartedPayload](event); err == nil {
			l.Info("batch %d started: %s", p.BatchNumber, strings.Join(p.Items, ", "))
		}
	case eventbridge.EventBatchComplete:
		if p, err := eventbridge.Decode[eventbridge.BatchCompletePayload](event); err == nil {
			if p.FailCount > 0 {
				l.Warn("batch %d complete: %d succeeded, %d failed", p.BatchNumber, p.SuccessCount, p.FailCount)
				return
			}
			l.Info("batch %d complete: %d succeeded", p.BatchNumber, p.SuccessCount)
		}
	case eventbridge.EventFeatureRetry:
		if p, err := eventbridge.Decode[eventbridge.FeatureRetryPayload](event); err == nil {
			l.Warn("%s attempt %d failed, retrying in %s: %s", p.FeatureID, p.Attempt, p.Delay, p.Error)
		}
	case eventbridge.EventFeatureComplete:
		if p, err := eventbridge.Decode[eventbridge.FeatureCompletePayload](event); err == nil {
			l.Info("%s complete on %s in %s", p.FeatureID, p.WorkerID, p.Duration)
		}
	case eventbridge.EventFeatureFailed:
		if p, err := eventbridge.Decode[eventbridge.FeatureFailedPayload](event); err == nil {
			l.Error("%s failed after %d attempt(s): %s", p.FeatureID, p.Attempts, p.Error)
		}
	case eventbridge.EventDistributionComplete:
		if p, err := eventbridge.Decode[eventbridge.DistributionCompletePayload](event); err == nil {
			switch {
			case p.Aborted:
				l.Error("run aborted: %d/%d complete, %d failed", p.Successful, p.Total, p.Failed)
			case p.Failed > 0:
				l.Warn("run finished: %d/%d complete, %d failed", p.Successful, p.Total, p.Failed)
			default:
				l.Info("run finished: %d/%d complete", p.Successful, p.Total)
			}
		}
	case eventbridge.EventStopped:
		if p, err := eventbridge.Decode[eventbridge.StoppedPayload](event); err == nil {
			l.Warn("run stopped: %s", p.Reason)
		}
	}
}
