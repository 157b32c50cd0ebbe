package progress

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownFeature is returned when updating a feature that was never seeded.
	ErrUnknownFeature = errors.New("progress: unknown feature")
	// ErrFeatureComplete is returned when a complete feature is asked to change
	// status without a reset.
	ErrFeatureComplete = errors.New("progress: feature already complete")
	// ErrAlreadyInitialized guards a second Initialize without Reset.
	ErrAlreadyInitialized = errors.New("progress: already initialized")
	// ErrNoPersistencePath is returned by Save and Load without a store.
	ErrNoPersistencePath = errors.New("progress: no persistence path configured")
)

// Status enumerates feature lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no automatic transition follows s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// WorkerState enumerates worker occupancy.
type WorkerState string

const (
	WorkerIdle   WorkerState = "idle"
	WorkerActive WorkerState = "active"
)

// TransitionError reports a status change the lifecycle does not allow.
type TransitionError struct {
	FeatureID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("progress: feature %s cannot move from %s to %s", e.FeatureID, e.From, e.To)
}

// FeatureProgress is the mutable execution state of one feature.
type FeatureProgress struct {
	ID           string     `json:"id"`
	Capability   string     `json:"capability,omitempty"`
	Batch        int        `json:"batch,omitempty"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	WorkerID     string     `json:"workerId,omitempty"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Error        string     `json:"error,omitempty"`
	AttemptCount int        `json:"attemptCount"`
}

// Duration returns EndTime-StartTime, or zero while unfinished.
func (f FeatureProgress) Duration() time.Duration {
	if f.StartTime == nil || f.EndTime == nil {
		return 0
	}
	return f.EndTime.Sub(*f.StartTime)
}

func (f FeatureProgress) clone() FeatureProgress {
	if f.StartTime != nil {
		start := *f.StartTime
		f.StartTime = &start
	}
	if f.EndTime != nil {
		end := *f.EndTime
		f.EndTime = &end
	}
	return f
}

// WorkerStatus is the occupancy of one worker. A worker is active exactly
// when CurrentFeature is set.
type WorkerStatus struct {
	WorkerID          string      `json:"workerId"`
	Status            WorkerState `json:"status"`
	CurrentFeature    string      `json:"currentFeature,omitempty"`
	CompletedFeatures int         `json:"completedFeatures"`
	FailedFeatures    int         `json:"failedFeatures"`
}

// Patch is a partial FeatureProgress update; nil fields are left unchanged.
type Patch struct {
	Status       *Status
	Progress     *int
	WorkerID     *string
	Error        *string
	AttemptCount *int
}

// Snapshot aggregates counters across every feature.
type Snapshot struct {
	TotalFeatures      int        `json:"totalFeatures"`
	CompletedFeatures  int        `json:"completedFeatures"`
	InProgressFeatures int        `json:"inProgressFeatures"`
	PendingFeatures    int        `json:"pendingFeatures"`
	FailedFeatures     int        `json:"failedFeatures"`
	PercentComplete    int        `json:"percentComplete"`
	EstimatedEndTime   *time.Time `json:"estimatedEndTime,omitempty"`
}

// TimelineEntry records when a feature ran and on which worker.
type TimelineEntry struct {
	FeatureID string        `json:"featureId"`
	WorkerID  string        `json:"workerId,omitempty"`
	Status    Status        `json:"status"`
	StartTime time.Time     `json:"startTime"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Summary is the superset read used for reporting.
type Summary struct {
	Progress Snapshot        `json:"progress"`
	Workers  []WorkerStatus  `json:"workers"`
	Timeline []TimelineEntry `json:"timeline"`
}

// Logger matches logging.Logger's Printf signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// StatusPtr, IntPtr and StringPtr build Patch fields inline.
func StatusPtr(s Status) *Status { return &s }

func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }
