package eventbridge

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
)

// EventType names a notification emitted during a distribution run.
type EventType string

const (
	EventInitialized          EventType = "initialized"
	EventFeatureUpdated       EventType = "feature-updated"
	EventSaved                EventType = "saved"
	EventLoaded               EventType = "loaded"
	EventDistributionStarted  EventType = "distribution-started"
	EventPhase                EventType = "phase"
	EventBatchStarted         EventType = "batch-started"
	EventBatchComplete        EventType = "batch-complete"
	EventFeatureProgress      EventType = "feature-progress"
	EventFeatureRetry         EventType = "feature-retry"
	EventFeatureComplete      EventType = "feature-complete"
	EventFeatureFailed        EventType = "feature-failed"
	EventDistributionComplete EventType = "distribution-complete"
	EventStopped              EventType = "stopped"
)

// Phase names a stage of a distribution run.
type Phase string

const (
	PhaseAnalyzing Phase = "analyzing-dependencies"
	PhaseBatching  Phase = "generating-batches"
	PhasePlanning  Phase = "planning-execution"
	PhaseExecuting Phase = "executing"
)

// Event captures a single notification published on the bus.
type Event struct {
	Sequence  int64           `json:"sequence"`
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	FeatureID string          `json:"feature_id,omitempty"`
	Time      time.Time       `json:"time"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into T.
func Decode[T any](e Event) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, fmt.Errorf("eventbridge: %s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("eventbridge: decode %s payload: %w", e.Type, err)
	}
	return out, nil
}

// featureScoped payloads populate Event.FeatureID.
type featureScoped interface {
	featureKey() string
}

type InitializedPayload struct {
	Features int `json:"features"`
	Workers  int `json:"workers"`
}

type FeatureUpdatedPayload struct {
	FeatureID      string `json:"featureId"`
	PreviousStatus string `json:"previousStatus"`
	CurrentStatus  string `json:"currentStatus"`
}

func (p FeatureUpdatedPayload) featureKey() string { return p.FeatureID }

// PathPayload accompanies saved and loaded events.
type PathPayload struct {
	Path string `json:"path"`
}

type DistributionStartedPayload struct {
	RunID   string `json:"runId"`
	Total   int    `json:"total"`
	Batches int    `json:"batches"`
}

type PhasePayload struct {
	Phase Phase `json:"phase"`
}

type BatchStartedPayload struct {
	BatchNumber int      `json:"batchNumber"`
	Items       []string `json:"items"`
}

type BatchCompletePayload struct {
	BatchNumber  int `json:"batchNumber"`
	SuccessCount int `json:"successCount"`
	FailCount    int `json:"failCount"`
}

type FeatureProgressPayload struct {
	FeatureID string `json:"featureId"`
	Progress  int    `json:"progress"`
}

func (p FeatureProgressPayload) featureKey() string { return p.FeatureID }

type FeatureRetryPayload struct {
	FeatureID string        `json:"featureId"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	Error     string        `json:"error,omitempty"`
}

func (p FeatureRetryPayload) featureKey() string { return p.FeatureID }

type FeatureCompletePayload struct {
	FeatureID string        `json:"featureId"`
	WorkerID  string        `json:"workerId,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (p FeatureCompletePayload) featureKey() string { return p.FeatureID }

type FeatureFailedPayload struct {
	FeatureID string `json:"featureId"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

func (p FeatureFailedPayload) featureKey() string { return p.FeatureID }

type DistributionCompletePayload struct {
	Total      int  `json:"total"`
	Successful int  `json:"successful"`
	Failed     int  `json:"failed"`
	Aborted    bool `json:"aborted,omitempty"`
}

type StoppedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	BusOpen       bool   `json:"bus_open"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
