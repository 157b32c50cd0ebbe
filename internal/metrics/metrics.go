// Package metrics exposes Prometheus metrics for distribution runs. The
// collector derives every value from bus events, so anything publishing on the
// bus is measured without further wiring.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kingrea/lattice-distributor/internal/eventbridge"
)

const namespace = "lattice"

// Collector holds the distribution metrics.
type Collector struct {
	FeaturesCompleted prometheus.Counter
	FeaturesFailed    prometheus.Counter
	FeatureRetries    prometheus.Counter
	FeaturesActive    prometheus.Gauge
	FeatureDuration   prometheus.Histogram
	FeatureProgress   *prometheus.GaugeVec
	BatchesCompleted  prometheus.Counter
	Runs              *prometheus.CounterVec

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates a collector and registers it with reg. A nil reg registers with
// a private registry, which is useful in tests.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		FeaturesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "features_completed_total",
			Help:      "Total features completed successfully.",
		}),
		FeaturesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "features_failed_total",
			Help:      "Total features that exhausted their retries.",
		}),
		FeatureRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_retries_total",
			Help:      "Total retry attempts scheduled.",
		}),
		FeaturesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "features_active",
			Help:      "Number of features currently executing.",
		}),
		FeatureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feature_duration_seconds",
			Help:      "Execution time of successful features.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		}),
		FeatureProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feature_progress_percent",
			Help:      "Last progress reported per in-flight feature.",
		}, []string{"feature"}),
		BatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_completed_total",
			Help:      "Total batches drained.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Distribution runs by outcome.",
		}, []string{"outcome"}),
		active: map[string]struct{}{},
	}
	collectors := []prometheus.Collector{
		c.FeaturesCompleted,
		c.FeaturesFailed,
		c.FeatureRetries,
		c.FeaturesActive,
		c.FeatureDuration,
		c.FeatureProgress,
		c.BatchesCompleted,
		c.Runs,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Attach starts deriving metrics from bus. The returned function detaches.
func (c *Collector) Attach(bus *eventbridge.Bus) func() {
	if c == nil || bus == nil {
		return func() {}
	}
	return bus.SubscribeFunc(c.Observe,
		eventbridge.EventFeatureUpdated,
		eventbridge.EventFeatureProgress,
		eventbridge.EventFeatureRetry,
		eventbridge.EventFeatureComplete,
		eventbridge.EventFeatureFailed,
		eventbridge.EventBatchComplete,
		eventbridge.EventDistributionComplete,
		eventbridge.EventInitialized,
	)
}

// Observe applies a single event.
func (c *Collector) Observe(event eventbridge.Event) {
	switch event.Type {
	case eventbridge.EventInitialized:
		c.mu.Lock()
		c.active = map[string]struct{}{}
		c.mu.Unlock()
		c.FeaturesActive.Set(0)
		c.FeatureProgress.Reset()
	case eventbridge.EventFeatureUpdated:
		payload, err := eventbridge.Decode[eventbridge.FeatureUpdatedPayload](event)
		if err != nil {
			return
		}
		c.trackActive(payload.FeatureID, payload.CurrentStatus == "in-progress")
	case eventbridge.EventFeatureProgress:
		payload, err := eventbridge.Decode[eventbridge.FeatureProgressPayload](event)
		if err != nil {
			return
		}
		c.FeatureProgress.WithLabelValues(payload.FeatureID).Set(float64(payload.Progress))
	case eventbridge.EventFeatureRetry:
		c.FeatureRetries.Inc()
	case eventbridge.EventFeatureComplete:
		c.FeaturesCompleted.Inc()
		if payload, err := eventbridge.Decode[eventbridge.FeatureCompletePayload](event); err == nil {
			c.FeatureDuration.Observe(payload.Duration.Seconds())
			c.FeatureProgress.DeleteLabelValues(payload.FeatureID)
		}
	case eventbridge.EventFeatureFailed:
		c.FeaturesFailed.Inc()
		if payload, err := eventbridge.Decode[eventbridge.FeatureFailedPayload](event); err == nil {
			c.FeatureProgress.DeleteLabelValues(payload.FeatureID)
		}
	case eventbridge.EventBatchComplete:
		c.BatchesCompleted.Inc()
	case eventbridge.EventDistributionComplete:
		payload, err := eventbridge.Decode[eventbridge.DistributionCompletePayload](event)
		if err != nil {
			return
		}
		c.Runs.WithLabelValues(Outcome(payload)).Inc()
	}
}

// Outcome classifies a finished run as succeeded, partial or aborted.
func Outcome(p eventbridge.DistributionCompletePayload) string {
	switch {
	case p.Aborted:
		return "aborted"
	case p.Failed > 0:
		return "partial"
	default:
		return "succeeded"
	}
}

func (c *Collector) trackActive(featureID string, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, was := c.active[featureID]
	switch {
	case active && !was:
		c.active[featureID] = struct{}{}
	case !active && was:
		delete(c.active, featureID)
	}
	c.FeaturesActive.Set(float64(len(c.active)))
}
