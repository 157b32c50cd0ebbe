package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/lattice-distributor/internal/eventbridge"
)

func TestCollectorFollowsBusEvents(t *testing.T) {
	bus := eventbridge.NewBus()
	t.Cleanup(bus.Close)
	c, err := New(nil)
	require.NoError(t, err)
	detach := c.Attach(bus)
	defer detach()

	bus.Publish(eventbridge.EventInitialized, eventbridge.InitializedPayload{Features: 2})
	bus.Publish(eventbridge.EventFeatureUpdated, eventbridge.FeatureUpdatedPayload{FeatureID: "a", PreviousStatus: "pending", CurrentStatus: "in-progress"})
	bus.Publish(eventbridge.EventFeatureUpdated, eventbridge.FeatureUpdatedPayload{FeatureID: "b", PreviousStatus: "pending", CurrentStatus: "in-progress"})
	require.Equal(t, 2.0, value(t, c.FeaturesActive))

	bus.Publish(eventbridge.EventFeatureProgress, eventbridge.FeatureProgressPayload{FeatureID: "a", Progress: 40})
	require.Equal(t, 40.0, value(t, c.FeatureProgress.WithLabelValues("a")))

	bus.Publish(eventbridge.EventFeatureRetry, eventbridge.FeatureRetryPayload{FeatureID: "b", Attempt: 1})
	bus.Publish(eventbridge.EventFeatureUpdated, eventbridge.FeatureUpdatedPayload{FeatureID: "a", PreviousStatus: "in-progress", CurrentStatus: "complete"})
	bus.Publish(eventbridge.EventFeatureComplete, eventbridge.FeatureCompletePayload{FeatureID: "a", Duration: 2 * time.Second})
	bus.Publish(eventbridge.EventFeatureUpdated, eventbridge.FeatureUpdatedPayload{FeatureID: "b", PreviousStatus: "in-progress", CurrentStatus: "failed"})
	bus.Publish(eventbridge.EventFeatureFailed, eventbridge.FeatureFailedPayload{FeatureID: "b", Attempts: 2})
	bus.Publish(eventbridge.EventBatchComplete, eventbridge.BatchCompletePayload{BatchNumber: 1, SuccessCount: 1, FailCount: 1})
	bus.Publish(eventbridge.EventDistributionComplete, eventbridge.DistributionCompletePayload{Total: 2, Successful: 1, Failed: 1})

	require.Equal(t, 0.0, value(t, c.FeaturesActive))
	require.Equal(t, 1.0, value(t, c.FeaturesCompleted))
	require.Equal(t, 1.0, value(t, c.FeaturesFailed))
	require.Equal(t, 1.0, value(t, c.FeatureRetries))
	require.Equal(t, 1.0, value(t, c.BatchesCompleted))
	require.Equal(t, 1.0, value(t, c.Runs.WithLabelValues("partial")))
	require.Zero(t, count(c.FeatureProgress))
	var hist dto.Metric
	require.NoError(t, c.FeatureDuration.Write(&hist))
	require.Equal(t, uint64(1), hist.GetHistogram().GetSampleCount())
	require.Equal(t, 2.0, hist.GetHistogram().GetSampleSum())
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %v", m.Desc())
	return 0
}

func count(c prometheus.Collector) int {
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	return n
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "succeeded", Outcome(eventbridge.DistributionCompletePayload{Total: 2, Successful: 2}))
	require.Equal(t, "partial", Outcome(eventbridge.DistributionCompletePayload{Total: 2, Successful: 1, Failed: 1}))
	require.Equal(t, "aborted", Outcome(eventbridge.DistributionCompletePayload{Total: 2, Failed: 1, Aborted: true}))
}
