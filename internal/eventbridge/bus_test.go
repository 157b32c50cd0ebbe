package eventbridge

import (
	"testing"
	"time"
)

func TestBusDeliversFilteredEvents(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	defer all.Close()
	batches := bus.Subscribe(EventBatchStarted)
	defer batches.Close()

	bus.Publish(EventPhase, PhasePayload{Phase: PhaseAnalyzing})
	bus.Publish(EventBatchStarted, BatchStartedPayload{BatchNumber: 1, Items: []string{"a"}})

	first := <-all.Events
	if first.Type != EventPhase || first.Sequence != 1 {
		t.Fatalf("unexpected first event: %+v", first)
	}
	second := <-all.Events
	if second.Type != EventBatchStarted || second.Sequence != 2 {
		t.Fatalf("unexpected second event: %+v", second)
	}
	got := <-batches.Events
	if got.Type != EventBatchStarted {
		t.Fatalf("filter leaked %s", got.Type)
	}
	select {
	case extra := <-batches.Events:
		t.Fatalf("unexpected extra event %s", extra.Type)
	default:
	}
}

func TestBusStampsRunAndFeature(t *testing.T) {
	fixed := time.Unix(1730000000, 0).UTC()
	bus := NewBus(BusWithClock(func() time.Time { return fixed }))
	bus.SetRunID("run-1")
	event := bus.Publish(EventFeatureRetry, FeatureRetryPayload{FeatureID: "api", Attempt: 2, Delay: time.Second})
	if event.RunID != "run-1" || event.FeatureID != "api" || !event.Time.Equal(fixed) {
		t.Fatalf("event not stamped: %+v", event)
	}
	payload, err := Decode[FeatureRetryPayload](event)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Attempt != 2 || payload.Delay != time.Second {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if _, err := Decode[FeatureRetryPayload](Event{Type: EventStopped}); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestBusSubscribeFuncRunsInOrder(t *testing.T) {
	bus := NewBus()
	var seen []EventType
	cancel := bus.SubscribeFunc(func(e Event) { seen = append(seen, e.Type) }, EventBatchStarted, EventBatchComplete)
	bus.Publish(EventBatchStarted, nil)
	bus.Publish(EventPhase, nil)
	bus.Publish(EventBatchComplete, nil)
	cancel()
	bus.Publish(EventBatchStarted, nil)
	if len(seen) != 2 || seen[0] != EventBatchStarted || seen[1] != EventBatchComplete {
		t.Fatalf("unexpected observer calls: %v", seen)
	}
}

func TestBusRecoversObserverPanic(t *testing.T) {
	bus := NewBus()
	bus.SubscribeFunc(func(Event) { panic("boom") })
	called := false
	bus.SubscribeFunc(func(Event) { called = true })
	bus.Publish(EventStopped, nil)
	if !called {
		t.Fatalf("panicking observer blocked later observers")
	}
}

func TestBusDropsOldestNonCriticalOnOverflow(t *testing.T) {
	bus := NewBus(BusWithSubscriberCapacity(1))
	sub := bus.Subscribe()
	defer sub.Close()
	bus.Publish(EventFeatureProgress, FeatureProgressPayload{FeatureID: "a", Progress: 10})
	bus.Publish(EventDistributionComplete, DistributionCompletePayload{Total: 1})
	if got := <-sub.Events; got.Type != EventDistributionComplete {
		t.Fatalf("expected critical event to replace oldest, got %s", got.Type)
	}
}

func TestBusDropsIncomingWhenOldestCritical(t *testing.T) {
	bus := NewBus(BusWithSubscriberCapacity(1))
	sub := bus.Subscribe()
	defer sub.Close()
	bus.Publish(EventFeatureFailed, FeatureFailedPayload{FeatureID: "a"})
	bus.Publish(EventFeatureProgress, FeatureProgressPayload{FeatureID: "b"})
	if got := <-sub.Events; got.Type != EventFeatureFailed {
		t.Fatalf("expected oldest critical event to remain, got %s", got.Type)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestBusRecentKeepsBacklogLimit(t *testing.T) {
	bus := NewBus(BusWithBacklogLimit(2))
	for i := 0; i < 5; i++ {
		bus.Publish(EventPhase, nil)
	}
	recent := bus.Recent()
	if len(recent) != 2 || recent[0].Sequence != 4 || recent[1].Sequence != 5 {
		t.Fatalf("unexpected backlog: %+v", recent)
	}
}

func TestBusCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Close()
	bus.Close()
	if _, ok := <-sub.Events; ok {
		t.Fatalf("expected closed channel")
	}
	sub.Close()
	if event := bus.Publish(EventStopped, nil); event.Sequence != 0 {
		t.Fatalf("closed bus published %+v", event)
	}
	if bus.Open() {
		t.Fatalf("bus reports open after close")
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.SetRunID("x")
	bus.Publish(EventStopped, nil)
	bus.SubscribeFunc(func(Event) {})()
	sub := bus.Subscribe()
	if _, ok := <-sub.Events; ok {
		t.Fatalf("nil bus subscription should be closed")
	}
	bus.Close()
}
