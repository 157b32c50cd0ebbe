package eventbridge

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
)

// BusOption customizes Bus construction.
type BusOption func(*Bus)

// Bus fans run events out to buffered channel subscribers and synchronous
// observers. A nil *Bus is valid and discards everything.
type Bus struct {
	deliverMu sync.Mutex

	mu           sync.RWMutex
	subscribers  map[*subscriber]struct{}
	observers    []observer
	nextObserver int
	recent       []Event
	sequence     int64
	runID        string
	closed       bool

	channelSize  int
	backlogLimit int
	logger       Logger
	clock        func() time.Time
}

type observer struct {
	id     int
	filter map[EventType]struct{}
	fn     func(Event)
}

// Subscription represents an active channel subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewBus constructs a bus with sane defaults.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscribers:  map[*subscriber]struct{}{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		logger:       nopLogger{},
		clock:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// BusWithLogger injects a logger for drop/diagnostic messages.
func BusWithLogger(logger Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// BusWithSubscriberCapacity overrides the buffered channel size per subscriber.
func BusWithSubscriberCapacity(cap int) BusOption {
	return func(b *Bus) {
		if cap > 0 {
			b.channelSize = cap
		}
	}
}

// BusWithBacklogLimit overrides how many recent events are retained for replay.
func BusWithBacklogLimit(limit int) BusOption {
	return func(b *Bus) {
		if limit > 0 {
			b.backlogLimit = limit
		}
	}
}

// BusWithClock allows tests to control timestamps.
func BusWithClock(clock func() time.Time) BusOption {
	return func(b *Bus) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// SetRunID tags subsequent events with the run identifier.
func (b *Bus) SetRunID(runID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.runID = runID
	b.mu.Unlock()
}

// Subscribe registers a buffered channel receiving events of the given types,
// or every event when no type is given. When the buffer is full the oldest
// non-critical event is dropped.
func (b *Bus) Subscribe(types ...EventType) Subscription {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return Subscription{Events: ch}
	}
	sub := newSubscriber(b.channelSize, filterOf(types), b.logger)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return Subscription{Events: sub.channel()}
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			b.removeSubscriber(sub)
		},
	}
}

// SubscribeFunc registers fn to be called synchronously, in publish order, for
// events of the given types. fn must not publish on the same bus. The returned
// function removes the observer.
func (b *Bus) SubscribeFunc(fn func(Event), types ...EventType) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextObserver++
	id := b.nextObserver
	b.observers = append(b.observers, observer{id: id, filter: filterOf(types), fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, obs := range b.observers {
			if obs.id == id {
				b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps and delivers an event. Payloads that identify a feature also
// populate Event.FeatureID.
func (b *Bus) Publish(eventType EventType, payload any) Event {
	if b == nil {
		return Event{}
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.logger.Printf("eventbridge: encode %s payload: %v", eventType, err)
		} else {
			raw = data
		}
	}
	featureID := ""
	if scoped, ok := payload.(featureScoped); ok {
		featureID = scoped.featureKey()
	}

	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}
	}
	b.sequence++
	event := Event{
		Sequence:  b.sequence,
		Type:      eventType,
		RunID:     b.runID,
		FeatureID: featureID,
		Time:      b.clock().UTC(),
		Payload:   raw,
	}
	b.recent = append(b.recent, event)
	if len(b.recent) > b.backlogLimit {
		b.recent = b.recent[len(b.recent)-b.backlogLimit:]
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	observers := append([]observer(nil), b.observers...)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.wants(eventType) {
			sub.deliver(event)
		}
	}
	for _, obs := range observers {
		if _, ok := obs.filter[eventType]; ok || len(obs.filter) == 0 {
			b.notify(obs, event)
		}
	}
	return event
}

func (b *Bus) notify(obs observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("eventbridge: observer panic on %s: %v", event.Type, r)
		}
	}()
	obs.fn(event)
}

// Recent returns up to the backlog limit of the most recent events.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.recent...)
}

// Open reports whether the bus still accepts events.
func (b *Bus) Open() bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close closes every subscription and drops observers. Safe to call twice.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = map[*subscriber]struct{}{}
	b.observers = nil
	b.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

func (b *Bus) removeSubscriber(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
	sub.close()
}

func filterOf(types []EventType) map[EventType]struct{} {
	if len(types) == 0 {
		return nil
	}
	filter := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}
	return filter
}

type subscriber struct {
	ch      chan Event
	filter  map[EventType]struct{}
	logger  Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, filter map[EventType]struct{}, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		filter: filter,
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

func (s *subscriber) wants(t EventType) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

func (s *subscriber) deliver(event Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		// the reader drained the buffer in the meantime
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- event
	} else {
		s.ch <- oldest
		s.logDrop(event, "queue overflow:incoming")
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("eventbridge: dropped %s (%s)", event.Type, reason)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming Event) bool {
	oldestCritical := IsCritical(oldest.Type)
	incomingCritical := IsCritical(incoming.Type)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

// IsCritical reports whether events of this type are kept over others when a
// subscriber falls behind.
func IsCritical(kind EventType) bool {
	switch kind {
	case EventDistributionComplete, EventStopped, EventFeatureFailed, EventBatchComplete:
		return true
	}
	return false
}

func isPreferredDrop(kind EventType) bool {
	return kind == EventFeatureProgress
}
