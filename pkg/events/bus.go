package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies a class of observable events.
type Topic string

const (
	// TopicBreakerStateChanged fires when a per-worker or global circuit
	// breaker changes state.
	TopicBreakerStateChanged Topic = "breaker.state_changed"
	// TopicCallCompleted fires after every resilience-wrapped worker call.
	TopicCallCompleted Topic = "call.completed"
	// TopicCoordinationCompleted fires when the coordinator finishes a request.
	TopicCoordinationCompleted Topic = "coordination.completed"
	// TopicModeChanged fires when the system mode evaluator moves between
	// normal, degraded and emergency.
	TopicModeChanged Topic = "mode.changed"
	// TopicWorkerRegistered fires when a worker joins the registry.
	TopicWorkerRegistered Topic = "worker.registered"
	// TopicWorkerUnregistered fires when a worker leaves the registry.
	TopicWorkerUnregistered Topic = "worker.unregistered"
)

// Event is the unit delivered to subscribers.
type Event struct {
	Topic     Topic       `json:"topic"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// BreakerStateChange is the payload for TopicBreakerStateChanged.
type BreakerStateChange struct {
	Breaker string `json:"breaker"`
	From    string `json:"from"`
	To      string `json:"to"`
	Global  bool   `json:"global"`
}

// CallCompletion is the payload for TopicCallCompleted.
type CallCompletion struct {
	WorkerID   string        `json:"worker_id"`
	WorkerType string        `json:"worker_type"`
	Success    bool          `json:"success"`
	Fallback   string        `json:"fallback,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

// CoordinationCompletion is the payload for TopicCoordinationCompleted.
type CoordinationCompletion struct {
	SessionID string        `json:"session_id"`
	WorkerIDs []string      `json:"worker_ids"`
	Success   bool          `json:"success"`
	Elapsed   time.Duration `json:"elapsed_ms"`
}

// ModeChange is the payload for TopicModeChanged.
type ModeChange struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// WorkerRegistration is the payload for TopicWorkerRegistered and
// TopicWorkerUnregistered.
type WorkerRegistration struct {
	WorkerID   string `json:"worker_id"`
	WorkerType string `json:"worker_type"`
}

// Subscriber receives events from the bus.
type Subscriber interface {
	// ID returns the unique subscriber identifier.
	ID() string

	// Topics returns the topics this subscriber is interested in.
	// Empty slice means all events (wildcard subscription).
	Topics() []Topic

	// OnEvent is called from the dispatch goroutine for each event.
	OnEvent(event *Event) error
}

// Bus is an in-process publish-subscribe channel for the observable events
// this core emits. Publishing never blocks: when the internal buffer is full
// the event is dropped and counted.
type Bus struct {
	// subscribers maps topic to list of subscribers
	subscribers map[Topic][]Subscriber

	// wildcardSubscribers contains subscribers for all topics
	wildcardSubscribers []Subscriber

	// buffer is the event buffer channel
	buffer chan *Event

	// dropped counts events discarded because the buffer was full
	dropped atomic.Uint64

	// mu protects subscriber maps and the closed flag
	mu sync.RWMutex

	// startMu protects dispatch goroutine startup
	startMu sync.Mutex

	started bool
	closed  bool

	// done signals the dispatch goroutine to stop
	done chan struct{}

	// wg waits for the dispatch goroutine to finish
	wg sync.WaitGroup
}

// NewBus creates an event bus with the given buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &Bus{
		subscribers:         make(map[Topic][]Subscriber),
		wildcardSubscribers: make([]Subscriber, 0),
		buffer:              make(chan *Event, bufferSize),
		done:                make(chan struct{}),
	}
}

// Publish enqueues an event for delivery. It never blocks; if the buffer is
// full the event is dropped and the drop counter incremented.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	event := &Event{
		Topic:     topic,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	select {
	case b.buffer <- event:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe registers a subscriber.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	topics := sub.Topics()

	// Wildcard subscriber
	if len(topics) == 0 {
		b.wildcardSubscribers = append(b.wildcardSubscribers, sub)
		return
	}

	for _, topic := range topics {
		b.subscribers[topic] = append(b.subscribers[topic], sub)
	}
}

// Unsubscribe removes a subscriber by ID.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wildcardSubscribers = filterSubs(b.wildcardSubscribers, subscriberID)

	for topic, subs := range b.subscribers {
		b.subscribers[topic] = filterSubs(subs, subscriberID)
	}
}

func filterSubs(subs []Subscriber, id string) []Subscriber {
	filtered := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.ID() != id {
			filtered = append(filtered, sub)
		}
	}
	return filtered
}

// Start starts the dispatch goroutine.
func (b *Bus) Start() {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if b.started || b.closed {
		return
	}
	b.started = true

	b.wg.Add(1)
	go b.dispatch()
}

// dispatch delivers buffered events to subscribers.
func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.buffer:
			b.deliverEvent(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliverEvent(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.wildcardSubscribers {
		_ = sub.OnEvent(event)
	}

	if subs, ok := b.subscribers[event.Topic]; ok {
		for _, sub := range subs {
			_ = sub.OnEvent(event)
		}
	}
}

// Dropped returns the number of events discarded due to a full buffer.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close gracefully shuts down the bus. Events still buffered are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}
