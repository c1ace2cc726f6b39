// Package events is an in-process pub/sub bus for evaluation and session
// lifecycle notifications.
package events

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeEvaluationStarted is published when a request enters the dispatcher.
	EventTypeEvaluationStarted = "EvaluationStarted"
	// EventTypeEvaluationCompleted is published when a classified result is returned.
	EventTypeEvaluationCompleted = "EvaluationCompleted"
	// EventTypeEvaluationFailed is published when a request returns an error.
	EventTypeEvaluationFailed = "EvaluationFailed"
	// EventTypeSessionStarted is published after a new REPL server answers.
	EventTypeSessionStarted = "SessionStarted"
	// EventTypeSessionAdopted is published when a running REPL server is reattached.
	EventTypeSessionAdopted = "SessionAdopted"
	// EventTypeSessionDied is published when a registered session fails its liveness probe.
	EventTypeSessionDied = "SessionDied"
	// EventTypeSessionTornDown is published after a session is explicitly stopped.
	EventTypeSessionTornDown = "SessionTornDown"
	// EventTypeHealthCheck is published after every doctor run.
	EventTypeHealthCheck = "HealthCheck"
)

const (
	// EntityEvaluation tags events about one evaluation request.
	EntityEvaluation = "evaluation"
	// EntitySession tags events about a persistent session.
	EntitySession = "session"
	// EntityHealth tags doctor reports.
	EntityHealth = "health"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// EvaluationPayload describes one dispatcher call.
type EvaluationPayload struct {
	SessionRef string
	Kind       string
	Duration   time.Duration
	Err        string
}

// SessionPayload describes one persistent session.
type SessionPayload struct {
	TmuxSession string
	Addr        string
	PID         int
}

// Handler consumes a published event.
type Handler func(Event)

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Nop is a Bus that discards every event.
type Nop struct{}

// Subscribe implements Bus.
func (Nop) Subscribe(string, Handler) {}

// SubscribeAll implements Bus.
func (Nop) SubscribeAll(Handler) {}

// Publish implements Bus.
func (Nop) Publish(Event) {}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the logger used for dropped-event warnings.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered channels.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         *log.Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
	closed         bool
	consumers      sync.WaitGroup
}

type subscriber struct {
	id uint64
	ch chan Event
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.New(io.Discard),
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := b.newSubscriberLocked()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.startConsumerLocked(sub, handler)
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := b.newSubscriberLocked()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.startConsumerLocked(sub, handler)
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
// It never blocks: events for a full subscriber are dropped with a warning.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.typedSubs[strings.TrimSpace(event.Type)] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcardSubs {
		b.deliver(sub, event)
	}
}

// Close stops accepting events and waits for subscribers to drain what was
// already queued.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.typedSubs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, sub := range b.wildcardSubs {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.consumers.Wait()
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Warn(
			"events: dropping event",
			"subscriber", sub.id,
			"type", event.Type,
			"entity_type", event.EntityType,
			"entity_id", event.EntityID,
		)
	}
}

func (b *InMemoryBus) newSubscriberLocked() *subscriber {
	b.nextSubscriber++
	return &subscriber{
		id: b.nextSubscriber,
		ch: make(chan Event, b.bufferSize),
	}
}

func (b *InMemoryBus) startConsumerLocked(sub *subscriber, handler Handler) {
	b.consumers.Add(1)
	go func() {
		defer b.consumers.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()
}

var _ Bus = (*InMemoryBus)(nil)
var _ Bus = Nop{}
