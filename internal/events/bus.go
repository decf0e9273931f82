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

	// EventTypeMatchState identifies match lifecycle transitions.
	EventTypeMatchState = "MatchState"
	// EventTypeInstructionRelayed identifies an engine instruction delivered to players.
	EventTypeInstructionRelayed = "InstructionRelayed"
	// EventTypePlayerDisabled identifies a player that exhausted its timeout budget.
	EventTypePlayerDisabled = "PlayerDisabled"
	// EventTypeEngineWarning identifies an engine note attached to player dumps.
	EventTypeEngineWarning = "EngineWarning"
	// EventTypeUnknownInstruction identifies an engine line outside the grammar.
	EventTypeUnknownInstruction = "UnknownInstruction"
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

// MatchStatePayload describes one lifecycle transition.
type MatchStatePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// InstructionPayload describes one relayed engine instruction.
type InstructionPayload struct {
	Kind     string `json:"kind"`
	Target   string `json:"target"`
	Message  string `json:"message"`
	Response string `json:"response,omitempty"`
}

// PlayerPayload describes a player-level event.
type PlayerPayload struct {
	PlayerID int    `json:"player_id"`
	Errors   int    `json:"errors"`
	Detail   string `json:"detail,omitempty"`
}

// Handler consumes a published event.
type Handler func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(event Event)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Publisher
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Close()
}

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

// WithLogger configures log sink used for dropped-event warnings.
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
	b.startConsumer(sub, handler)
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
	b.startConsumer(sub, handler)
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
// Events published after Close are dropped.
func (b *InMemoryBus) Publish(event Event) {
	if b == nil {
		return
	}
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

// Close stops accepting events, lets every handler drain its queue and waits
// for the handlers to return. Only the first call has an effect.
func (b *InMemoryBus) Close() {
	if b == nil {
		return
	}
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

func (b *InMemoryBus) startConsumer(sub *subscriber, handler Handler) {
	b.consumers.Add(1)
	go func() {
		defer b.consumers.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()
}
