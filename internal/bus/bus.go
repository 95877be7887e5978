// Package bus is the in-process pub/sub fabric for engine lifecycle events.
// Delivery is best-effort: publishers never block, slow subscribers lose
// events rather than stalling an execution.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/stratforge/stratd/internal/domain"
)

const (
	// subscriberBuffer is the per-subscriber channel depth.
	subscriberBuffer = 64

	// maxSubscribersPerTopic is a guardrail against subscription leaks. It
	// is not enforced hard; crossing it logs a warning, matching the usual
	// listener-limit semantics.
	maxSubscribersPerTopic = 100
)

// allTopics is the internal key for wildcard subscriptions.
const allTopics = "*"

// Bus fans EngineEvents out to topic subscribers.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[int]chan domain.EngineEvent
	nextID int
	closed bool

	dropped atomic.Int64
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With(slog.String("component", "bus")),
		subs:   make(map[string]map[int]chan domain.EngineEvent),
	}
}

// Publish delivers ev to every subscriber of its topic and to wildcard
// subscribers. Full buffers drop the event.
func (b *Bus) Publish(ev domain.EngineEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliver(b.subs[ev.Topic], ev)
	b.deliver(b.subs[allTopics], ev)
}

func (b *Bus) deliver(set map[int]chan domain.EngineEvent, ev domain.EngineEvent) {
	for _, ch := range set {
		select {
		case ch <- ev:
		default:
			n := b.dropped.Add(1)
			if n%100 == 1 {
				b.logger.Warn("event dropped, subscriber too slow",
					slog.String("topic", ev.Topic),
					slog.Int64("dropped_total", n))
			}
		}
	}
}

// Subscribe registers for one topic. The returned func removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan domain.EngineEvent, func()) {
	return b.subscribe(topic)
}

// SubscribeAll registers for every topic.
func (b *Bus) SubscribeAll() (<-chan domain.EngineEvent, func()) {
	return b.subscribe(allTopics)
}

func (b *Bus) subscribe(topic string) (<-chan domain.EngineEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.EngineEvent, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	set, ok := b.subs[topic]
	if !ok {
		set = make(map[int]chan domain.EngineEvent)
		b.subs[topic] = set
	}
	if len(set) >= maxSubscribersPerTopic {
		b.logger.Warn("subscriber limit crossed",
			slog.String("topic", topic),
			slog.Int("subscribers", len(set)+1))
	}

	id := b.nextID
	b.nextID++
	set[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.subs[topic]; ok {
				delete(cur, id)
				if len(cur) == 0 {
					delete(b.subs, topic)
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Dropped reports how many events were discarded because a subscriber
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close shuts the bus down; all subscriber channels are closed and further
// publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, set := range b.subs {
		for id, ch := range set {
			close(ch)
			delete(set, id)
		}
		delete(b.subs, topic)
	}
}
