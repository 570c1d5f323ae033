// Package events is an in-process topic bus carrying streaming execution
// events. Topics are namespaced "<kind>:<planID>".
package events

import (
	"sync"

	"storyforge/internal/logging"
)

// Kind is the event family of a topic.
type Kind string

const (
	KindChunk Kind = "chunk"
	KindDone  Kind = "done"
	KindError Kind = "error"
)

// Topic returns the topic name for kind and planID.
func Topic(kind Kind, planID string) string {
	return string(kind) + ":" + planID
}

// Chunk is an optional, repeatable progress delta. Never used to build results.
type Chunk struct {
	PlanID string
	Seq    int
	Delta  string
}

// Done is the terminal success payload and the sole source of the result.
type Done struct {
	PlanID       string
	FullText     string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Error is the terminal failure payload.
type Error struct {
	PlanID string
	Reason string
	Err    error
}

// Handler receives a published payload.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers payloads synchronously to the handlers subscribed to a topic.
// Handlers run on the publisher's goroutine and must not block.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers h on topic and returns an idempotent unsubscribe func.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
		return
	}
	b.subs[topic] = subs
}

// Publish delivers payload to every handler on topic and returns how many ran.
// Handlers are invoked outside the bus lock so they may unsubscribe.
func (b *Bus) Publish(topic string, payload any) int {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[topic]))
	for i, s := range b.subs[topic] {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		logging.StreamDebug("no subscribers for %s; event dropped", topic)
	}
	for _, h := range handlers {
		h(payload)
	}
	return len(handlers)
}

// Subscribers returns the number of handlers on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Topics returns the number of topics with at least one subscriber.
func (b *Bus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
