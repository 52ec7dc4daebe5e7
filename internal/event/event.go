// Package event defines the normalized change-event contract shared by all
// capture strategies, the per-adapter publish/subscribe bus, and the
// process-wide dispatcher that routes store-level mutations to the adapters
// interested in them.
package event

import (
	"context"
	"log/slog"
	"sync"
)

// Type classifies a storage mutation.
type Type string

const (
	TypeInsert Type = "insert"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
)

// Topic names one of the three fixed adapter event streams.
type Topic string

const (
	TopicDataInserted Topic = "dataInserted"
	TopicDataUpdated  Topic = "dataUpdated"
	TopicDataDeleted  Topic = "dataDeleted"
)

// Topic maps a change type to the adapter topic it is published on.
func (t Type) Topic() Topic {
	switch t {
	case TypeInsert:
		return TopicDataInserted
	case TypeUpdate:
		return TopicDataUpdated
	default:
		return TopicDataDeleted
	}
}

// UpdateDescription carries the partial view of an updated document: only
// the fields the mutation touched, not the full document.
type UpdateDescription struct {
	UpdatedFields map[string]any `json:"updatedFields,omitempty"`
	RemovedFields []string       `json:"removedFields,omitempty"`
}

// Change is one normalized storage mutation. Both capture strategies emit
// the same shape so that agent handlers never know which strategy produced
// an event.
type Change struct {
	Source            string             `json:"source"`
	Type              Type               `json:"type"`
	DocumentKey       string             `json:"documentKey,omitempty"`
	FullDocument      map[string]any     `json:"fullDocument,omitempty"`
	UpdateDescription *UpdateDescription `json:"updateDescription,omitempty"`
}

// Handler consumes one change event. Handlers run as independent tasks; a
// failing handler must not affect delivery to other subscribers.
type Handler func(ctx context.Context, ch Change)

// Bus is a per-adapter pub/sub channel with the three fixed topics.
// Subscribers are registered once at agent-preparation time and never
// removed afterwards.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]Handler
	logger *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Topic][]Handler),
		logger: slog.Default(),
	}
}

// Subscribe registers h for the given topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish delivers ch to every subscriber of the topic matching ch.Type.
// Each handler runs in its own goroutine; a panic inside a handler is
// logged and contained so the subscription survives.
func (b *Bus) Publish(ctx context.Context, ch Change) {
	b.mu.RLock()
	handlers := b.subs[ch.Type.Topic()]
	b.mu.RUnlock()

	for _, h := range handlers {
		go b.invoke(ctx, h, ch)
	}
}

// PublishSync delivers ch to every matching subscriber on the calling
// goroutine, in registration order. Used where callers need the handlers to
// have finished before continuing (tests, startup reconciliation).
func (b *Bus) PublishSync(ctx context.Context, ch Change) {
	b.mu.RLock()
	handlers := b.subs[ch.Type.Topic()]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, ch)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, ch Change) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"source", ch.Source, "type", ch.Type, "panic", r)
		}
	}()
	h(ctx, ch)
}

// Dispatcher routes store-level change notifications to the buses of the
// adapters that registered interest. It is keyed by change type, then by
// source, so several adapter instances sharing one underlying store are each
// notified only for documents belonging to their own configured source.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[Type]map[string][]*Bus
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[Type]map[string][]*Bus)}
}

// Register subscribes bus to all three change types for the given source.
func (d *Dispatcher) Register(source string, bus *Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range []Type{TypeInsert, TypeUpdate, TypeDelete} {
		if d.routes[t] == nil {
			d.routes[t] = make(map[string][]*Bus)
		}
		d.routes[t][source] = append(d.routes[t][source], bus)
	}
}

// Unregister removes every registration of bus for the given source.
func (d *Dispatcher) Unregister(source string, bus *Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for t, bySource := range d.routes {
		// A new slice, not an in-place compaction: Dispatch iterates the
		// old slice after dropping the read lock.
		var kept []*Bus
		for _, b := range bySource[source] {
			if b != bus {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(bySource, source)
		} else {
			d.routes[t][source] = kept
		}
	}
}

// Dispatch publishes ch to every bus registered for (ch.Type, ch.Source).
func (d *Dispatcher) Dispatch(ctx context.Context, ch Change) {
	d.mu.RLock()
	buses := d.routes[ch.Type][ch.Source]
	d.mu.RUnlock()

	for _, b := range buses {
		b.Publish(ctx, ch)
	}
}

// DispatchSync is Dispatch with synchronous handler delivery.
func (d *Dispatcher) DispatchSync(ctx context.Context, ch Change) {
	d.mu.RLock()
	buses := d.routes[ch.Type][ch.Source]
	d.mu.RUnlock()

	for _, b := range buses {
		b.PublishSync(ctx, ch)
	}
}
