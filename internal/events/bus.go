package events

import (
	"sync"

	"github.com/ignite/appforge/internal/pkg/logger"
)

// Handler consumes an envelope. Handlers must tolerate replays.
type Handler func(env *Envelope)

// Outbox is a FIFO of validated envelopes awaiting delivery. A single
// publisher observes its own events in emit order.
type Outbox struct {
	mu    sync.Mutex
	queue []*Envelope
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox { return &Outbox{} }

// Enqueue appends an envelope.
func (o *Outbox) Enqueue(env *Envelope) {
	o.mu.Lock()
	o.queue = append(o.queue, env)
	o.mu.Unlock()
}

// Pending returns the queued envelopes oldest-first without consuming them.
func (o *Outbox) Pending() []*Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Envelope, len(o.queue))
	copy(out, o.queue)
	return out
}

// Ack removes the oldest envelope and returns it, or nil when empty.
func (o *Outbox) Ack() *Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil
	}
	env := o.queue[0]
	o.queue = o.queue[1:]
	return env
}

// Clear drops every queued envelope.
func (o *Outbox) Clear() {
	o.mu.Lock()
	o.queue = nil
	o.mu.Unlock()
}

// Bus dispatches envelopes to name-keyed subscribers after queueing them on
// the outbox. Subscriber panics are suppressed so one bad consumer cannot
// break the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	allSubs []subscription
	nextID  int
	outbox  *Outbox
	log     *logger.Logger
}

type subscription struct {
	id int
	fn Handler
}

// NewBus creates a bus over an outbox.
func NewBus(outbox *Outbox) *Bus {
	return &Bus{
		subs:   map[string][]subscription{},
		outbox: outbox,
		log:    logger.With("events"),
	}
}

// Outbox exposes the bus's outbox.
func (b *Bus) Outbox() *Outbox { return b.outbox }

// Subscribe registers a handler for an event name and returns an unsubscribe
// token. Handlers for the same name run in subscription order.
func (b *Bus) Subscribe(name string, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[name] = append(b.subs[name], subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes a handler by its token.
func (b *Bus) Unsubscribe(name string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscribeAll registers a handler for every published event, after the
// name-specific subscribers. The automation matcher uses this.
func (b *Bus) SubscribeAll(fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.allSubs = append(b.allSubs, subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// Publish validates nothing further (envelopes are sealed at Make), enqueues
// to the outbox, then dispatches to subscribers by name.
func (b *Bus) Publish(env *Envelope) {
	b.outbox.Enqueue(env)

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[env.Name]))
	copy(subs, b.subs[env.Name])
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(s, env)
	}
}

func (b *Bus) dispatch(s subscription, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("subscriber panicked", "event", env.Name, "panic", r)
		}
	}()
	s.fn(env.Copy())
}
