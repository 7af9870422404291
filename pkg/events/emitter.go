// Package events provides small typed publish/subscribe primitives.
// An Emitter carries one topic with a statically known payload type;
// a Keyed groups emitters under runtime string keys for custom events.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

// Handler receives every payload published on the topic it subscribed to.
type Handler[T any] func(T)

type subscriber[T any] struct {
	id   uint64
	fn   Handler[T]
	once bool
}

// Emitter is a concurrency-safe single-topic dispatcher. Handlers run
// synchronously on the publishing goroutine, in subscription order.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   []subscriber[T]
	nextID uint64
}

// NewEmitter returns a ready-to-use Emitter.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// Subscribe registers fn and returns an unsubscribe function.
// Unsubscribing twice is a no-op.
func (e *Emitter[T]) Subscribe(fn Handler[T]) func() {
	return e.add(fn, false)
}

// SubscribeOnce registers fn for a single delivery; the subscription is
// removed before fn runs.
func (e *Emitter[T]) SubscribeOnce(fn Handler[T]) func() {
	return e.add(fn, true)
}

func (e *Emitter[T]) add(fn Handler[T], once bool) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscriber[T]{id: id, fn: fn, once: once})
	e.mu.Unlock()

	return func() { e.remove(id) }
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers v to all current subscribers in subscription order.
// A panicking handler is recovered and logged so the remaining handlers
// on the same publish still run.
func (e *Emitter[T]) Publish(v T) {
	e.mu.Lock()
	snapshot := make([]subscriber[T], len(e.subs))
	copy(snapshot, e.subs)
	kept := e.subs[:0]
	for _, s := range e.subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	e.subs = kept
	e.mu.Unlock()

	for _, s := range snapshot {
		if r := panics.Try(func() { s.fn(v) }); r != nil {
			log.Error().Str("module", "events").Interface("panic", r.Value).Msg("handler panicked")
		}
	}
}

// HasSubscribers reports whether at least one handler is registered.
func (e *Emitter[T]) HasSubscribers() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs) > 0
}

// Clear drops every subscriber.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.subs = nil
	e.mu.Unlock()
}
