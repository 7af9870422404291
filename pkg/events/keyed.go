package events

import "sync"

// Keyed multiplexes emitters under runtime string keys. Used for
// application-defined room events where the set of topics is not known
// at compile time.
type Keyed[T any] struct {
	mu       sync.Mutex
	emitters map[string]*Emitter[T]
}

// NewKeyed returns a ready-to-use Keyed bus.
func NewKeyed[T any]() *Keyed[T] {
	return &Keyed[T]{emitters: make(map[string]*Emitter[T])}
}

// Subscribe registers fn under key and returns an unsubscribe function.
func (k *Keyed[T]) Subscribe(key string, fn Handler[T]) func() {
	return k.emitter(key).Subscribe(fn)
}

// SubscribeOnce registers fn under key for a single delivery.
func (k *Keyed[T]) SubscribeOnce(key string, fn Handler[T]) func() {
	return k.emitter(key).SubscribeOnce(fn)
}

// Publish delivers v to all subscribers of key. Publishing on a key with
// no subscribers is a no-op.
func (k *Keyed[T]) Publish(key string, v T) {
	k.mu.Lock()
	e, ok := k.emitters[key]
	k.mu.Unlock()
	if ok {
		e.Publish(v)
	}
}

// HasSubscribers reports whether key has at least one handler.
func (k *Keyed[T]) HasSubscribers(key string) bool {
	k.mu.Lock()
	e, ok := k.emitters[key]
	k.mu.Unlock()
	return ok && e.HasSubscribers()
}

// Clear drops the subscribers of key, or of every key when key is empty.
func (k *Keyed[T]) Clear(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if key == "" {
		k.emitters = make(map[string]*Emitter[T])
		return
	}
	delete(k.emitters, key)
}

func (k *Keyed[T]) emitter(key string) *Emitter[T] {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.emitters[key]
	if !ok {
		e = NewEmitter[T]()
		k.emitters[key] = e
	}
	return e
}
