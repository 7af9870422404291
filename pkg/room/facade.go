package room

import "encoding/json"

// Narrow views over a room, for collaborators that should not see the
// full API.

// MutationContext is handed to Mutate callbacks. It exposes a consistent
// copy of the room's state taken at entry plus a presence setter.
type MutationContext[P, PO, S any] struct {
	Storage       S
	Self          User[P]
	Others        []User[P]
	SetMyPresence func(PO, *PresenceOptions)
}

// Mutate runs fn with transactional access to storage, self and others.
// It fails with ErrNotConnected unless the room is connected and has both
// a self entry and a storage document; a disconnected room never hands out
// stale state. Notifications triggered inside fn are coalesced.
func (r *Room[P, PO, S, SO]) Mutate(fn func(MutationContext[P, PO, S]) error) error {
	r.mu.Lock()
	if r.status != StatusConnected || r.self == nil || r.storage == nil {
		r.mu.Unlock()
		return ErrNotConnected
	}
	mc := MutationContext[P, PO, S]{
		Storage: *r.storage,
		Self:    *r.self,
		Others:  append([]User[P]{}, r.others...),
	}
	r.mu.Unlock()
	mc.SetMyPresence = r.UpdatePresence

	var err error
	r.Batch(func() { err = fn(mc) })
	return err
}

// PresenceView is the presence-only surface.
type PresenceView[P, PO any] struct {
	Get       func() P
	Set       func(PO, *PresenceOptions)
	Others    func() []User[P]
	Subscribe func(func(P)) func()
}

// PresenceView returns a presence-only view of the room.
func (r *Room[P, PO, S, SO]) PresenceView() PresenceView[P, PO] {
	return PresenceView[P, PO]{
		Get:       r.Presence,
		Set:       r.UpdatePresence,
		Others:    r.Others,
		Subscribe: r.SubscribePresence,
	}
}

// StorageView is the storage-only surface.
type StorageView[S any, SO any] struct {
	Snapshot  func() *S
	Update    func(...SO)
	Subscribe func(func(S)) func()
	Status    func() StorageStatus
}

// StorageView returns a storage-only view of the room.
func (r *Room[P, PO, S, SO]) StorageView() StorageView[S, SO] {
	return StorageView[S, SO]{
		Snapshot:  r.StorageSnapshot,
		Update:    r.UpdateStorage,
		Subscribe: r.SubscribeStorage,
		Status:    r.SyncStatus,
	}
}

// EventView is the surface for one named application event.
type EventView struct {
	Broadcast func(any) error
	Subscribe func(func(json.RawMessage)) func()
}

// EventView returns a single-event view of the room.
func (r *Room[P, PO, S, SO]) EventView(event string) EventView {
	return EventView{
		Broadcast: func(data any) error { return r.BroadcastEvent(event, data) },
		Subscribe: func(fn func(json.RawMessage)) func() { return r.SubscribeEvent(event, fn) },
	}
}
