package room

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/liveroom/liveroom/pkg/protocol"
)

// HandleServerMessage dispatches one inbound message from the transport.
// Messages from a single connection arrive in receive order.
func (r *Room[P, PO, S, SO]) HandleServerMessage(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.RoomJoined:
		r.handleJoined(m)
	case protocol.RoomLeft:
		r.handleLeft(m)
	case protocol.StorageUpdated:
		r.handleStorageUpdate(m.Operations)
	case protocol.PresenceUpdated:
		r.handlePresenceUpdate(m)
	case protocol.EventBroadcasted:
		r.customE.Publish(m.Event, m.Data)
	case protocol.RoomCreated, protocol.RoomDeleted:
		log.Debug().Str("module", "room").Str("room", r.id).Str("type", "room lifecycle").Msg("ignored")
	default:
		// Closed sum; nothing else reaches here.
	}
}

func (r *Room[P, PO, S, SO]) handleJoined(m protocol.RoomJoined) {
	if m.ConnectionID == 0 {
		return
	}
	r.mu.Lock()
	if r.self != nil && r.self.ConnectionID != m.ConnectionID {
		r.self.ConnectionID = m.ConnectionID
		r.markDirty(topicSelf)
	}
	r.mu.Unlock()
	r.flush()
}

func (r *Room[P, PO, S, SO]) handleLeft(m protocol.RoomLeft) {
	r.mu.Lock()
	selfID := int64(0)
	if r.self != nil {
		selfID = r.self.ConnectionID
	}
	r.mu.Unlock()
	if m.ConnectionID != 0 && m.ConnectionID != selfID {
		r.dropOther(m.ConnectionID)
	}
}

// BroadcastMsg sends an arbitrary client message if and only if the room
// is connected; otherwise the message is silently dropped. Callers that
// need durability re-issue after reconnection.
func (r *Room[P, PO, S, SO]) BroadcastMsg(msg protocol.ClientMessage) {
	r.mu.Lock()
	connected := r.status == StatusConnected
	r.mu.Unlock()
	if !connected {
		return
	}
	if err := r.transport.Send(r.id, msg); err != nil {
		log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("broadcast send failed")
	}
}

// BroadcastEvent is BroadcastMsg for the common case of a named
// application event with a JSON payload.
func (r *Room[P, PO, S, SO]) BroadcastEvent(event string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.BroadcastMsg(protocol.BroadcastEvent{Event: event, Data: body})
	return nil
}

// Subscription surface. Every method returns an idempotent unsubscribe.

func (r *Room[P, PO, S, SO]) SubscribeStatus(fn func(Status)) func() {
	return r.statusE.Subscribe(fn)
}

func (r *Room[P, PO, S, SO]) SubscribeSyncStatus(fn func(StorageStatus)) func() {
	return r.storageStatusE.Subscribe(fn)
}

func (r *Room[P, PO, S, SO]) SubscribePresence(fn func(P)) func() {
	return r.presenceE.Subscribe(fn)
}

func (r *Room[P, PO, S, SO]) SubscribeSelf(fn func(User[P])) func() {
	return r.selfE.Subscribe(fn)
}

func (r *Room[P, PO, S, SO]) SubscribeOthers(fn func([]User[P])) func() {
	return r.othersE.Subscribe(fn)
}

func (r *Room[P, PO, S, SO]) SubscribeStorage(fn func(S)) func() {
	return r.storageE.Subscribe(fn)
}

// SubscribeEvent listens for one named application event broadcast by
// other participants.
func (r *Room[P, PO, S, SO]) SubscribeEvent(event string, fn func(json.RawMessage)) func() {
	return r.customE.Subscribe(event, fn)
}
