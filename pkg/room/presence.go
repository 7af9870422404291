package room

import (
	"encoding/json"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/liveroom/liveroom/pkg/protocol"
)

// PresenceOptions mirrors the shape of the source API. AddToHistory is
// accepted for compatibility; this core keeps no history model.
type PresenceOptions struct {
	AddToHistory bool
}

// UpdatePresence applies op to the local presence value and, if connected,
// sends it upstream. Presence is ephemeral: while disconnected the local
// value still changes but no frame is queued, a missed update is
// acceptable loss.
func (r *Room[P, PO, S, SO]) UpdatePresence(op PO, opts *PresenceOptions) {
	_ = opts

	r.mu.Lock()
	r.presence = r.cfg.ApplyPresence(r.presence, op)
	if r.self != nil {
		r.self.Presence = r.presence
	}
	connected := r.status == StatusConnected
	r.markDirty(topicPresence | topicSelf)
	r.mu.Unlock()
	r.flush()

	if !connected {
		return
	}
	body, err := json.Marshal(op)
	if err != nil {
		log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("presence op encode failed")
		return
	}
	if err := r.transport.Send(r.id, protocol.UpdatePresence{Presence: body}); err != nil {
		log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("presence send failed")
	}
}

// Presence returns the local presence value.
func (r *Room[P, PO, S, SO]) Presence() P {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence
}

// Self returns this client's user entry, or false before the first connect.
func (r *Room[P, PO, S, SO]) Self() (User[P], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self == nil {
		return User[P]{}, false
	}
	return *r.self, true
}

// Others returns the other participants in join order.
func (r *Room[P, PO, S, SO]) Others() []User[P] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.others)
}

// handlePresenceUpdate upserts the sender's entry in others, keyed by
// connection id. An unseen id appends; a known id replaces in place so the
// collection never holds two entries for one connection.
func (r *Room[P, PO, S, SO]) handlePresenceUpdate(msg protocol.PresenceUpdated) {
	var p P
	if len(msg.Presence) > 0 {
		if err := json.Unmarshal(msg.Presence, &p); err != nil {
			log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("presence decode failed")
			return
		}
	}

	r.mu.Lock()
	if r.self != nil && msg.ConnectionID == r.self.ConnectionID {
		r.mu.Unlock()
		return
	}
	found := false
	for i := range r.others {
		if r.others[i].ConnectionID == msg.ConnectionID {
			r.others[i].Presence = p
			if len(msg.Info) > 0 {
				r.others[i].Info = msg.Info
			}
			found = true
			break
		}
	}
	if !found {
		r.others = append(r.others, User[P]{ConnectionID: msg.ConnectionID, Presence: p, Info: msg.Info})
	}
	r.markDirty(topicOthers)
	r.mu.Unlock()
	r.flush()
}

// dropOther removes a departed participant.
func (r *Room[P, PO, S, SO]) dropOther(connectionID int64) {
	r.mu.Lock()
	before := len(r.others)
	r.others = slices.DeleteFunc(r.others, func(u User[P]) bool {
		return u.ConnectionID == connectionID
	})
	if len(r.others) != before {
		r.markDirty(topicOthers)
	}
	r.mu.Unlock()
	r.flush()
}
