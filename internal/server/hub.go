// Package server is the reference room server: it speaks the wire
// protocol from pkg/protocol over websockets and exposes the REST side
// channel for snapshots and room administration. It keeps everything in
// memory; durability belongs elsewhere.
package server

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/liveroom/liveroom/pkg/protocol"
)

var (
	ErrRoomExists   = errors.New("server: room already exists")
	ErrRoomNotFound = errors.New("server: room not found")
	ErrRoomFull     = errors.New("server: room at capacity")
)

const defaultCapacity = 100

// Hub owns every room. Mutation of the room map is atomic with respect to
// concurrent joins and leaves for the same identifier.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]*roomState
	nextConnID int64
}

// roomState is one live room: its opaque storage document and the set of
// connected peers in join order.
type roomState struct {
	id       string
	capacity int
	storage  json.RawMessage

	mu    sync.Mutex
	peers map[int64]*peer
	order []int64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*roomState)}
}

// CreateRoom provisions a room. Creating an existing id fails.
func (h *Hub) CreateRoom(id string, capacity int) error {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[id]; ok {
		return ErrRoomExists
	}
	h.rooms[id] = newRoomState(id, capacity)
	log.Info().Str("module", "server.hub").Str("room", id).Int("capacity", capacity).Msg("room created")
	return nil
}

// DeleteRoom removes a room, announcing RoomDeleted to its peers and
// closing their connections.
func (h *Hub) DeleteRoom(id string) error {
	h.mu.Lock()
	rs, ok := h.rooms[id]
	if ok {
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}

	rs.broadcast(0, protocol.RoomDeleted{RoomID: id})
	rs.mu.Lock()
	peers := make([]*peer, 0, len(rs.peers))
	for _, p := range rs.peers {
		peers = append(peers, p)
	}
	rs.peers = make(map[int64]*peer)
	rs.order = nil
	rs.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	log.Info().Str("module", "server.hub").Str("room", id).Msg("room deleted")
	return nil
}

// getOrCreate returns the room for id, creating it with the default
// capacity on first use so ad-hoc joins work without provisioning.
func (h *Hub) getOrCreate(id string) *roomState {
	h.mu.RLock()
	rs, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return rs
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if rs, ok = h.rooms[id]; !ok {
		rs = newRoomState(id, defaultCapacity)
		h.rooms[id] = rs
	}
	return rs
}

func (h *Hub) room(id string) (*roomState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rs, ok := h.rooms[id]
	return rs, ok
}

// List snapshots every room for the REST surface.
func (h *Hub) List() []protocol.RoomInfo {
	h.mu.RLock()
	rooms := make([]*roomState, 0, len(h.rooms))
	for _, rs := range h.rooms {
		rooms = append(rooms, rs)
	}
	h.mu.RUnlock()

	out := make([]protocol.RoomInfo, 0, len(rooms))
	for _, rs := range rooms {
		out = append(out, rs.info())
	}
	return out
}

// Storage returns the room's current document.
func (h *Hub) Storage(id string) (json.RawMessage, error) {
	rs, ok := h.room(id)
	if !ok {
		return nil, ErrRoomNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.storage, nil
}

// SetStorage replaces the room's document and announces the change as a
// snapshot-level update.
func (h *Hub) SetStorage(id string, doc json.RawMessage) error {
	rs, ok := h.room(id)
	if !ok {
		return ErrRoomNotFound
	}
	rs.mu.Lock()
	rs.storage = doc
	rs.mu.Unlock()
	return nil
}

func newRoomState(id string, capacity int) *roomState {
	return &roomState{
		id:       id,
		capacity: capacity,
		peers:    make(map[int64]*peer),
	}
}

// join registers p; it fails when the room is at capacity.
func (rs *roomState) join(p *peer) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.peers) >= rs.capacity {
		return ErrRoomFull
	}
	if _, ok := rs.peers[p.connID]; !ok {
		rs.order = append(rs.order, p.connID)
	}
	rs.peers[p.connID] = p
	log.Info().Str("module", "server.hub").Str("room", rs.id).Int64("conn", p.connID).Msg("peer joined")
	return nil
}

// leave unregisters connID and reports whether it was present.
func (rs *roomState) leave(connID int64) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.peers[connID]; !ok {
		return false
	}
	delete(rs.peers, connID)
	for i, id := range rs.order {
		if id == connID {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "server.hub").Str("room", rs.id).Int64("conn", connID).Msg("peer left")
	return true
}

// broadcast fans a message out to every peer except from (0 means all).
// Slow peers drop the frame; the hub never blocks on a single socket.
func (rs *roomState) broadcast(from int64, msg protocol.ServerMessage) {
	frame, err := protocol.EncodeServer(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "server.hub").Str("room", rs.id).Msg("broadcast encode failed")
		return
	}

	rs.mu.Lock()
	peers := make([]*peer, 0, len(rs.peers))
	for id, p := range rs.peers {
		if id == from {
			continue
		}
		peers = append(peers, p)
	}
	rs.mu.Unlock()

	for _, p := range peers {
		if err := p.trySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "server.hub").Str("room", rs.id).Int64("conn", p.connID).Msg("frame dropped")
		}
	}
}

func (rs *roomState) info() protocol.RoomInfo {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	info := protocol.RoomInfo{
		RoomID:          rs.id,
		Storage:         rs.storage,
		SubscriberCount: len(rs.peers),
		ClientIDs:       make([]int64, 0, len(rs.order)),
		ClientPresences: make([]json.RawMessage, 0, len(rs.order)),
	}
	for _, id := range rs.order {
		p := rs.peers[id]
		info.ClientIDs = append(info.ClientIDs, id)
		info.ClientPresences = append(info.ClientPresences, p.presence())
	}
	return info
}
