package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/liveroom/liveroom/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller bridges websocket endpoints to the hub.
type Controller struct {
	Hub          *Hub
	SendBuffer   int
	WriteTimeout time.Duration
	limiter      *connRateLimiter
}

// NewController wires a controller with sane defaults.
func NewController(h *Hub) *Controller {
	return &Controller{
		Hub:          h,
		SendBuffer:   32,
		WriteTimeout: 5 * time.Second,
		limiter:      newConnRateLimiter(200, time.Second),
	}
}

// HandleRoomWS upgrades the request and services one client connection
// bound to the room named in the path.
func (ctl *Controller) HandleRoomWS(ctx context.Context, c *gin.Context) {
	roomID := c.Param("room_id")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("upgrade failed")
		return
	}

	p := &peer{
		connID: atomic.AddInt64(&ctl.Hub.nextConnID, 1),
		ws:     ws,
		send:   make(chan []byte, ctl.SendBuffer),
	}
	log.Info().Str("module", "server.ws").Str("room", roomID).Int64("conn", p.connID).Msg("connection open")

	go ctl.writePump(p)
	ctl.readPump(ctx, roomID, p)
}

func (ctl *Controller) writePump(p *peer) {
	for frame := range p.send {
		if err := p.ws.SetWriteDeadline(time.Now().Add(ctl.WriteTimeout)); err != nil {
			log.Error().Err(err).Str("module", "server.ws").Int64("conn", p.connID).Msg("write deadline")
			return
		}
		if err := p.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Error().Err(err).Str("module", "server.ws").Int64("conn", p.connID).Msg("write failed")
			return
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, roomID string, p *peer) {
	defer func() {
		ctl.disconnect(p)
		ctl.limiter.forget(p.connID)
		p.close()
		log.Info().Str("module", "server.ws").Int64("conn", p.connID).Msg("connection closed")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		ctl.dispatch(roomID, p, data)
	}
}

// dispatch decodes one frame and routes it. Malformed frames are dropped;
// unknown message types are ignored so newer clients keep working.
func (ctl *Controller) dispatch(roomID string, p *peer, data []byte) {
	if !ctl.limiter.allow(p.connID) {
		log.Warn().Str("module", "server.ws").Int64("conn", p.connID).Msg("rate limited, frame dropped")
		return
	}
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "server.ws").Int64("conn", p.connID).Msg("frame dropped")
		return
	}

	switch m := msg.(type) {
	case protocol.JoinRoom:
		id := m.RoomID
		if id == "" {
			id = roomID
		}
		ctl.handleJoin(id, p)
	case protocol.LeaveRoom:
		ctl.handleLeave(p)
	case protocol.UpdatePresence:
		ctl.handlePresence(p, m)
	case protocol.UpdateStorage:
		ctl.handleStorage(p, m)
	case protocol.BroadcastEvent:
		ctl.handleBroadcast(p, m)
	}
}

func (ctl *Controller) handleJoin(roomID string, p *peer) {
	// One room per socket: joining a new room implies leaving the old one,
	// so no ghost peer keeps receiving that room's broadcasts.
	if prev := p.joined(); prev != "" && prev != roomID {
		p.setJoined("")
		if rs, ok := ctl.Hub.room(prev); ok && rs.leave(p.connID) {
			rs.broadcast(p.connID, protocol.RoomLeft{RoomID: prev, ConnectionID: p.connID})
		}
	}

	rs := ctl.Hub.getOrCreate(roomID)
	if err := rs.join(p); err != nil {
		log.Warn().Err(err).Str("module", "server.ws").Str("room", roomID).Int64("conn", p.connID).Msg("join rejected")
		ctl.reply(p, protocol.RoomLeft{RoomID: roomID, ConnectionID: p.connID})
		return
	}
	p.setJoined(roomID)
	ctl.reply(p, protocol.RoomJoined{RoomID: roomID, ConnectionID: p.connID})

	// New joiners learn the presence of everyone already in the room.
	rs.mu.Lock()
	existing := make([]protocol.PresenceUpdated, 0, len(rs.order))
	for _, id := range rs.order {
		if id == p.connID {
			continue
		}
		existing = append(existing, protocol.PresenceUpdated{ConnectionID: id, Presence: rs.peers[id].presence()})
	}
	rs.mu.Unlock()
	for _, pu := range existing {
		ctl.reply(p, pu)
	}
}

func (ctl *Controller) handleLeave(p *peer) {
	roomID := p.joined()
	if roomID == "" {
		return
	}
	p.setJoined("")
	if rs, ok := ctl.Hub.room(roomID); ok && rs.leave(p.connID) {
		rs.broadcast(p.connID, protocol.RoomLeft{RoomID: roomID, ConnectionID: p.connID})
	}
	ctl.reply(p, protocol.RoomLeft{RoomID: roomID})
}

func (ctl *Controller) handlePresence(p *peer, m protocol.UpdatePresence) {
	roomID := p.joined()
	if roomID == "" {
		return
	}
	p.setPresence(m.Presence)
	if rs, ok := ctl.Hub.room(roomID); ok {
		rs.broadcast(p.connID, protocol.PresenceUpdated{ConnectionID: p.connID, Presence: m.Presence})
	}
}

// handleStorage relays the operation batch to everyone, the sender
// included. Clients suppress echoes of their own pending operations by id.
func (ctl *Controller) handleStorage(p *peer, m protocol.UpdateStorage) {
	roomID := p.joined()
	if roomID == "" {
		return
	}
	if rs, ok := ctl.Hub.room(roomID); ok {
		rs.broadcast(0, protocol.StorageUpdated{Operations: m.Operations})
	}
}

func (ctl *Controller) handleBroadcast(p *peer, m protocol.BroadcastEvent) {
	roomID := p.joined()
	if roomID == "" {
		return
	}
	if rs, ok := ctl.Hub.room(roomID); ok {
		rs.broadcast(p.connID, protocol.EventBroadcasted{Event: m.Event, Data: m.Data, ConnectionID: p.connID})
	}
}

// disconnect mirrors handleLeave for sockets that drop without a
// LeaveRoom frame.
func (ctl *Controller) disconnect(p *peer) {
	roomID := p.joined()
	if roomID == "" {
		return
	}
	p.setJoined("")
	if rs, ok := ctl.Hub.room(roomID); ok && rs.leave(p.connID) {
		rs.broadcast(p.connID, protocol.RoomLeft{RoomID: roomID, ConnectionID: p.connID})
	}
}

func (ctl *Controller) reply(p *peer, msg protocol.ServerMessage) {
	frame, err := protocol.EncodeServer(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("reply encode failed")
		return
	}
	if err := p.trySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "server.ws").Int64("conn", p.connID).Msg("reply dropped")
	}
}
