// Package client owns the physical connections to a room server: one
// websocket per joined room plus an HTTP side channel for snapshots and
// room administration. It also acts as the session registry, enforcing at
// most one live room per identifier.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/liveroom/liveroom/pkg/protocol"
	"github.com/liveroom/liveroom/pkg/room"
)

var (
	// ErrRoomTypeMismatch is returned when EnterRoom finds an existing
	// room for the identifier instantiated with different type parameters.
	ErrRoomTypeMismatch = errors.New("client: room exists with different types")
)

// Options configures a Client. APIEndpoint is the REST base
// (e.g. http://localhost:9999/api), WSEndpoint the streaming base
// (e.g. ws://localhost:9999/ws/room).
type Options struct {
	APIEndpoint string
	WSEndpoint  string
	AuthToken   string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// SendBuffer is the per-connection outbound queue size.
	SendBuffer int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// Client is caller-owned; construct it explicitly and pass it to every
// component that needs it. There is no ambient singleton.
type Client struct {
	opts   Options
	httpc  *http.Client
	dialer *websocket.Dialer

	mu    sync.Mutex
	rooms map[string]room.Handle
	conns map[string]*wsConn
}

// New builds a Client from opts, filling defaults.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Client{
		opts:   opts,
		httpc:  opts.HTTPClient,
		dialer: opts.Dialer,
		rooms:  make(map[string]room.Handle),
		conns:  make(map[string]*wsConn),
	}
}

// EnterRoom returns the room for roomID, creating and connecting it on
// first entry. A second enter for the same identifier returns the same
// instance and ignores cfg, so there is never more than one live room
// state per id. The returned leave function disconnects the room and
// removes it from the registry.
func EnterRoom[P, PO, S, SO any](c *Client, roomID string, cfg room.Config[P, PO, S, SO]) (*room.Room[P, PO, S, SO], func(), error) {
	c.mu.Lock()
	if h, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		r, ok := h.(*room.Room[P, PO, S, SO])
		if !ok {
			return nil, nil, ErrRoomTypeMismatch
		}
		r.Connect()
		return r, c.leaveFunc(roomID, r), nil
	}

	r, err := room.New(c, roomID, cfg)
	if err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}
	c.rooms[roomID] = r
	c.mu.Unlock()

	log.Info().Str("module", "client").Str("room", roomID).Msg("entered room")
	r.Connect()
	return r, c.leaveFunc(roomID, r), nil
}

// GetRoom looks up an existing room; it never creates one.
func GetRoom[P, PO, S, SO any](c *Client, roomID string) (*room.Room[P, PO, S, SO], bool) {
	c.mu.Lock()
	h, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	r, ok := h.(*room.Room[P, PO, S, SO])
	return r, ok
}

func (c *Client) leaveFunc(roomID string, h room.Handle) func() {
	return func() {
		c.mu.Lock()
		if cur, ok := c.rooms[roomID]; ok && cur == h {
			delete(c.rooms, roomID)
		}
		c.mu.Unlock()
		h.Disconnect()
		log.Info().Str("module", "client").Str("room", roomID).Msg("left room")
	}
}

// Close disconnects every room and drops all connections.
func (c *Client) Close() {
	c.mu.Lock()
	handles := make([]room.Handle, 0, len(c.rooms))
	for _, h := range c.rooms {
		handles = append(handles, h)
	}
	c.rooms = make(map[string]room.Handle)
	c.mu.Unlock()

	for _, h := range handles {
		h.Disconnect()
	}

	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*wsConn)
	c.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
}

func (c *Client) handleFor(roomID string) (room.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.rooms[roomID]
	return h, ok
}

// ConnectRoom implements room.Transport. Opening a connection for a room
// that already has one replaces it; the previous handle is closed, never
// leaked.
func (c *Client) ConnectRoom(ctx context.Context, roomID string) error {
	ws, _, err := c.dialer.DialContext(ctx, c.opts.WSEndpoint+"/"+roomID, c.wsHeaders())
	if err != nil {
		return err
	}

	conn := &wsConn{
		roomID: roomID,
		ws:     ws,
		send:   make(chan []byte, c.opts.SendBuffer),
	}

	c.mu.Lock()
	prev := c.conns[roomID]
	c.conns[roomID] = conn
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go c.writePump(conn)
	go c.readPump(conn)
	return nil
}

// Send implements room.Transport.
func (c *Client) Send(roomID string, msg protocol.ClientMessage) error {
	c.mu.Lock()
	conn, ok := c.conns[roomID]
	c.mu.Unlock()
	if !ok {
		return errors.New("client: no connection for room " + roomID)
	}
	frame, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	return conn.trySend(frame)
}

// CloseRoom implements room.Transport.
func (c *Client) CloseRoom(roomID string) {
	c.mu.Lock()
	conn, ok := c.conns[roomID]
	if ok {
		delete(c.conns, roomID)
	}
	c.mu.Unlock()
	if ok {
		conn.close()
	}
}

// dropConn clears the registry entry for conn if it is still current.
// Returns false when a newer connection already replaced it, in which
// case the owning room must not be told anything.
func (c *Client) dropConn(conn *wsConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[conn.roomID] == conn {
		delete(c.conns, conn.roomID)
		return true
	}
	return false
}
