package client

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/liveroom/liveroom/pkg/protocol"
)

var errBackpressure = errors.New("client: send buffer full")

// wsConn is one streaming connection. The write pump owns the socket for
// writes; the read pump owns it for reads.
type wsConn struct {
	roomID string
	ws     *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) trySend(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("client: connection closed")
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.ws.Close()
}

func (c *Client) writePump(conn *wsConn) {
	for frame := range conn.send {
		if err := conn.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			log.Error().Err(err).Str("module", "client").Str("room", conn.roomID).Msg("write deadline")
			return
		}
		if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Error().Err(err).Str("module", "client").Str("room", conn.roomID).Msg("write failed")
			return
		}
	}
}

// readPump decodes inbound frames and routes them to the owning room.
// Malformed frames are logged and dropped; unknown message types are
// skipped silently for forward compatibility. The transport never decides
// reconnection, it only reports the close to the room.
func (c *Client) readPump(conn *wsConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			conn.close()
			if c.dropConn(conn) {
				if h, ok := c.handleFor(conn.roomID); ok {
					h.TransportClosed(err)
				}
			}
			return
		}

		msg, derr := protocol.DecodeServer(data)
		if derr != nil {
			if errors.Is(derr, protocol.ErrUnknownMessage) {
				log.Debug().Str("module", "client").Str("room", conn.roomID).Msg("skipping unknown message type")
			} else {
				log.Error().Err(derr).Str("module", "client").Str("room", conn.roomID).Msg("bad frame dropped")
			}
			continue
		}

		if h, ok := c.handleFor(conn.roomID); ok {
			h.HandleServerMessage(msg)
		}
	}
}
