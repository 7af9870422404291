package server

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var errBackpressure = errors.New("server: backpressure")

// peer is one connected client socket plus its last reported presence.
type peer struct {
	connID int64
	ws     *websocket.Conn
	send   chan []byte

	mu       sync.Mutex
	closed   bool
	pres     json.RawMessage
	joinedTo string
}

func (p *peer) trySend(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("server: connection closed")
	}
	select {
	case p.send <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.send)
	p.mu.Unlock()
	_ = p.ws.Close()
}

func (p *peer) setPresence(raw json.RawMessage) {
	p.mu.Lock()
	p.pres = raw
	p.mu.Unlock()
}

func (p *peer) presence() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pres
}

func (p *peer) setJoined(roomID string) {
	p.mu.Lock()
	p.joinedTo = roomID
	p.mu.Unlock()
}

func (p *peer) joined() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joinedTo
}
