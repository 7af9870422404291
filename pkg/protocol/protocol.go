// Package protocol defines the wire messages exchanged between a room
// client and the room server. Frames are JSON objects tagged by a "type"
// string with a "data" payload. Client and server messages are closed sum
// types; the decode boundary matches exhaustively and reports unknown tags
// through ErrUnknownMessage so callers can skip them without failing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessage marks a frame whose type tag is not recognized.
	// Receivers must treat it as ignorable, never fatal.
	ErrUnknownMessage = errors.New("unknown message type")
)

// Operation is one application-defined storage mutation. Body is opaque to
// the engine; OpID is a client-generated id used to recognize the server
// echoing back an operation this client originated.
type Operation struct {
	OpID string          `json:"op_id,omitempty"`
	Body json.RawMessage `json:"body"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ClientMessage is a message sent from a client to the server.
type ClientMessage interface {
	clientTag() string
}

// ServerMessage is a message sent from the server to a client.
type ServerMessage interface {
	serverTag() string
}

// Client -> server variants.

type JoinRoom struct {
	RoomID string `json:"room_id"`
}

type LeaveRoom struct{}

type UpdatePresence struct {
	// Presence carries the application's presence operation verbatim.
	Presence json.RawMessage `json:"presence"`
}

type UpdateStorage struct {
	Operations []Operation `json:"operations"`
}

// BroadcastEvent carries an arbitrary application message to the other
// participants of the room.
type BroadcastEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (JoinRoom) clientTag() string       { return "JoinRoom" }
func (LeaveRoom) clientTag() string      { return "LeaveRoom" }
func (UpdatePresence) clientTag() string { return "UpdatePresence" }
func (UpdateStorage) clientTag() string  { return "UpdateStorage" }
func (BroadcastEvent) clientTag() string { return "BroadcastEvent" }

// Server -> client variants.

type RoomJoined struct {
	RoomID string `json:"room_id"`
	// ConnectionID is the server-assigned id for this socket.
	ConnectionID int64 `json:"connection_id,omitempty"`
}

type RoomLeft struct {
	RoomID string `json:"room_id"`
	// ConnectionID identifies which participant left, when the server
	// announces a peer's departure to the rest of the room.
	ConnectionID int64 `json:"connection_id,omitempty"`
}

type StorageUpdated struct {
	Operations []Operation `json:"operations"`
}

type PresenceUpdated struct {
	ConnectionID int64           `json:"connectionId"`
	Presence     json.RawMessage `json:"presence"`
	Info         json.RawMessage `json:"info,omitempty"`
}

type RoomCreated struct {
	RoomID string `json:"room_id"`
}

type RoomDeleted struct {
	RoomID string `json:"room_id"`
}

// EventBroadcasted relays another participant's BroadcastEvent.
type EventBroadcasted struct {
	Event        string          `json:"event"`
	Data         json.RawMessage `json:"data,omitempty"`
	ConnectionID int64           `json:"connectionId"`
}

func (RoomJoined) serverTag() string      { return "RoomJoined" }
func (RoomLeft) serverTag() string        { return "RoomLeft" }
func (StorageUpdated) serverTag() string  { return "StorageUpdated" }
func (PresenceUpdated) serverTag() string { return "PresenceUpdated" }
func (RoomCreated) serverTag() string     { return "RoomCreated" }
func (RoomDeleted) serverTag() string     { return "RoomDeleted" }

func (EventBroadcasted) serverTag() string { return "EventBroadcasted" }

// EncodeClient marshals a client message into a tagged frame.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	return encode(msg.clientTag(), msg)
}

// EncodeServer marshals a server message into a tagged frame.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	return encode(msg.serverTag(), msg)
}

func encode(tag string, msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", tag, err)
	}
	return json.Marshal(envelope{Type: tag, Data: data})
}

// DecodeClient parses a frame received by the server.
func DecodeClient(frame []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case "JoinRoom":
		return decodeData[JoinRoom](env)
	case "LeaveRoom":
		return decodeData[LeaveRoom](env)
	case "UpdatePresence":
		return decodeData[UpdatePresence](env)
	case "UpdateStorage":
		return decodeData[UpdateStorage](env)
	case "BroadcastEvent":
		return decodeData[BroadcastEvent](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// DecodeServer parses a frame received by a client.
func DecodeServer(frame []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case "RoomJoined":
		return decodeData[RoomJoined](env)
	case "RoomLeft":
		return decodeData[RoomLeft](env)
	case "StorageUpdated":
		return decodeData[StorageUpdated](env)
	case "PresenceUpdated":
		return decodeData[PresenceUpdated](env)
	case "RoomCreated":
		return decodeData[RoomCreated](env)
	case "RoomDeleted":
		return decodeData[RoomDeleted](env)
	case "EventBroadcasted":
		return decodeData[EventBroadcasted](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func decodeData[T any](env envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s data: %w", env.Type, err)
	}
	return v, nil
}
