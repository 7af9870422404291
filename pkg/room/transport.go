package room

import (
	"context"
	"encoding/json"

	"github.com/liveroom/liveroom/pkg/protocol"
)

// Transport is the slice of the transport client a room drives. The room
// owns connection policy (when to dial, reconnect, tear down); the
// transport owns the physical sockets and the snapshot side channel.
type Transport interface {
	// ConnectRoom opens the streaming connection for roomID. Calling it
	// again after a close must not leak the previous handle.
	ConnectRoom(ctx context.Context, roomID string) error

	// Send writes one client message on roomID's streaming connection.
	Send(roomID string, msg protocol.ClientMessage) error

	// FetchStorage retrieves the full storage snapshot over the
	// request/response side channel.
	FetchStorage(ctx context.Context, roomID string) (json.RawMessage, error)

	// CloseRoom tears down roomID's streaming connection, if any.
	CloseRoom(roomID string)
}

// Handle is the transport-facing side of a room. The transport client
// routes inbound traffic through it without knowing the room's type
// parameters.
type Handle interface {
	ID() string
	HandleServerMessage(msg protocol.ServerMessage)
	TransportClosed(err error)
	Connect()
	Disconnect()
}
