package protocol

import "encoding/json"

// Request/response bodies for the HTTP side channel. These mirror the room
// server's REST surface; storage and presences stay opaque JSON.

type StorageResponse struct {
	Data json.RawMessage `json:"data"`
}

type RoomInfo struct {
	RoomID          string            `json:"room_id"`
	ClientPresences []json.RawMessage `json:"client_presences"`
	ClientIDs       []int64           `json:"client_ids"`
	Storage         json.RawMessage   `json:"storage"`
	SubscriberCount int               `json:"subscriber_count"`
}

type ListRoomsResponse struct {
	Rooms []RoomInfo `json:"rooms"`
}

type CreateRoomRequest struct {
	Capacity int `json:"capacity"`
}
