package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/liveroom/liveroom/pkg/protocol"
)

// The HTTP side channel: request/response, distinct from the streaming
// connection. No ordering is guaranteed between the two.

// FetchStorage implements room.Transport: it retrieves the full storage
// snapshot for roomID.
func (c *Client) FetchStorage(ctx context.Context, roomID string) (json.RawMessage, error) {
	var resp protocol.StorageResponse
	if err := c.doJSON(ctx, http.MethodGet, "/rooms/"+roomID+"/storage", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// UpdateStorageSnapshot replaces the server-held storage document.
func (c *Client) UpdateStorageSnapshot(ctx context.Context, roomID string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	return c.doJSON(ctx, http.MethodPatch, "/rooms/"+roomID+"/storage", body, nil)
}

// FetchRoomList returns the server's view of every room.
func (c *Client) FetchRoomList(ctx context.Context) ([]protocol.RoomInfo, error) {
	var resp protocol.ListRoomsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// CreateRoom provisions roomID with the given participant capacity.
func (c *Client) CreateRoom(ctx context.Context, roomID string, capacity int) error {
	body, err := json.Marshal(protocol.CreateRoomRequest{Capacity: capacity})
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/rooms/"+roomID, body, nil)
}

// DeleteRoom removes roomID server-side.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/rooms/"+roomID, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.APIEndpoint+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) wsHeaders() http.Header {
	if c.opts.AuthToken == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.opts.AuthToken)
	return h
}
