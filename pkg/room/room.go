// Package room implements the client-side state machine for one
// collaboration room: connection status, the presence of self and other
// participants, the shared storage snapshot, and typed change
// notifications. A room drives a Transport but never owns sockets.
//
// All mutable state is guarded by one mutex per room, held only for the
// duration of a single state transition and never across a transport call.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/liveroom/liveroom/pkg/events"
	"github.com/liveroom/liveroom/pkg/protocol"
)

var (
	// ErrNotConnected is returned by Mutate when the room is not connected
	// or has no storage/self to expose yet.
	ErrNotConnected = errors.New("room: not connected")
)

// User is one participant as seen from this client. Info is opaque
// application metadata supplied by the server, if any.
type User[P any] struct {
	ConnectionID int64           `json:"connectionId"`
	Presence     P               `json:"presence"`
	Info         json.RawMessage `json:"info,omitempty"`
}

// Config wires the application's types into a room.
//
// P is the presence value, PO a presence operation, S the storage document
// and SO a storage operation. ApplyPresence and ApplyStorage are pure
// reducers; the room never diffs whole documents.
type Config[P, PO, S, SO any] struct {
	InitialPresence P
	InitialStorage  *S

	ApplyPresence func(P, PO) P
	ApplyStorage  func(S, SO) S

	// DialTimeout bounds connection establishment. Defaults to 10s.
	DialTimeout time.Duration
	// BackoffBase and BackoffCap shape the reconnect schedule.
	// Defaults: 250ms base, 30s cap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

type topic uint8

const (
	topicStatus topic = 1 << iota
	topicStorageStatus
	topicPresence
	topicSelf
	topicOthers
	topicStorage
)

// Room is the unit applications interact with. Create one through the
// client's EnterRoom, not directly.
type Room[P, PO, S, SO any] struct {
	id        string
	transport Transport
	cfg       Config[P, PO, S, SO]
	boff      backoff

	mu            sync.Mutex
	status        Status
	storageStatus StorageStatus
	presence      P
	self          *User[P]
	others        []User[P]
	storage       *S

	// pendingOps holds ids of locally-originated storage operations whose
	// server echo has not been seen yet.
	pendingOps map[string]struct{}
	// pendingDeltas buffers inbound operations that arrive while the
	// snapshot fetch is in flight; they are replayed on top of it.
	pendingDeltas []SO

	batching bool
	dirty    topic

	ctx      context.Context
	cancel   context.CancelFunc
	redialup bool

	statusE        *events.Emitter[Status]
	storageStatusE *events.Emitter[StorageStatus]
	presenceE      *events.Emitter[P]
	selfE          *events.Emitter[User[P]]
	othersE        *events.Emitter[[]User[P]]
	storageE       *events.Emitter[S]
	customE        *events.Keyed[json.RawMessage]
}

// New builds a room in StatusInitial. Both reducers are required.
func New[P, PO, S, SO any](t Transport, id string, cfg Config[P, PO, S, SO]) (*Room[P, PO, S, SO], error) {
	if t == nil {
		return nil, errors.New("room: nil transport")
	}
	if cfg.ApplyPresence == nil || cfg.ApplyStorage == nil {
		return nil, errors.New("room: ApplyPresence and ApplyStorage are required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	r := &Room[P, PO, S, SO]{
		id:             id,
		transport:      t,
		cfg:            cfg,
		boff:           backoff{base: cfg.BackoffBase, cap: cfg.BackoffCap},
		status:         StatusInitial,
		storageStatus:  StorageLoading,
		presence:       cfg.InitialPresence,
		pendingOps:     make(map[string]struct{}),
		statusE:        events.NewEmitter[Status](),
		storageStatusE: events.NewEmitter[StorageStatus](),
		presenceE:      events.NewEmitter[P](),
		selfE:          events.NewEmitter[User[P]](),
		othersE:        events.NewEmitter[[]User[P]](),
		storageE:       events.NewEmitter[S](),
		customE:        events.NewKeyed[json.RawMessage](),
	}
	if cfg.InitialStorage != nil {
		s := *cfg.InitialStorage
		r.storage = &s
	}
	return r, nil
}

// ID returns the room identifier.
func (r *Room[P, PO, S, SO]) ID() string { return r.id }

// Connect opens the room's connection. It is a no-op unless the room is
// in StatusInitial or StatusDisconnected, which prevents duplicate sockets.
func (r *Room[P, PO, S, SO]) Connect() {
	r.mu.Lock()
	if r.status != StatusInitial && r.status != StatusDisconnected {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.ctx, r.cancel = ctx, cancel
	r.setStatusLocked(StatusConnecting)
	// Provisional id from the local clock; replaced by the server-assigned
	// one carried on RoomJoined.
	r.self = &User[P]{ConnectionID: time.Now().UnixMilli(), Presence: r.presence}
	r.markDirty(topicSelf)
	r.mu.Unlock()
	r.flush()

	go r.dial(ctx)
}

func (r *Room[P, PO, S, SO]) dial(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	err := r.transport.ConnectRoom(dctx, r.id)
	cancel()

	r.mu.Lock()
	if ctx.Err() != nil {
		// Torn down while dialing.
		r.mu.Unlock()
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("connect failed")
		r.setStatusLocked(StatusDisconnected)
		r.mu.Unlock()
		r.flush()
		return
	}
	r.setStatusLocked(StatusConnected)
	r.mu.Unlock()
	r.flush()

	r.afterOpen(ctx)
}

// afterOpen announces this client on a fresh connection and kicks off the
// snapshot load.
func (r *Room[P, PO, S, SO]) afterOpen(ctx context.Context) {
	if err := r.transport.Send(r.id, protocol.JoinRoom{RoomID: r.id}); err != nil {
		log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("join send failed")
	}
	r.mu.Lock()
	presence := r.presence
	r.mu.Unlock()
	if body, err := json.Marshal(presence); err == nil {
		_ = r.transport.Send(r.id, protocol.UpdatePresence{Presence: body})
	}
	go r.loadStorage(ctx)
}

// Disconnect closes the connection, cancels any in-flight snapshot fetch
// and reconnect loop, and moves the room to StatusDisconnected. The room
// may be reused with a later Connect.
func (r *Room[P, PO, S, SO]) Disconnect() {
	r.mu.Lock()
	if r.status == StatusInitial || r.status == StatusDisconnected {
		r.mu.Unlock()
		return
	}
	wasConnected := r.status == StatusConnected
	if r.cancel != nil {
		r.cancel()
	}
	r.setStatusLocked(StatusDisconnected)
	r.clearSessionLocked()
	r.mu.Unlock()

	if wasConnected {
		_ = r.transport.Send(r.id, protocol.LeaveRoom{})
	}
	r.transport.CloseRoom(r.id)
	r.flush()
}

// Reconnect is disconnect followed by connect.
func (r *Room[P, PO, S, SO]) Reconnect() {
	r.Disconnect()
	r.Connect()
}

// TransportClosed is invoked by the transport when the streaming
// connection drops, locally or remotely. Reconnection policy lives here,
// not in the transport.
func (r *Room[P, PO, S, SO]) TransportClosed(err error) {
	r.mu.Lock()
	switch r.status {
	case StatusConnected:
		if err != nil {
			log.Warn().Err(err).Str("module", "room").Str("room", r.id).Msg("connection lost")
		}
		r.setStatusLocked(StatusReconnecting)
		r.clearSessionLocked()
		if !r.redialup {
			r.redialup = true
			ctx := r.ctx
			r.mu.Unlock()
			r.flush()
			go r.redial(ctx)
			return
		}
	case StatusConnecting:
		r.setStatusLocked(StatusDisconnected)
	default:
		// Already reconnecting or deliberately closed.
	}
	r.mu.Unlock()
	r.flush()
}

func (r *Room[P, PO, S, SO]) redial(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			r.releaseRedial()
			return
		case <-time.After(r.boff.delay(attempt)):
		}

		dctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
		err := r.transport.ConnectRoom(dctx, r.id)
		cancel()
		if ctx.Err() != nil {
			r.releaseRedial()
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "room").Str("room", r.id).Int("attempt", attempt+1).Msg("reconnect failed")
			continue
		}

		r.mu.Lock()
		if r.status != StatusReconnecting {
			r.redialup = false
			r.mu.Unlock()
			return
		}
		r.setStatusLocked(StatusConnected)
		// Release the redial slot before afterOpen so a drop during the
		// handshake can claim it and spawn a fresh loop.
		r.redialup = false
		r.mu.Unlock()
		r.flush()
		r.afterOpen(ctx)
		return
	}
}

func (r *Room[P, PO, S, SO]) releaseRedial() {
	r.mu.Lock()
	r.redialup = false
	r.mu.Unlock()
}

// clearSessionLocked drops state that only holds within one connection:
// the replicated presence of others and the ids of unacknowledged
// operations. A later join replay repopulates others from scratch.
func (r *Room[P, PO, S, SO]) clearSessionLocked() {
	if len(r.others) > 0 {
		r.others = nil
		r.markDirty(topicOthers)
	}
	r.pendingOps = make(map[string]struct{})
	r.pendingDeltas = nil
}

// Status returns the current connection status.
func (r *Room[P, PO, S, SO]) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SyncStatus returns the current storage synchronization status.
func (r *Room[P, PO, S, SO]) SyncStatus() StorageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storageStatus
}

// Batch runs fn and coalesces the notifications it triggers into a single
// publish round per topic afterwards. Nested batches flush once, at the
// outermost level.
func (r *Room[P, PO, S, SO]) Batch(fn func()) {
	r.mu.Lock()
	nested := r.batching
	r.batching = true
	r.mu.Unlock()

	fn()

	if !nested {
		r.mu.Lock()
		r.batching = false
		r.mu.Unlock()
		r.flush()
	}
}

func (r *Room[P, PO, S, SO]) setStatusLocked(s Status) {
	if r.status == s {
		return
	}
	log.Debug().Str("module", "room").Str("room", r.id).Str("from", r.status.String()).Str("to", s.String()).Msg("status")
	r.status = s
	r.markDirty(topicStatus)
}

func (r *Room[P, PO, S, SO]) setSyncStatusLocked(s StorageStatus) {
	if r.storageStatus == s {
		return
	}
	r.storageStatus = s
	r.markDirty(topicStorageStatus)
}

func (r *Room[P, PO, S, SO]) markDirty(t topic) {
	r.dirty |= t
}

// flush publishes every dirty topic. Values are captured under the lock
// and delivered outside it so handlers may call back into the room.
func (r *Room[P, PO, S, SO]) flush() {
	r.mu.Lock()
	if r.batching || r.dirty == 0 {
		r.mu.Unlock()
		return
	}
	d := r.dirty
	r.dirty = 0
	status := r.status
	syncStatus := r.storageStatus
	presence := r.presence
	var self User[P]
	hasSelf := r.self != nil
	if hasSelf {
		self = *r.self
	}
	others := slices.Clone(r.others)
	var snap *S
	if r.storage != nil {
		s := *r.storage
		snap = &s
	}
	r.mu.Unlock()

	if d&topicStatus != 0 {
		r.statusE.Publish(status)
	}
	if d&topicStorageStatus != 0 {
		r.storageStatusE.Publish(syncStatus)
	}
	if d&topicPresence != 0 {
		r.presenceE.Publish(presence)
	}
	if d&topicSelf != 0 && hasSelf {
		r.selfE.Publish(self)
	}
	if d&topicOthers != 0 {
		r.othersE.Publish(others)
	}
	if d&topicStorage != 0 && snap != nil {
		r.storageE.Publish(*snap)
	}
}
