package room

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/liveroom/liveroom/pkg/protocol"
)

// loadStorage fetches the snapshot over the side channel. Failure is
// fail-open: the room still reports StorageSynchronized so callers are
// never stuck loading; they observe a nil or default document instead.
func (r *Room[P, PO, S, SO]) loadStorage(ctx context.Context) {
	r.mu.Lock()
	r.setSyncStatusLocked(StorageLoading)
	r.mu.Unlock()
	r.flush()

	raw, err := r.transport.FetchStorage(ctx, r.id)
	if ctx.Err() != nil {
		// The room was torn down while the fetch was in flight; a late
		// response must not resurrect it.
		return
	}

	r.mu.Lock()
	if err != nil {
		log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("storage fetch failed")
	} else {
		var snap S
		if uerr := json.Unmarshal(raw, &snap); uerr != nil {
			log.Error().Err(uerr).Str("module", "room").Str("room", r.id).Msg("storage snapshot decode failed")
		} else {
			// Deltas that raced the fetch replay on top of the snapshot.
			for _, op := range r.pendingDeltas {
				snap = r.cfg.ApplyStorage(snap, op)
			}
			r.storage = &snap
			r.markDirty(topicStorage)
		}
	}
	r.pendingDeltas = nil
	r.setSyncStatusLocked(StorageSynchronized)
	r.mu.Unlock()
	r.flush()
}

// StorageSnapshot returns a copy of the last known storage document, or
// nil before the first successful load.
func (r *Room[P, PO, S, SO]) StorageSnapshot() *S {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storage == nil {
		return nil
	}
	s := *r.storage
	return &s
}

// UpdateStorage applies ops to the local snapshot immediately, then sends
// them upstream if connected. Each operation is tagged with a generated id
// so the server echo is recognized and not applied twice. When not
// connected the local edit stands but nothing is queued for retransmission.
func (r *Room[P, PO, S, SO]) UpdateStorage(ops ...SO) {
	if len(ops) == 0 {
		return
	}
	r.mu.Lock()
	if r.storage == nil {
		var zero S
		r.storage = &zero
	}
	wire := make([]protocol.Operation, 0, len(ops))
	for _, op := range ops {
		body, err := json.Marshal(op)
		if err != nil {
			log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("storage op encode failed")
			continue
		}
		*r.storage = r.cfg.ApplyStorage(*r.storage, op)
		wire = append(wire, protocol.Operation{OpID: uuid.NewString(), Body: body})
	}
	r.markDirty(topicStorage)
	connected := r.status == StatusConnected
	if connected && len(wire) > 0 {
		for _, w := range wire {
			r.pendingOps[w.OpID] = struct{}{}
		}
		r.setSyncStatusLocked(StorageSynchronizing)
	}
	r.mu.Unlock()
	r.flush()

	if connected && len(wire) > 0 {
		if err := r.transport.Send(r.id, protocol.UpdateStorage{Operations: wire}); err != nil {
			log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("storage update send failed")
		}
	}
}

// handleStorageUpdate applies an inbound batch to the retained snapshot,
// in array order, and publishes on the storage topic once for the whole
// batch. Echoes of operations this client originated are skipped.
func (r *Room[P, PO, S, SO]) handleStorageUpdate(ops []protocol.Operation) {
	r.mu.Lock()
	applied := false
	for _, op := range ops {
		if op.OpID != "" {
			if _, mine := r.pendingOps[op.OpID]; mine {
				delete(r.pendingOps, op.OpID)
				continue
			}
		}
		var so SO
		if err := json.Unmarshal(op.Body, &so); err != nil {
			log.Error().Err(err).Str("module", "room").Str("room", r.id).Msg("storage op decode failed")
			continue
		}
		if r.storageStatus == StorageLoading {
			r.pendingDeltas = append(r.pendingDeltas, so)
			continue
		}
		if r.storage == nil {
			var zero S
			r.storage = &zero
		}
		*r.storage = r.cfg.ApplyStorage(*r.storage, so)
		applied = true
	}
	if applied {
		r.markDirty(topicStorage)
	}
	if r.storageStatus == StorageSynchronizing && len(r.pendingOps) == 0 {
		r.setSyncStatusLocked(StorageSynchronized)
	}
	r.mu.Unlock()
	r.flush()
}
