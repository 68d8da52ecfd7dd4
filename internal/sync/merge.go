package sync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/syncclient"
)

// Resolver reconciles server versions with the local store. All methods run
// inside a caller-supplied transaction.
type Resolver struct {
	store *db.DB
}

// NewResolver creates a resolver bound to store.
func NewResolver(store *db.DB) *Resolver {
	return &Resolver{store: store}
}

// decodeRemote turns a wire record into an entity carrying the server's meta.
func decodeRemote(kind models.EntityType, rec *syncclient.RecordResponse) (models.Entity, error) {
	e, err := models.DecodeEntity(kind, rec.Record)
	if err != nil {
		return nil, err
	}
	m := e.Base()
	sid := rec.ServerID
	m.ServerID = &sid
	m.IsActive = rec.IsActive
	m.UpdatedAt = rec.UpdatedAt.UTC()
	m.LocalID = 0
	return e, nil
}

// findLocal locates the local copy of rec: first by server id, then by the
// local id hint when the record was created on this device and the
// candidate is not already bound to another server id.
func (r *Resolver) findLocal(ctx context.Context, tx *sql.Tx, kind models.EntityType, rec *syncclient.RecordResponse) (models.Entity, error) {
	e, err := db.FindByServerIDTx(ctx, tx, kind, rec.ServerID)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	if rec.LocalID <= 0 || rec.DeviceID != r.store.DeviceID() {
		return nil, nil
	}
	e, err = db.GetTx(ctx, tx, kind, rec.LocalID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sid := e.Base().ServerID; sid != nil && *sid != rec.ServerID {
		return nil, nil
	}
	return e, nil
}

// MergeTx applies one pulled record. Merging the same record twice leaves
// the store as after the first merge.
func (r *Resolver) MergeTx(ctx context.Context, tx *sql.Tx, kind models.EntityType, rec *syncclient.RecordResponse) (Outcome, error) {
	remote, err := decodeRemote(kind, rec)
	if err != nil {
		return OutcomeUnchanged, err
	}
	local, err := r.findLocal(ctx, tx, kind, rec)
	if err != nil {
		return OutcomeUnchanged, err
	}

	if !rec.IsActive {
		if local == nil {
			return OutcomeIgnored, nil
		}
		if err := db.DeleteTx(ctx, tx, kind, local.Base().LocalID); err != nil {
			return OutcomeUnchanged, err
		}
		return OutcomeRemoved, nil
	}

	ownDevice := rec.DeviceID != "" && rec.DeviceID == r.store.DeviceID()
	if err := db.LocalizeRefsTx(ctx, tx, remote, ownDevice); err != nil {
		return OutcomeUnchanged, err
	}

	if local == nil {
		id, err := db.NextLocalIDTx(ctx, tx, kind)
		if err != nil {
			return OutcomeUnchanged, err
		}
		remote.Base().LocalID = id
		if err := db.PutTx(ctx, tx, remote); err != nil {
			return OutcomeUnchanged, err
		}
		return OutcomeInserted, nil
	}

	lm := local.Base()
	pending, err := db.HasPendingTx(ctx, tx, kind, lm.LocalID)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if pending {
		// Local edits not yet acknowledged win until their ack arrives.
		if lm.ServerID == nil {
			sid := rec.ServerID
			lm.ServerID = &sid
			if err := db.PutTx(ctx, tx, local); err != nil {
				return OutcomeUnchanged, err
			}
		}
		if err := r.recordConflict(ctx, tx, local, rec); err != nil {
			return OutcomeUnchanged, err
		}
		return OutcomeConflict, nil
	}

	remote.Base().LocalID = lm.LocalID
	if same, err := sameRecord(local, remote); err != nil {
		return OutcomeUnchanged, err
	} else if same {
		return OutcomeUnchanged, nil
	}
	if err := db.PutTx(ctx, tx, remote); err != nil {
		return OutcomeUnchanged, err
	}
	return OutcomeUpdated, nil
}

// ApplyAckTx consumes a backend acknowledgment for item: the item leaves the
// queue and the local record adopts its server identity. The canonical field
// values are adopted only when no later mutation of the record is queued.
func (r *Resolver) ApplyAckTx(ctx context.Context, tx *sql.Tx, item db.QueueItem, ack *syncclient.RecordResponse) (Outcome, error) {
	if err := db.DequeueTx(ctx, tx, item.ID); err != nil {
		return OutcomeUnchanged, err
	}

	local, err := db.GetTx(ctx, tx, item.EntityType, item.LocalID)
	if errors.Is(err, db.ErrNotFound) {
		// Removed locally meanwhile; never resurrect it.
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeUnchanged, err
	}
	lm := local.Base()

	if item.Op == models.OpDelete || !ack.IsActive {
		if err := db.DeleteTx(ctx, tx, item.EntityType, lm.LocalID); err != nil {
			return OutcomeUnchanged, err
		}
		return OutcomeRemoved, nil
	}

	// A pull may already have inserted the server copy under a fresh local id.
	dup, err := db.FindByServerIDTx(ctx, tx, item.EntityType, ack.ServerID)
	switch {
	case err == nil && dup.Base().LocalID != lm.LocalID:
		if err := db.DeleteTx(ctx, tx, item.EntityType, dup.Base().LocalID); err != nil {
			return OutcomeUnchanged, err
		}
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return OutcomeUnchanged, err
	}

	pending, err := db.HasPendingTx(ctx, tx, item.EntityType, lm.LocalID)
	if err != nil {
		return OutcomeUnchanged, err
	}
	if pending || len(ack.Record) == 0 {
		sid := ack.ServerID
		lm.ServerID = &sid
		if err := db.PutTx(ctx, tx, local); err != nil {
			return OutcomeUnchanged, err
		}
		return OutcomeUpdated, nil
	}

	canonical, err := decodeRemote(item.EntityType, ack)
	if err != nil {
		return OutcomeUnchanged, err
	}
	canonical.Base().LocalID = lm.LocalID
	canonical.Base().IsActive = lm.IsActive
	if err := db.LocalizeRefsTx(ctx, tx, canonical, true); err != nil {
		return OutcomeUnchanged, err
	}
	if err := db.PutTx(ctx, tx, canonical); err != nil {
		return OutcomeUnchanged, err
	}
	return OutcomeUpdated, nil
}

func (r *Resolver) recordConflict(ctx context.Context, tx *sql.Tx, local models.Entity, rec *syncclient.RecordResponse) error {
	localData, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("marshal local %s: %w", local.Kind(), err)
	}
	sid := rec.ServerID
	return db.RecordConflictTx(ctx, tx, db.SyncConflict{
		EntityType: local.Kind(),
		LocalID:    local.Base().LocalID,
		ServerID:   &sid,
		LocalData:  string(localData),
		RemoteData: string(rec.Record),
		RecordedAt: r.store.Now(),
	})
}

func sameRecord(a, b models.Entity) (bool, error) {
	ab, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
