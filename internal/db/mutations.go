package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Kadem9/caissefacile/internal/models"
)

// Batch applies optimistic mutations inside one store transaction.
// Each mutation writes the record and appends its queue item together, so a
// crash either keeps both or neither.
type Batch struct {
	db  *DB
	ctx context.Context
	tx  *sql.Tx
}

// Batch runs fn in a single transaction. If fn returns an error, no record
// is written and nothing is queued.
func (db *DB) Batch(ctx context.Context, fn func(b *Batch) error) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(&Batch{db: db, ctx: ctx, tx: tx})
	})
}

// Create assigns a fresh local id, stores e as active, and queues a create.
func (b *Batch) Create(e models.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", e.Kind(), err)
	}

	id, err := NextLocalIDTx(b.ctx, b.tx, e.Kind())
	if err != nil {
		return err
	}
	m := e.Base()
	m.LocalID = id
	m.ServerID = nil
	m.IsActive = true
	b.db.touch(e)

	if err := PutTx(b.ctx, b.tx, e); err != nil {
		return err
	}
	return enqueueTx(b.ctx, b.tx, models.OpCreate, e, m.UpdatedAt)
}

// Update replaces the fields of an active record and queues an update.
// Identity fields are taken from the stored copy, not from e.
func (b *Batch) Update(e models.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", e.Kind(), err)
	}

	cur, err := GetTx(b.ctx, b.tx, e.Kind(), e.Base().LocalID)
	if err != nil {
		return err
	}
	if !cur.Base().IsActive {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, e.Kind(), e.Base().LocalID)
	}

	m := e.Base()
	m.ServerID = cur.Base().ServerID
	m.IsActive = true
	b.db.touch(e)

	if err := PutTx(b.ctx, b.tx, e); err != nil {
		return err
	}
	return enqueueTx(b.ctx, b.tx, models.OpUpdate, e, m.UpdatedAt)
}

// Remove soft-deletes a record: it leaves the active collection at once and
// is physically dropped when the backend acknowledges the delete.
func (b *Batch) Remove(kind models.EntityType, localID int64) error {
	e, err := GetTx(b.ctx, b.tx, kind, localID)
	if err != nil {
		return err
	}
	m := e.Base()
	if !m.IsActive {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, kind, localID)
	}
	m.IsActive = false
	b.db.touch(e)

	if err := PutTx(b.ctx, b.tx, e); err != nil {
		return err
	}
	return enqueueTx(b.ctx, b.tx, models.OpDelete, e, m.UpdatedAt)
}

// Get reads a record inside the batch transaction.
func (b *Batch) Get(kind models.EntityType, localID int64) (models.Entity, error) {
	e, err := GetTx(b.ctx, b.tx, kind, localID)
	if err != nil {
		return nil, err
	}
	if !e.Base().IsActive {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, kind, localID)
	}
	return e, nil
}

// Create stores a new entity and queues it in one durable step.
func (db *DB) Create(ctx context.Context, e models.Entity) error {
	return db.Batch(ctx, func(b *Batch) error { return b.Create(e) })
}

// Update stores new field values and queues them in one durable step.
func (db *DB) Update(ctx context.Context, e models.Entity) error {
	return db.Batch(ctx, func(b *Batch) error { return b.Update(e) })
}

// Remove soft-deletes a record and queues the delete in one durable step.
func (db *DB) Remove(ctx context.Context, kind models.EntityType, localID int64) error {
	return db.Batch(ctx, func(b *Batch) error { return b.Remove(kind, localID) })
}
