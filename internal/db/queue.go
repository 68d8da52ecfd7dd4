package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/oklog/ulid/v2"
)

// QueueItem is one local mutation awaiting backend acknowledgment.
// Payload is a snapshot of the entity taken when the mutation was made.
type QueueItem struct {
	ID            int64
	MutationID    string
	EntityType    models.EntityType
	LocalID       int64
	Op            models.Op
	Payload       models.Entity
	EnqueuedAt    time.Time
	Attempts      int
	LastError     string
	LastAttemptAt *time.Time
}

// enqueueTx appends a mutation at the tail of the queue.
func enqueueTx(ctx context.Context, tx *sql.Tx, op models.Op, e models.Entity, at time.Time) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_queue (mutation_id, entity_type, local_id, op, payload, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), string(e.Kind()), e.Base().LocalID, string(op), string(payload), formatTime(at))
	if err != nil {
		return fmt.Errorf("enqueue %s %s/%d: %w", op, e.Kind(), e.Base().LocalID, err)
	}
	return nil
}

// Pending returns every queued mutation in enqueue order.
func (db *DB) Pending(ctx context.Context) ([]QueueItem, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, mutation_id, entity_type, local_id, op, payload, enqueued_at,
		       attempts, last_error, last_attempt_at
		FROM sync_queue
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var (
			it          QueueItem
			kind, op    string
			payload     string
			enqueuedAt  string
			lastAttempt sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.MutationID, &kind, &it.LocalID, &op, &payload,
			&enqueuedAt, &it.Attempts, &it.LastError, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		it.EntityType = models.EntityType(kind)
		it.Op = models.Op(op)

		// The payload must decode; a row we cannot read is still pending, so
		// surface the error instead of skipping it.
		if it.Payload, err = models.DecodeEntity(it.EntityType, []byte(payload)); err != nil {
			return nil, fmt.Errorf("queue item %d: %w", it.ID, err)
		}
		if it.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, fmt.Errorf("queue item %d: %w", it.ID, err)
		}
		if lastAttempt.Valid {
			ts, err := parseTime(lastAttempt.String)
			if err != nil {
				return nil, fmt.Errorf("queue item %d: %w", it.ID, err)
			}
			it.LastAttemptAt = &ts
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// DequeueTx removes an acknowledged queue item.
func DequeueTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dequeue %d: %w", id, err)
	}
	return nil
}

// HasPendingTx reports whether any mutation of the record is still queued.
func HasPendingTx(ctx context.Context, tx *sql.Tx, kind models.EntityType, localID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND local_id = ?`,
		string(kind), localID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending %s/%d: %w", kind, localID, err)
	}
	return n > 0, nil
}

// CreateQueued reports whether the create of kind/localID is still waiting
// for its acknowledgment.
func (db *DB) CreateQueued(ctx context.Context, kind models.EntityType, localID int64) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE entity_type = ? AND local_id = ? AND op = ?`,
		string(kind), localID, string(models.OpCreate)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check queued create %s/%d: %w", kind, localID, err)
	}
	return n > 0, nil
}

// RecordAttempt bumps the attempt counter of an item that failed to push.
// The item stays queued.
func (db *DB) RecordAttempt(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET attempts = attempts + 1, last_error = ?, last_attempt_at = ? WHERE id = ?`,
			msg, formatTime(db.Now()), id)
		if err != nil {
			return fmt.Errorf("record attempt %d: %w", id, err)
		}
		return nil
	})
}

// CountPending returns the number of queued mutations.
func (db *DB) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	return n, err
}
