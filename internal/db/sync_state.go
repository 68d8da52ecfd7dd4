package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Kadem9/caissefacile/internal/models"
)

// SyncState is the persisted part of the terminal's sync status.
type SyncState struct {
	DeviceID           string
	LastSuccessfulPull *time.Time
	Cursors            map[models.EntityType]int64
	Pending            int64
}

// GetSyncState returns device id, pull progress and queue length.
func (db *DB) GetSyncState(ctx context.Context) (*SyncState, error) {
	s := SyncState{DeviceID: db.deviceID, Cursors: map[models.EntityType]int64{}}

	var lastPull sql.NullString
	if err := db.conn.QueryRowContext(ctx,
		`SELECT last_successful_pull FROM sync_state WHERE id = 1`).Scan(&lastPull); err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	if lastPull.Valid {
		ts, err := parseTime(lastPull.String)
		if err != nil {
			return nil, err
		}
		s.LastSuccessfulPull = &ts
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT entity_type, cursor FROM pull_cursors`)
	if err != nil {
		return nil, fmt.Errorf("read pull cursors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var cur int64
		if err := rows.Scan(&kind, &cur); err != nil {
			return nil, err
		}
		s.Cursors[models.EntityType(kind)] = cur
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.Pending, err = db.CountPending(ctx); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	return &s, nil
}

// PullCursor returns the last server sequence merged for kind.
func (db *DB) PullCursor(ctx context.Context, kind models.EntityType) (int64, error) {
	var cur int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT cursor FROM pull_cursors WHERE entity_type = ?`, string(kind)).Scan(&cur)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cur, err
}

// AdvancePullTx stores the new cursors and stamps lastSuccessfulPull.
// It runs in the same transaction as the merges it covers.
func AdvancePullTx(ctx context.Context, tx *sql.Tx, cursors map[models.EntityType]int64, at time.Time) error {
	for kind, cur := range cursors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pull_cursors (entity_type, cursor) VALUES (?, ?)
			 ON CONFLICT(entity_type) DO UPDATE SET cursor = excluded.cursor`,
			string(kind), cur); err != nil {
			return fmt.Errorf("advance cursor %s: %w", kind, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_state SET last_successful_pull = ? WHERE id = 1`, formatTime(at)); err != nil {
		return fmt.Errorf("stamp last pull: %w", err)
	}
	return nil
}

// ResetPull clears cursors so the next pull fetches full state.
func (db *DB) ResetPull(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pull_cursors`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE sync_state SET last_successful_pull = NULL WHERE id = 1`)
		return err
	})
}

// SyncConflict is a server version that was not applied because the local
// record still had unacknowledged mutations.
type SyncConflict struct {
	ID         int64
	EntityType models.EntityType
	LocalID    int64
	ServerID   *int64
	LocalData  string
	RemoteData string
	RecordedAt time.Time
}

// RecordConflictTx stores a conflict row.
func RecordConflictTx(ctx context.Context, tx *sql.Tx, c SyncConflict) error {
	var sid any
	if c.ServerID != nil {
		sid = *c.ServerID
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_conflicts (entity_type, local_id, server_id, local_data, remote_data, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(c.EntityType), c.LocalID, sid, c.LocalData, c.RemoteData, formatTime(c.RecordedAt))
	if err != nil {
		return fmt.Errorf("record conflict %s/%d: %w", c.EntityType, c.LocalID, err)
	}
	return nil
}

// GetRecentConflicts returns the latest conflicts, newest first.
func (db *DB) GetRecentConflicts(ctx context.Context, limit int) ([]SyncConflict, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, entity_type, local_id, server_id, COALESCE(local_data,'null'), COALESCE(remote_data,'null'), recorded_at
		FROM sync_conflicts
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []SyncConflict
	for rows.Next() {
		var (
			c    SyncConflict
			kind string
			sid  sql.NullInt64
			ts   string
		)
		if err := rows.Scan(&c.ID, &kind, &c.LocalID, &sid, &c.LocalData, &c.RemoteData, &ts); err != nil {
			return nil, err
		}
		c.EntityType = models.EntityType(kind)
		if sid.Valid {
			v := sid.Int64
			c.ServerID = &v
		}
		if c.RecordedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
