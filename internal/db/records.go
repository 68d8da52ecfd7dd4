package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kadem9/caissefacile/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `local_id, server_id, is_active, updated_at, data`

// scanRecord decodes one records row into its concrete entity type.
// The identity columns win over whatever meta the JSON carries.
func scanRecord(kind models.EntityType, scan func(dest ...any) error) (models.Entity, error) {
	var (
		localID   int64
		serverID  sql.NullInt64
		isActive  int
		updatedAt string
		data      string
	)
	if err := scan(&localID, &serverID, &isActive, &updatedAt, &data); err != nil {
		return nil, err
	}

	e, err := models.DecodeEntity(kind, []byte(data))
	if err != nil {
		return nil, err
	}
	ts, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("%s/%d: %w", kind, localID, err)
	}

	m := e.Base()
	m.LocalID = localID
	m.ServerID = nil
	if serverID.Valid {
		sid := serverID.Int64
		m.ServerID = &sid
	}
	m.IsActive = isActive != 0
	m.UpdatedAt = ts
	return e, nil
}

func getRecord(ctx context.Context, q querier, kind models.EntityType, localID int64) (models.Entity, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND local_id = ?`,
		string(kind), localID)
	e, err := scanRecord(kind, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, kind, localID)
	}
	return e, err
}

// GetTx loads a record by local id, including records pending removal.
func GetTx(ctx context.Context, tx *sql.Tx, kind models.EntityType, localID int64) (models.Entity, error) {
	return getRecord(ctx, tx, kind, localID)
}

// FindByServerIDTx loads the record the backend knows as serverID.
func FindByServerIDTx(ctx context.Context, tx *sql.Tx, kind models.EntityType, serverID int64) (models.Entity, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND server_id = ?`,
		string(kind), serverID)
	e, err := scanRecord(kind, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s server_id=%d", ErrNotFound, kind, serverID)
	}
	return e, err
}

// ServerIDTx returns the server id of a local record, or nil when it is
// unsynced or gone.
func ServerIDTx(ctx context.Context, tx *sql.Tx, kind models.EntityType, localID int64) (*int64, error) {
	return serverIDOf(ctx, tx, kind, localID)
}

// LocalIDTx maps a server id to the local id, or 0 when unknown locally.
func LocalIDTx(ctx context.Context, tx *sql.Tx, kind models.EntityType, serverID int64) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT local_id FROM records WHERE entity_type = ? AND server_id = ?`,
		string(kind), serverID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup local id %s server_id=%d: %w", kind, serverID, err)
	}
	return id, nil
}

// NextLocalIDTx allocates the next local id for kind. Ids are never reused.
func NextLocalIDTx(ctx context.Context, tx *sql.Tx, kind models.EntityType) (int64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO local_sequences (entity_type, last_id) VALUES (?, 1)
		 ON CONFLICT(entity_type) DO UPDATE SET last_id = last_id + 1`,
		string(kind))
	if err != nil {
		return 0, fmt.Errorf("allocate local id for %s: %w", kind, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_id FROM local_sequences WHERE entity_type = ?`, string(kind)).Scan(&id); err != nil {
		return 0, fmt.Errorf("read local id for %s: %w", kind, err)
	}
	return id, nil
}

// PutTx writes the whole record, replacing any previous version.
func PutTx(ctx context.Context, tx *sql.Tx, e models.Entity) error {
	m := e.Base()
	if m.LocalID <= 0 {
		return fmt.Errorf("put %s: missing local id", e.Kind())
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s/%d: %w", e.Kind(), m.LocalID, err)
	}

	var serverID any
	if m.ServerID != nil {
		serverID = *m.ServerID
	}
	active := 0
	if m.IsActive {
		active = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (entity_type, local_id, server_id, is_active, updated_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_type, local_id) DO UPDATE SET
		   server_id = excluded.server_id,
		   is_active = excluded.is_active,
		   updated_at = excluded.updated_at,
		   data = excluded.data`,
		string(e.Kind()), m.LocalID, serverID, active, formatTime(m.UpdatedAt), string(data))
	if err != nil {
		return fmt.Errorf("put %s/%d: %w", e.Kind(), m.LocalID, err)
	}
	return nil
}

// DeleteTx physically removes a record. Missing records are not an error.
func DeleteTx(ctx context.Context, tx *sql.Tx, kind models.EntityType, localID int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE entity_type = ? AND local_id = ?`, string(kind), localID); err != nil {
		return fmt.Errorf("delete %s/%d: %w", kind, localID, err)
	}
	return nil
}

// Get returns an active record by local id.
func (db *DB) Get(ctx context.Context, kind models.EntityType, localID int64) (models.Entity, error) {
	e, err := getRecord(ctx, db.conn, kind, localID)
	if err != nil {
		return nil, err
	}
	if !e.Base().IsActive {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, kind, localID)
	}
	return e, nil
}

// List returns the active collection for kind, ordered by local id.
func (db *DB) List(ctx context.Context, kind models.EntityType) ([]models.Entity, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE entity_type = ? AND is_active = 1
		 ORDER BY local_id ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanRecord(kind, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListOf is List with the concrete entity type.
func ListOf[T models.Entity](ctx context.Context, db *DB, kind models.EntityType) ([]T, error) {
	all, err := db.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(all))
	for _, e := range all {
		t, ok := e.(T)
		if !ok {
			return nil, fmt.Errorf("list %s: unexpected record type %T", kind, e)
		}
		out = append(out, t)
	}
	return out, nil
}

// GetAs is Get with the concrete entity type.
func GetAs[T models.Entity](ctx context.Context, db *DB, kind models.EntityType, localID int64) (T, error) {
	var zero T
	e, err := db.Get(ctx, kind, localID)
	if err != nil {
		return zero, err
	}
	t, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("get %s/%d: unexpected record type %T", kind, localID, e)
	}
	return t, nil
}

// CountActive returns the size of the active collection for kind.
func (db *DB) CountActive(ctx context.Context, kind models.EntityType) (int64, error) {
	var n int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE entity_type = ? AND is_active = 1`, string(kind)).Scan(&n)
	return n, err
}

// touch stamps updated_at with the store clock.
func (db *DB) touch(e models.Entity) time.Time {
	now := db.Now()
	e.Base().UpdatedAt = now
	return now
}

// PrepareForPush fills in server ids known now but not when the mutation was
// queued: the record's own id and those of every record it references.
func (db *DB) PrepareForPush(ctx context.Context, e models.Entity) error {
	return fillServerIDs(ctx, db.conn, e)
}

func fillServerIDs(ctx context.Context, q querier, e models.Entity) error {
	m := e.Base()
	if m.ServerID == nil {
		sid, err := serverIDOf(ctx, q, e.Kind(), m.LocalID)
		if err != nil {
			return err
		}
		m.ServerID = sid
	}
	for _, ref := range models.RefsOf(e) {
		if ref.ServerID != nil || ref.LocalID == 0 {
			continue
		}
		sid, err := serverIDOf(ctx, q, ref.Type, ref.LocalID)
		if err != nil {
			return err
		}
		ref.ServerID = sid
	}
	return nil
}

func serverIDOf(ctx context.Context, q querier, kind models.EntityType, localID int64) (*int64, error) {
	var sid sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT server_id FROM records WHERE entity_type = ? AND local_id = ?`,
		string(kind), localID).Scan(&sid)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !sid.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup server id %s/%d: %w", kind, localID, err)
	}
	return &sid.Int64, nil
}

// LocalizeRefsTx rewrites refs received from the backend so their local ids
// point at this replica's records. Refs to records not known here keep only
// their server id. Local ids written by another device mean nothing here and
// are dropped unless ownDevice is set.
func LocalizeRefsTx(ctx context.Context, tx *sql.Tx, e models.Entity, ownDevice bool) error {
	for _, ref := range models.RefsOf(e) {
		if ref.ServerID == nil {
			if !ownDevice {
				ref.LocalID = 0
			}
			continue
		}
		id, err := LocalIDTx(ctx, tx, ref.Type, *ref.ServerID)
		if err != nil {
			return err
		}
		ref.LocalID = id
	}
	return nil
}
