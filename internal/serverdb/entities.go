package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Kadem9/caissefacile/internal/models"
)

// MaxFetchLimit caps one page of Fetch.
const MaxFetchLimit = 1000

var (
	// ErrInvalidRecord wraps payloads that fail to decode or validate.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrRecordNotFound is returned for updates and deletes of unknown records.
	ErrRecordNotFound = errors.New("record not found")
	// ErrInvalidMutation is returned for malformed mutation envelopes.
	ErrInvalidMutation = errors.New("invalid mutation")
)

// Record is the canonical copy of one entity.
type Record struct {
	ServerID   int64
	EntityType models.EntityType
	DeviceID   string
	LocalID    int64
	IsActive   bool
	UpdatedAt  time.Time
	Seq        int64
	Data       json.RawMessage
}

// Mutation is one change submitted by a terminal.
type Mutation struct {
	MutationID string
	DeviceID   string
	Op         models.Op
	LocalID    int64
	ServerID   *int64
	Data       json.RawMessage
}

// SubmitResult is the outcome of applying a mutation.
type SubmitResult struct {
	Record *Record
	// Duplicate is set when the mutation id was applied before; Record is
	// then the current canonical state.
	Duplicate bool
}

func (m *Mutation) check() error {
	if strings.TrimSpace(m.MutationID) == "" {
		return fmt.Errorf("%w: mutation_id is required", ErrInvalidMutation)
	}
	if strings.TrimSpace(m.DeviceID) == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidMutation)
	}
	switch m.Op {
	case models.OpCreate, models.OpUpdate, models.OpDelete:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}
	if m.ServerID == nil && m.LocalID <= 0 {
		return fmt.Errorf("%w: local_id or server_id is required", ErrInvalidMutation)
	}
	return nil
}

// Submit applies a mutation. Mutation ids are applied at most once: a replay
// returns the current record with Duplicate set and changes nothing.
func (db *ServerDB) Submit(ctx context.Context, kind models.EntityType, m *Mutation) (*SubmitResult, error) {
	if !models.IsValidEntityType(kind) {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownEntityType, kind)
	}
	if err := m.check(); err != nil {
		return nil, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback()

	var seenID int64
	err = tx.QueryRowContext(ctx, `SELECT server_id FROM mutations WHERE mutation_id = ?`, m.MutationID).Scan(&seenID)
	switch {
	case err == nil:
		rec, err := getRecord(ctx, tx, `server_id = ?`, seenID)
		if err != nil {
			return nil, fmt.Errorf("load replayed record: %w", err)
		}
		return &SubmitResult{Record: rec, Duplicate: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check mutation: %w", err)
	}

	target, err := findTarget(ctx, tx, kind, m)
	if err != nil {
		return nil, err
	}

	now := db.timestamp()
	var rec *Record
	switch {
	case m.Op == models.OpDelete:
		if target == nil {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, describe(kind, m))
		}
		rec = target
		if target.IsActive {
			if rec, err = deactivate(ctx, tx, target, now); err != nil {
				return nil, err
			}
		}
	case target == nil && m.ServerID != nil:
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, describe(kind, m))
	case target != nil && !target.IsActive:
		// Removal wins over late edits.
		rec = target
	default:
		data, err := canonicalData(kind, m.Data)
		if err != nil {
			return nil, err
		}
		if target == nil {
			rec, err = insertRecord(ctx, tx, kind, m, data, now)
		} else {
			rec, err = updateRecord(ctx, tx, target, data, now)
		}
		if err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mutations (mutation_id, entity_type, server_id, device_id, op, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.MutationID, kind, rec.ServerID, m.DeviceID, m.Op, formatTime(now)); err != nil {
		return nil, fmt.Errorf("record mutation: %w", err)
	}
	if err := touchDevice(ctx, tx, m.DeviceID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}
	return &SubmitResult{Record: rec}, nil
}

// Fetch returns records of kind with seq > since in seq order, plus whether
// more remain after the page.
func (db *ServerDB) Fetch(ctx context.Context, kind models.EntityType, since int64, limit int) ([]*Record, bool, error) {
	if !models.IsValidEntityType(kind) {
		return nil, false, fmt.Errorf("%w: %q", models.ErrUnknownEntityType, kind)
	}
	if limit <= 0 || limit > MaxFetchLimit {
		limit = MaxFetchLimit
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT server_id, entity_type, device_id, local_id, is_active, updated_at, seq, data
		FROM entities WHERE entity_type = ? AND seq > ?
		ORDER BY seq LIMIT ?`, kind, since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", kind, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan %s: %w", kind, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("fetch %s: iterate: %w", kind, err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// EntityCount is a per-collection tally for admin output.
type EntityCount struct {
	EntityType models.EntityType
	Active     int64
	Inactive   int64
}

// CountEntities tallies records per collection.
func (db *ServerDB) CountEntities(ctx context.Context) ([]EntityCount, error) {
	counts := make([]EntityCount, 0, len(models.EntityTypes))
	for _, kind := range models.EntityTypes {
		c := EntityCount{EntityType: kind}
		err := db.conn.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(is_active), 0), COALESCE(SUM(1 - is_active), 0)
			FROM entities WHERE entity_type = ?`, kind).Scan(&c.Active, &c.Inactive)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", kind, err)
		}
		counts = append(counts, c)
	}
	return counts, nil
}

// Device is a terminal that has submitted mutations.
type Device struct {
	ID        string
	FirstSeen time.Time
	LastSeen  time.Time
	Mutations int64
}

// ListDevices returns known terminals, most recently seen first.
func (db *ServerDB) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT device_id, first_seen, last_seen, mutations FROM devices ORDER BY last_seen DESC, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d := &Device{}
		var first, last string
		if err := rows.Scan(&d.ID, &first, &last, &d.Mutations); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if d.FirstSeen, err = parseTime(first); err != nil {
			return nil, err
		}
		if d.LastSeen, err = parseTime(last); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func describe(kind models.EntityType, m *Mutation) string {
	if m.ServerID != nil {
		return fmt.Sprintf("%s server_id=%d", kind, *m.ServerID)
	}
	return fmt.Sprintf("%s %s/%d", kind, m.DeviceID, m.LocalID)
}

// canonicalData validates the payload and strips replica-local identity
// fields, which travel in the envelope instead.
func canonicalData(kind models.EntityType, raw json.RawMessage) ([]byte, error) {
	e, err := models.DecodeEntity(kind, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	*e.Base() = models.Meta{}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return data, nil
}

func findTarget(ctx context.Context, tx *sql.Tx, kind models.EntityType, m *Mutation) (*Record, error) {
	var (
		rec *Record
		err error
	)
	if m.ServerID != nil {
		rec, err = getRecord(ctx, tx, `server_id = ? AND entity_type = ?`, *m.ServerID, kind)
	} else {
		rec, err = getRecord(ctx, tx, `entity_type = ? AND device_id = ? AND local_id = ?`, kind, m.DeviceID, m.LocalID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", describe(kind, m), err)
	}
	return rec, nil
}

func getRecord(ctx context.Context, tx *sql.Tx, where string, args ...any) (*Record, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT server_id, entity_type, device_id, local_id, is_active, updated_at, seq, data
		FROM entities WHERE `+where, args...)
	return scanRecord(row)
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var updated, data string
	if err := row.Scan(&rec.ServerID, &rec.EntityType, &rec.DeviceID, &rec.LocalID,
		&rec.IsActive, &updated, &rec.Seq, &data); err != nil {
		return nil, err
	}
	t, err := parseTime(updated)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = t
	rec.Data = json.RawMessage(data)
	return rec, nil
}

func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE change_seq SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, kind models.EntityType, m *Mutation, data []byte, now time.Time) (*Record, error) {
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO entities (entity_type, device_id, local_id, is_active, updated_at, seq, data)
		VALUES (?, ?, ?, 1, ?, ?, ?)`,
		kind, m.DeviceID, m.LocalID, formatTime(now), seq, string(data))
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", kind, err)
	}
	return &Record{
		ServerID:   id,
		EntityType: kind,
		DeviceID:   m.DeviceID,
		LocalID:    m.LocalID,
		IsActive:   true,
		UpdatedAt:  now,
		Seq:        seq,
		Data:       data,
	}, nil
}

func updateRecord(ctx context.Context, tx *sql.Tx, target *Record, data []byte, now time.Time) (*Record, error) {
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET data = ?, updated_at = ?, seq = ? WHERE server_id = ?`,
		string(data), formatTime(now), seq, target.ServerID); err != nil {
		return nil, fmt.Errorf("update %s %d: %w", target.EntityType, target.ServerID, err)
	}
	rec := *target
	rec.Data = data
	rec.UpdatedAt = now
	rec.Seq = seq
	return &rec, nil
}

func deactivate(ctx context.Context, tx *sql.Tx, target *Record, now time.Time) (*Record, error) {
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET is_active = 0, updated_at = ?, seq = ? WHERE server_id = ?`,
		formatTime(now), seq, target.ServerID); err != nil {
		return nil, fmt.Errorf("deactivate %s %d: %w", target.EntityType, target.ServerID, err)
	}
	rec := *target
	rec.IsActive = false
	rec.UpdatedAt = now
	rec.Seq = seq
	return &rec, nil
}

func touchDevice(ctx context.Context, tx *sql.Tx, deviceID string, now time.Time) error {
	ts := formatTime(now)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO devices (device_id, first_seen, last_seen, mutations) VALUES (?, ?, ?, 1)
		ON CONFLICT(device_id) DO UPDATE SET last_seen = excluded.last_seen, mutations = mutations + 1`,
		deviceID, ts, ts)
	if err != nil {
		return fmt.Errorf("touch device %s: %w", deviceID, err)
	}
	return nil
}
