// Package serverdb is the storage layer of the caisse-sync reference backend.
package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Kadem9/caissefacile/internal/serverdb/migrations"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// pragmas applied to file databases before migrating.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// ServerDB holds the backend's records, change log and API keys.
type ServerDB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a throwaway database.
func Open(path string) (*ServerDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", strings.TrimPrefix(p, "PRAGMA "), err)
		}
	}
	return New(conn)
}

// New migrates conn and wraps it. Only one connection is ever open, so
// change sequence numbers are allocated serially.
func New(conn *sql.DB) (*ServerDB, error) {
	conn.SetMaxOpenConns(1)
	if err := migrate(context.Background(), conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &ServerDB{conn: conn, now: time.Now}, nil
}

func migrate(ctx context.Context, conn *sql.DB) error {
	p, err := goose.NewProvider(goose.DialectSQLite3, conn, migrations.FS)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Ping reports whether the database answers.
func (db *ServerDB) Ping() error {
	return db.conn.Ping()
}

// Close folds the WAL back into the main file and closes the database.
func (db *ServerDB) Close() error {
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// SetClock swaps the time source.
func (db *ServerDB) SetClock(now func() time.Time) {
	db.now = now
}

func (db *ServerDB) timestamp() time.Time {
	return db.now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// newID returns prefix followed by a lowercase ULID, so ids sort by creation.
func newID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}
