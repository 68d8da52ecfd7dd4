package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Kadem9/caissefacile/internal/db/migrations"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const (
	dataDir = ".caisse"
	dbFile  = ".caisse/caisse.db"
)

var (
	// ErrNotInitialized is returned by Open when no store exists yet.
	ErrNotInitialized = errors.New("terminal not initialized: run 'caisse init' first")
	// ErrNotFound is returned when a record is absent from the active collection.
	ErrNotFound = errors.New("record not found")
	// ErrSyncBusy is returned by LockSync when another process is mid-cycle.
	ErrSyncBusy = errors.New("another caisse process is syncing")
)

// DB wraps the local store connection
type DB struct {
	conn     *sql.DB
	baseDir  string
	deviceID string
	now      func() time.Time
}

// Open opens an existing store and runs any pending migrations
func Open(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, ErrNotInitialized
	}
	return open(baseDir, dbPath)
}

// Initialize creates the store if needed and runs migrations
func Initialize(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return open(baseDir, dbPath)
}

func open(baseDir, dbPath string) (*DB, error) {
	// busy_timeout goes in the DSN so every pooled connection gets it
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers unblocked while a sync cycle writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	// Every mutation must survive a power cut at the register
	conn.Exec("PRAGMA synchronous=FULL")

	if err := runMigrations(context.Background(), baseDir, conn); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn, baseDir: baseDir, now: time.Now}
	if db.deviceID, err = db.ensureDeviceID(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// runMigrations applies the embedded goose migrations under the write lock,
// so two caisse processes starting together do not both migrate.
func runMigrations(ctx context.Context, baseDir string, conn *sql.DB) error {
	p, err := goose.NewProvider(goose.DialectSQLite3, conn, migrations.FS)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	l := newStoreLock(baseDir)
	if err := l.lock(ctx, lockWait); err != nil {
		return err
	}
	defer l.unlock()
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// ensureDeviceID returns the persisted device id, creating one on first open.
// Local ids are only unique per device, so the backend uses this to scope
// echoed local id hints.
func (db *DB) ensureDeviceID() (string, error) {
	var id string
	err := db.conn.QueryRow(`SELECT device_id FROM sync_state WHERE id = 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id = uuid.New().String()
	if _, err := db.conn.Exec(`INSERT INTO sync_state (id, device_id) VALUES (1, ?)`, id); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	return id, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// BaseDir returns the directory holding the .caisse data dir
func (db *DB) BaseDir() string {
	return db.baseDir
}

// DeviceID returns this terminal's persistent device id
func (db *DB) DeviceID() string {
	return db.deviceID
}

// Conn returns the underlying *sql.DB connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// SetClock replaces the time source used for updated_at and queue timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Now returns the store clock's current time in UTC.
func (db *DB) Now() time.Time {
	return db.now().UTC()
}

// withWriteLock runs fn while holding the store lock shared by the CLI and
// the daemon.
func (db *DB) withWriteLock(ctx context.Context, fn func() error) error {
	l := newStoreLock(db.baseDir)
	if err := l.lock(ctx, lockWait); err != nil {
		return err
	}
	defer l.unlock()
	return fn()
}

// LockSync takes the cross-process sync lock and returns its release func.
// Without wait it fails at once with ErrSyncBusy when the lock is held;
// with wait it blocks until the lock frees up or ctx is done.
func (db *DB) LockSync(ctx context.Context, wait bool) (func(), error) {
	l := newSyncLock(db.baseDir)
	d := time.Duration(0)
	if wait {
		d = -1
	}
	if err := l.lock(ctx, d); err != nil {
		if errors.Is(err, errLockHeld) {
			return nil, fmt.Errorf("%w (%v)", ErrSyncBusy, err)
		}
		return nil, err
	}
	return l.unlock, nil
}

// WithTx runs fn in a single write transaction under the write lock.
// Either everything fn wrote is committed or nothing is.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.withWriteLock(ctx, func() error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime tries the formats the store writes and the ones SQLite defaults produce.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
