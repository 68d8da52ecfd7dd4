package serverdb

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	apiKeyPrefix = "cs_live_"
	keyLength    = 32
)

// ErrKeyNotFound is returned when revoking an unknown key.
var ErrKeyNotFound = errors.New("api key not found")

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// APIKey is a stored terminal credential (without the plaintext secret).
type APIKey struct {
	ID         string
	KeyPrefix  string
	Name       string
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// GenerateAPIKey stores a new named key and returns its plaintext. Only a
// hash is kept, so the plaintext cannot be shown again.
func (db *ServerDB) GenerateAPIKey(ctx context.Context, name string, expiresAt *time.Time) (string, *APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, errors.New("api key name is required")
	}
	secret, err := randomSecret(keyLength)
	if err != nil {
		return "", nil, fmt.Errorf("generate random key: %w", err)
	}
	ak := &APIKey{
		ID:        newID("ak_"),
		KeyPrefix: secret[:8],
		Name:      name,
		ExpiresAt: expiresAt,
		CreatedAt: db.timestamp(),
	}
	plaintext := apiKeyPrefix + secret

	var expires sql.NullString
	if expiresAt != nil {
		expires = sql.NullString{String: formatTime(*expiresAt), Valid: true}
	}
	if _, err := db.conn.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, name, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ak.ID, hashKey(plaintext), ak.KeyPrefix, ak.Name, expires, formatTime(ak.CreatedAt),
	); err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}
	return plaintext, ak, nil
}

// randomSecret draws n base62 characters, rejecting bytes that would bias
// the distribution.
func randomSecret(n int) (string, error) {
	const limit = 256 - 256%len(base62Chars)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit || len(out) == n {
				continue
			}
			out = append(out, base62Chars[int(b)%len(base62Chars)])
		}
	}
	return string(out), nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey checks a plaintext key against stored hashes. It returns nil
// without error for unknown or expired keys.
func (db *ServerDB) VerifyAPIKey(ctx context.Context, plaintextKey string) (*APIKey, error) {
	keyHash := hashKey(plaintextKey)

	ak, err := scanAPIKey(db.conn.QueryRowContext(ctx,
		`SELECT id, key_prefix, name, expires_at, last_used_at, created_at FROM api_keys WHERE key_hash = ?`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("api key not found", "key_hash_prefix", keyHash[:8])
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify api key: %w", err)
	}

	now := db.timestamp()
	if ak.ExpiresAt != nil && ak.ExpiresAt.Before(now) {
		slog.Debug("api key expired", "key_id", ak.ID, "expires_at", ak.ExpiresAt)
		return nil, nil
	}

	if _, err := db.conn.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(now), ak.ID); err != nil {
		slog.Warn("update last_used_at", "key_id", ak.ID, "err", err)
	}
	ak.LastUsedAt = &now
	return ak, nil
}

// RevokeAPIKey deletes a key by id.
func (db *ServerDB) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return nil
}

// ListAPIKeys returns all keys (without secrets) in creation order.
func (db *ServerDB) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, key_prefix, name, expires_at, last_used_at, created_at FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		ak, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, ak)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: iterate: %w", err)
	}
	return keys, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	ak := &APIKey{}
	var expires, lastUsed sql.NullString
	var created string
	if err := row.Scan(&ak.ID, &ak.KeyPrefix, &ak.Name, &expires, &lastUsed, &created); err != nil {
		return nil, err
	}
	var err error
	if ak.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if ak.ExpiresAt, err = parseNullTime(expires); err != nil {
		return nil, err
	}
	if ak.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, err
	}
	return ak, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
