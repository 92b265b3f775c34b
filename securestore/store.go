// Package securestore is a small encrypted key/value blob store. Values are
// sealed with AES-256-GCM before they are written to a SQLite database; the
// key lives in a 0600 file next to the database.
package securestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get and Delete for keys that were never set.
var ErrNotFound = errors.New("securestore: key not found")

const schema = `
	CREATE TABLE IF NOT EXISTS secure_items (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

const upsertSQL = `
	INSERT INTO secure_items (key, value, updated_at)
	VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = CURRENT_TIMESTAMP`

const busyTimeout = 5 * time.Second

// Store is safe for concurrent use.
type Store struct {
	db  *sql.DB
	key []byte
}

// DefaultPath returns the default database location.
func DefaultPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, "voicelink", "store.db"), nil
}

// Open opens (creating if needed) the store at path. A key file is created on
// first use; an existing database with sealed values but no key is refused
// because its contents could never be read again.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("securestore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := prepare(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	keyPath := KeyPath(path)
	key, err := loadKey(keyPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	if key == nil {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM secure_items`).Scan(&count); err != nil {
			db.Close()
			return nil, fmt.Errorf("securestore: count items: %w", err)
		}
		if count > 0 {
			db.Close()
			return nil, fmt.Errorf("securestore: key %s is missing but %d sealed values exist", keyPath, count)
		}
		if key, err = createKey(keyPath); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{db: db, key: key}, nil
}

// OpenWithKey opens a store using a caller-provided key. Used by tests and by
// callers that keep the key elsewhere.
func OpenWithKey(ctx context.Context, dsn string, key []byte) (*Store, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("securestore: key must be %d bytes, got %d", KeySize, len(key))
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("securestore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := prepare(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, key: key}, nil
}

func prepare(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(busyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("securestore: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("securestore: apply schema: %w", err)
	}
	return nil
}

// Get returns the decrypted value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secure_items WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("securestore: get %q: %w", key, err)
	}
	value, err := open(s.key, raw)
	if err != nil {
		return nil, fmt.Errorf("securestore: get %q: %w", key, err)
	}
	return value, nil
}

// Set seals value and stores it under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := seal(s.key, value)
	if err != nil {
		return fmt.Errorf("securestore: seal %q: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx, upsertSQL, key, sealed); err != nil {
		return fmt.Errorf("securestore: set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secure_items WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("securestore: delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("securestore: delete %q: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
