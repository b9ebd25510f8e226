package kv

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a sqlite-backed collection of buckets sharing one database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and ensures the
// kv schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_store (
			bucket     TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Bucket returns a bucket view over the store.
func (s *Store) Bucket(name string) *SQLiteBucket {
	return &SQLiteBucket{db: s.db, name: name}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SQLiteBucket is a persistent bucket backed by sqlite.
type SQLiteBucket struct {
	db   *sql.DB
	name string
}

// Name returns the bucket name.
func (b *SQLiteBucket) Name() string {
	return b.name
}

// Get retrieves a value by key.
func (b *SQLiteBucket) Get(key string) (string, bool, error) {
	var value string
	err := b.db.QueryRow(`
		SELECT value FROM kv_store WHERE bucket = ? AND key = ?
	`, b.name, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", b.name, key, err)
	}
	return value, true, nil
}

// Store saves a value, overwriting any previous one.
func (b *SQLiteBucket) Store(key, value string) error {
	_, err := b.db.Exec(`
		INSERT INTO kv_store (bucket, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, b.name, key, value, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("store %s/%s: %w", b.name, key, err)
	}
	return nil
}

// Delete removes a key and returns the value it held. The read and the
// delete run in one transaction so concurrent fetch-and-clear calls
// cannot both observe the value.
func (b *SQLiteBucket) Delete(key string) (string, bool, error) {
	tx, err := b.db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("delete %s/%s: %w", b.name, key, err)
	}
	defer tx.Rollback()

	var value string
	err = tx.QueryRow(`
		SELECT value FROM kv_store WHERE bucket = ? AND key = ?
	`, b.name, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("delete %s/%s: %w", b.name, key, err)
	}

	if _, err := tx.Exec(`
		DELETE FROM kv_store WHERE bucket = ? AND key = ?
	`, b.name, key); err != nil {
		return "", false, fmt.Errorf("delete %s/%s: %w", b.name, key, err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("delete %s/%s: %w", b.name, key, err)
	}
	return value, true, nil
}
