// Package recstore is the local record store: the external collaborator
// that owns on-disk persistence of DHT records. The PUT core only calls
// through the Store interface; framing, validation and merge policy live
// upstream of it.
package recstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/klingvault/internal/address"
)

// Store is the interface the PUT core depends on. A production node backs
// it with sqlite (below); tests back it with an in-memory map.
type Store interface {
	IsPresentLocally(ctx context.Context, key address.Key) (bool, error)
	GetLocal(ctx context.Context, key address.Key) ([]byte, bool, error)
	PutLocal(ctx context.Context, key address.Key, value []byte) error
}

// SQLiteStore persists records in a single-writer sqlite database, adapted
// from internal/storage/storage.go's WAL-mode, single-connection pattern.
type SQLiteStore struct {
	db *sql.DB
}

// Config configures the on-disk record store.
type Config struct {
	DataDir string
}

// Open creates (or reopens) the sqlite-backed record store.
func Open(cfg Config) (*SQLiteStore, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("recstore: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "records.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("recstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recstore: ping database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recstore: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS records (
		record_key TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) IsPresentLocally(ctx context.Context, key address.Key) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM records WHERE record_key = ?`, key.Hex()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) GetLocal(ctx context.Context, key address.Key) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE record_key = ?`, key.Hex()).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) PutLocal(ctx context.Context, key address.Key, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (record_key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(record_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key.Hex(), value, time.Now().Unix())
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
