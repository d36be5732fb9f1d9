// Package peerstore persists known peer addresses across restarts, so a
// node can reconnect to the swarm it already knew about instead of relying
// solely on bootstrap peers and mDNS/rendezvous discovery from a cold start.
package peerstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed table of peers this node has seen.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Record describes a peer this node has connected to or learned about.
type Record struct {
	PeerID          string
	Addresses       []string
	FirstSeen       time.Time
	LastSeen        time.Time
	LastConnected   time.Time
	ConnectionCount int
	IsBootstrap     bool
}

// Open opens (creating if necessary) the peer database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("peerstore: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "peers.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("peerstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("peerstore: ping database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("peerstore: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS peers (
			peer_id TEXT PRIMARY KEY,
			addresses TEXT,
			first_seen INTEGER,
			last_seen INTEGER,
			last_connected INTEGER,
			connection_count INTEGER DEFAULT 0,
			is_bootstrap INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);
	`)
	return err
}

// Upsert records a peer sighting, incrementing its connection count and
// updating last_seen/last_connected.
func (s *Store) Upsert(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrsJSON, err := json.Marshal(rec.Addresses)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO peers (peer_id, addresses, first_seen, last_seen, last_connected, connection_count, is_bootstrap)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			last_seen = excluded.last_seen,
			last_connected = CASE WHEN excluded.last_connected > 0 THEN excluded.last_connected ELSE peers.last_connected END,
			connection_count = peers.connection_count + 1,
			is_bootstrap = CASE WHEN excluded.is_bootstrap THEN 1 ELSE peers.is_bootstrap END
	`,
		rec.PeerID,
		string(addrsJSON),
		rec.FirstSeen.Unix(),
		rec.LastSeen.Unix(),
		unixOrZero(rec.LastConnected),
		rec.ConnectionCount+1,
		boolToInt(rec.IsBootstrap),
	)
	return err
}

// RecentPeers returns peers seen within the given window, most-connected
// first, used to seed dial attempts alongside configured bootstrap peers.
func (s *Store) RecentPeers(since time.Duration, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-since).Unix()
	query := `
		SELECT peer_id, addresses, first_seen, last_seen, last_connected, connection_count, is_bootstrap
		FROM peers
		WHERE last_seen > ?
		ORDER BY connection_count DESC, last_seen DESC
	`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the total number of known peers.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM peers").Scan(&n)
	return n, err
}

// Forget removes a peer, used when a peer is found to be permanently gone
// (e.g. its address no longer resolves after repeated dial failures).
func (s *Store) Forget(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM peers WHERE peer_id = ?", peerID)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var rec Record
	var addrsJSON string
	var firstSeen, lastSeen, lastConnected int64
	var isBootstrap int

	if err := row.Scan(
		&rec.PeerID,
		&addrsJSON,
		&firstSeen,
		&lastSeen,
		&lastConnected,
		&rec.ConnectionCount,
		&isBootstrap,
	); err != nil {
		return nil, err
	}

	if addrsJSON != "" {
		json.Unmarshal([]byte(addrsJSON), &rec.Addresses)
	}
	rec.FirstSeen = time.Unix(firstSeen, 0)
	rec.LastSeen = time.Unix(lastSeen, 0)
	if lastConnected > 0 {
		rec.LastConnected = time.Unix(lastConnected, 0)
	}
	rec.IsBootstrap = isBootstrap == 1
	return &rec, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
