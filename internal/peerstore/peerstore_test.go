package peerstore

import (
	"testing"
	"time"
)

func TestUpsertAndRecentPeers(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	rec := &Record{
		PeerID:    "12D3KooWtest",
		Addresses: []string{"/ip4/127.0.0.1/tcp/4001"},
		FirstSeen: now,
		LastSeen:  now,
	}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	peers, err := s.RecentPeers(time.Hour, 10)
	if err != nil {
		t.Fatalf("RecentPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].PeerID != rec.PeerID {
		t.Fatalf("RecentPeers() = %+v, want one record for %s", peers, rec.PeerID)
	}
	if len(peers[0].Addresses) != 1 || peers[0].Addresses[0] != rec.Addresses[0] {
		t.Fatalf("RecentPeers() addresses = %v, want %v", peers[0].Addresses, rec.Addresses)
	}
}

func TestUpsertIncrementsConnectionCount(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rec := &Record{PeerID: "peer-a", FirstSeen: time.Now(), LastSeen: time.Now()}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert (second): %v", err)
	}

	peers, err := s.RecentPeers(time.Hour, 0)
	if err != nil {
		t.Fatalf("RecentPeers: %v", err)
	}
	if len(peers) != 1 || peers[0].ConnectionCount != 2 {
		t.Fatalf("RecentPeers() = %+v, want connection_count 2", peers)
	}
}

func TestForgetRemovesPeer(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	rec := &Record{PeerID: "peer-b", FirstSeen: time.Now(), LastSeen: time.Now()}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Forget(rec.PeerID); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("Count() = %d, want 0 after Forget", n)
	}
}
