package recstore

import (
	"context"
	"testing"

	"github.com/klingon-exchange/klingvault/internal/address"
)

func TestSQLiteStorePutGetIsPresent(t *testing.T) {
	store, err := Open(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := address.ChunkKey([]byte("content"))

	present, err := store.IsPresentLocally(ctx, key)
	if err != nil {
		t.Fatalf("IsPresentLocally: %v", err)
	}
	if present {
		t.Fatalf("IsPresentLocally() = true before any PutLocal")
	}

	if err := store.PutLocal(ctx, key, []byte("value")); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}

	present, err = store.IsPresentLocally(ctx, key)
	if err != nil {
		t.Fatalf("IsPresentLocally: %v", err)
	}
	if !present {
		t.Fatalf("IsPresentLocally() = false after PutLocal")
	}

	got, ok, err := store.GetLocal(ctx, key)
	if err != nil {
		t.Fatalf("GetLocal: %v", err)
	}
	if !ok || string(got) != "value" {
		t.Fatalf("GetLocal() = (%q, %v), want (\"value\", true)", got, ok)
	}
}

func TestSQLiteStorePutLocalOverwrites(t *testing.T) {
	store, err := Open(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := address.ChunkKey([]byte("content"))

	if err := store.PutLocal(ctx, key, []byte("v1")); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}
	if err := store.PutLocal(ctx, key, []byte("v2")); err != nil {
		t.Fatalf("PutLocal (overwrite): %v", err)
	}

	got, _, err := store.GetLocal(ctx, key)
	if err != nil {
		t.Fatalf("GetLocal: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("GetLocal() = %q, want %q", got, "v2")
	}
}

func TestGetLocalMissingKey(t *testing.T) {
	store, err := Open(Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_, ok, err := store.GetLocal(context.Background(), address.ChunkKey([]byte("missing")))
	if err != nil {
		t.Fatalf("GetLocal: %v", err)
	}
	if ok {
		t.Fatalf("GetLocal() ok = true for a missing key")
	}
}
