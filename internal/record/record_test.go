package record

import (
	"context"
	"errors"
	"testing"

	"github.com/klingon-exchange/klingvault/internal/address"
)

type memStore struct {
	data map[address.Key][]byte
}

func newMemStore() *memStore { return &memStore{data: map[address.Key][]byte{}} }

func (s *memStore) IsPresentLocally(ctx context.Context, key address.Key) (bool, error) {
	_, ok := s.data[key]
	return ok, nil
}

func (s *memStore) GetLocal(ctx context.Context, key address.Key) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) PutLocal(ctx context.Context, key address.Key, value []byte) error {
	s.data[key] = value
	return nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct {
		Content []byte
	}
	want := payload{Content: []byte("hello world")}

	v, err := Encode(KindChunk, want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	kind, err := Header(v)
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if kind != KindChunk {
		t.Fatalf("Header() = %v, want %v", kind, KindChunk)
	}

	got, err := Decode[payload](v)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Content) != string(want.Content) {
		t.Fatalf("Decode() = %+v, want %+v", got, want)
	}
}

func TestHeaderRejectsUnknownKind(t *testing.T) {
	v, err := Encode(Kind(200), struct{}{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Header(v); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Header() error = %v, want %v", err, ErrUnknownKind)
	}
}

func TestValidateKeyAndExistence(t *testing.T) {
	store := newMemStore()
	key := address.ChunkKey([]byte("content"))

	exists, err := ValidateKeyAndExistence(context.Background(), store, key, key)
	if err != nil {
		t.Fatalf("ValidateKeyAndExistence: %v", err)
	}
	if exists {
		t.Fatalf("ValidateKeyAndExistence() exists = true, want false before storing")
	}

	if err := store.PutLocal(context.Background(), key, []byte("v")); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}

	exists, err = ValidateKeyAndExistence(context.Background(), store, key, key)
	if err != nil {
		t.Fatalf("ValidateKeyAndExistence: %v", err)
	}
	if !exists {
		t.Fatalf("ValidateKeyAndExistence() exists = false, want true after storing")
	}
}

func TestValidateKeyAndExistenceRejectsMismatch(t *testing.T) {
	store := newMemStore()
	claimed := address.ChunkKey([]byte("claimed"))
	derived := address.ChunkKey([]byte("derived"))

	if _, err := ValidateKeyAndExistence(context.Background(), store, claimed, derived); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("ValidateKeyAndExistence() error = %v, want %v", err, ErrKeyMismatch)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindChunk:               "Chunk",
		KindChunkWithPayment:    "ChunkWithPayment",
		KindRegister:            "Register",
		KindRegisterWithPayment: "RegisterWithPayment",
		KindSpend:               "Spend",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
