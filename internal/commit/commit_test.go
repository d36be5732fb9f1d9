package commit

import (
	"context"
	"testing"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/metrics"
	"github.com/klingon-exchange/klingvault/internal/record"
)

type memStore struct {
	data map[address.Key][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[address.Key][]byte)} }

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

type fakeOutbound struct {
	triggered []address.Key
}

func (o *fakeOutbound) TriggerReplication(key address.Key, kind record.Kind) {
	o.triggered = append(o.triggered, key)
}

type fakePublisher struct {
	stored []address.Key
}

func (p *fakePublisher) ChunkStored(key address.Key) {
	p.stored = append(p.stored, key)
}

type fakeSink struct {
	recorded []metrics.Marker
}

func (s *fakeSink) Record(m metrics.Marker) {
	s.recorded = append(s.recorded, m)
}

func TestPutChunkStoresAndPublishesAndReplicates(t *testing.T) {
	store := newMemStore()
	outbound := &fakeOutbound{}
	pub := &fakePublisher{}
	sink := &fakeSink{}

	content := []byte("chunk payload")
	key := address.ChunkKey(content)

	err := Put(context.Background(), store, outbound, pub, sink, key, record.KindChunk, content, TargetChunk, true)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, ok, _ := store.GetLocal(context.Background(), key); !ok {
		t.Fatalf("record not found in store after Put")
	}
	if len(pub.stored) != 1 || pub.stored[0] != key {
		t.Fatalf("ChunkStored not published correctly: %v", pub.stored)
	}
	if len(outbound.triggered) != 1 {
		t.Fatalf("replication not triggered: %v", outbound.triggered)
	}
	if len(sink.recorded) != 1 || sink.recorded[0] != metrics.MarkerChunkStored {
		t.Fatalf("metric not recorded correctly: %v", sink.recorded)
	}
}

func TestPutNonChunkDoesNotPublish(t *testing.T) {
	store := newMemStore()
	outbound := &fakeOutbound{}
	pub := &fakePublisher{}
	sink := &fakeSink{}

	key := address.ChunkKey([]byte("register"))
	err := Put(context.Background(), store, outbound, pub, sink, key, record.KindRegister, "register payload", TargetNonChunk, false)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if len(pub.stored) != 0 {
		t.Fatalf("expected no ChunkStored event for a register, got %v", pub.stored)
	}
	if len(outbound.triggered) != 0 {
		t.Fatalf("expected no replication trigger when triggerReplication=false")
	}
	if len(sink.recorded) != 1 || sink.recorded[0] != metrics.MarkerRegisterStored {
		t.Fatalf("metric not recorded correctly: %v", sink.recorded)
	}
}
