package events

import (
	"testing"

	"github.com/klingon-exchange/klingvault/internal/address"
)

func TestChunkStoredEnqueuesBroadcastEvent(t *testing.T) {
	h := NewHub()
	key := address.ChunkKey([]byte("content"))

	h.ChunkStored(key)

	select {
	case ev := <-h.broadcast:
		if ev.Type != EventChunkStored {
			t.Fatalf("event type = %v, want %v", ev.Type, EventChunkStored)
		}
		data, ok := ev.Data.(ChunkStoredData)
		if !ok {
			t.Fatalf("event data = %T, want ChunkStoredData", ev.Data)
		}
		if data.Key != key {
			t.Fatalf("event key = %x, want %x", data.Key, key)
		}
	default:
		t.Fatalf("expected ChunkStored to enqueue a broadcast event")
	}
}

func TestChunkStoredDropsWhenBroadcastChannelFull(t *testing.T) {
	h := NewHub()
	key := address.ChunkKey([]byte("content"))

	for i := 0; i < cap(h.broadcast)+5; i++ {
		h.ChunkStored(key)
	}
	// Must not block or panic even once the channel saturates.
	if len(h.broadcast) != cap(h.broadcast) {
		t.Fatalf("broadcast channel length = %d, want full at %d", len(h.broadcast), cap(h.broadcast))
	}
}
