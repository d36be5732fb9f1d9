// Package commit implements the final write-through step of the PUT path:
// serialize, store locally, mark a metric, broadcast a stored event, and
// optionally kick off outbound replication, grounded on
// put_validation.rs's store_chunk and its register/spend equivalents.
package commit

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/events"
	"github.com/klingon-exchange/klingvault/internal/metrics"
	"github.com/klingon-exchange/klingvault/internal/record"
	"github.com/klingon-exchange/klingvault/internal/recstore"
	"github.com/klingon-exchange/klingvault/internal/replication"
)

// Target distinguishes the two shapes of post-store behavior: a chunk
// commit always broadcasts ChunkStored; a register or spend commit does
// not (the original only ever broadcasts that one event type from this
// path).
type Target int

const (
	TargetChunk Target = iota
	TargetNonChunk
)

func markerFor(kind record.Kind) metrics.Marker {
	switch kind {
	case record.KindChunk, record.KindChunkWithPayment:
		return metrics.MarkerChunkStored
	case record.KindRegister, record.KindRegisterWithPayment:
		return metrics.MarkerRegisterStored
	case record.KindSpend:
		return metrics.MarkerSpendStored
	default:
		return metrics.Marker(kind.String())
	}
}

// Put serializes payload under kind, writes it through to local storage,
// records a metric, broadcasts ChunkStored for chunk targets, and
// optionally enqueues outbound replication. Replication notification is
// issued through fetcher before the store write completes is NOT required
// here (that ordering constraint belongs to the PUT router's client path,
// which calls fetcher.NotifyFetch itself before invoking Put); this
// function's own sequencing only needs to guarantee the store write lands
// before the event broadcast and metric, since other nodes must be able to
// read back a ChunkStored notification immediately.
func Put(
	ctx context.Context,
	store recstore.Store,
	outbound replication.Outbound,
	pub events.Publisher,
	sink metrics.Sink,
	key address.Key,
	kind record.Kind,
	payload any,
	target Target,
	triggerReplication bool,
) error {
	encoded, err := record.Encode(kind, payload)
	if err != nil {
		return fmt.Errorf("commit: encode %s record: %w", kind, err)
	}

	if err := store.PutLocal(ctx, key, encoded); err != nil {
		return fmt.Errorf("commit: write %s record: %w", kind, err)
	}

	sink.Record(markerFor(kind))

	if target == TargetChunk {
		pub.ChunkStored(key)
	}

	if triggerReplication {
		outbound.TriggerReplication(key, kind)
	}

	return nil
}
