package p2pnet

// View is the narrow slice of the network the validation packages (spend,
// in particular) depend on, kept separate from the full Node type so those
// packages can be tested against a fake instead of a live libp2p host.

import "context"

// View is the network-facing collaborator the spend validator uses to
// reconcile a record against what the rest of the swarm holds.
type View interface {
	// GetRawSpends fetches every raw spend-record value the query
	// encountered at key, across however many divergent copies the DHT
	// holds (a "split record" in the face of a double spend returns more
	// than one entry). A not-found key returns (nil, nil): this is the
	// common case, not an error. Any other lookup failure is also
	// returned as (nil, err) and is non-fatal to the caller, which logs it
	// and proceeds as if no network copies were found.
	GetRawSpends(ctx context.Context, key [32]byte) ([][]byte, error)

	// SpendAncestryStatus reports whether the transaction spend spends
	// from (identified by parentKey, the address of the parent spend) is
	// itself already known to be double-spent on the network.
	SpendAncestryStatus(ctx context.Context, parentKey [32]byte) (isDoubleSpend bool, err error)
}
