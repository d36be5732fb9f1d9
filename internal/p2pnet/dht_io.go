package p2pnet

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/record"
	"github.com/klingon-exchange/klingvault/internal/recstore"
)

// dhtKeyPrefix namespaces our records within the DHT's flat keyspace,
// matching the namespace the Validator is registered under in New.
const dhtKeyPrefix = "/klingvault/"

func dhtKey(key address.Key) string {
	return dhtKeyPrefix + key.Hex()
}

// GetValue fetches the current best value the DHT holds for key. The
// second return reports whether anything was found.
func (n *Node) GetValue(ctx context.Context, key address.Key) ([]byte, bool, error) {
	if n.dht == nil {
		return nil, false, fmt.Errorf("p2pnet: DHT not enabled")
	}
	v, err := n.dht.GetValue(ctx, dhtKey(key))
	if err != nil {
		return nil, false, nil
	}
	return v, true, nil
}

// PutValue stores value under key in the DHT, replicating it to the
// closest peers.
func (n *Node) PutValue(ctx context.Context, key address.Key, value []byte) error {
	if n.dht == nil {
		return fmt.Errorf("p2pnet: DHT not enabled")
	}
	return n.dht.PutValue(ctx, dhtKey(key), value)
}

// DHTSender implements replication.Sender by reading a record's
// already-committed local value and pushing it into the DHT, letting
// Kademlia's own routing distribute it to the key's closest peers.
type DHTSender struct {
	Node  *Node
	Store recstore.Store
}

// ReplicateToClosestPeers implements replication.Sender.
func (s *DHTSender) ReplicateToClosestPeers(ctx context.Context, key address.Key, kind record.Kind) error {
	value, ok, err := s.Store.GetLocal(ctx, key)
	if err != nil {
		return fmt.Errorf("p2pnet: load record to replicate: %w", err)
	}
	if !ok {
		return fmt.Errorf("p2pnet: no local record for %s to replicate", key.Hex())
	}
	return s.Node.PutValue(ctx, key, value)
}
