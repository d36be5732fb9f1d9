// Package putcore is the PUT router: it dispatches an incoming record by
// kind to the right validator, commits the result, and implements
// go-libp2p-record's Validator interface so it can be wired directly into
// the Kademlia DHT as its record validation hook. Grounded on
// put_validation.rs's validate_and_store_record and
// store_replicated_in_record.
package putcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/commit"
	"github.com/klingon-exchange/klingvault/internal/events"
	"github.com/klingon-exchange/klingvault/internal/metrics"
	"github.com/klingon-exchange/klingvault/internal/p2pnet"
	"github.com/klingon-exchange/klingvault/internal/payment"
	"github.com/klingon-exchange/klingvault/internal/record"
	"github.com/klingon-exchange/klingvault/internal/recstore"
	"github.com/klingon-exchange/klingvault/internal/register"
	"github.com/klingon-exchange/klingvault/internal/replication"
	"github.com/klingon-exchange/klingvault/internal/spend"
	"github.com/klingon-exchange/klingvault/pkg/logging"
)

// chunkWithPayment is the wire payload of a KindChunkWithPayment record.
type chunkWithPayment struct {
	Content []byte
	Payment payment.Payment
}

// registerWithPayment is the wire payload of a KindRegisterWithPayment record.
type registerWithPayment struct {
	Register *register.Register
	Payment  payment.Payment
}

// Router is the node's PUT entry point, combining every per-kind validator
// and the collaborators the commit path needs.
type Router struct {
	Store     recstore.Store
	Payment   *payment.Validator
	Registers *register.Validator
	Spends    *spend.Validator
	Net       p2pnet.View
	Fetcher   replication.FetchNotifier
	Outbound  replication.Outbound
	Events    events.Publisher
	Metrics   metrics.Sink
	Log       *logging.Logger
}

var ErrUnsupportedKind = errors.New("putcore: unsupported record kind")

// InvalidRequestError reports a structurally sound record whose contents
// cannot be acted on, matching ProtocolError::InvalidRequest from the
// original's error taxonomy.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("putcore: invalid request: %s", e.Reason)
}

// ValidateAndStoreFromClient handles a PUT received directly from a
// client: payment is processed eagerly, before an existence short-circuit,
// so that a node is paid even when it already holds the content (matching
// the original's arm-by-arm ordering for ChunkWithPayment and
// RegisterWithPayment).
func (r *Router) ValidateAndStoreFromClient(ctx context.Context, rec record.Record) error {
	kind, err := record.Header(rec.Value)
	if err != nil {
		return err
	}

	switch kind {
	case record.KindChunkWithPayment:
		return r.putChunkWithPayment(ctx, rec, true)
	case record.KindChunk:
		return r.putChunk(ctx, rec, true)
	case record.KindRegisterWithPayment:
		return r.putRegisterWithPayment(ctx, rec, true)
	case record.KindRegister:
		return r.putRegister(ctx, rec, true)
	case record.KindSpend:
		return r.putSpend(ctx, rec, true)
	default:
		return ErrUnsupportedKind
	}
}

// StoreReplicated handles a record delivered by the replication path: no
// payment is re-validated (payment is a client-PUT-only concern), and
// outbound replication is never re-triggered from an already-replicated
// record to avoid flooding the network.
func (r *Router) StoreReplicated(ctx context.Context, rec record.Record) error {
	kind, err := record.Header(rec.Value)
	if err != nil {
		return err
	}

	switch kind {
	case record.KindChunkWithPayment, record.KindChunk:
		return r.putChunk(ctx, rec, false)
	case record.KindRegisterWithPayment, record.KindRegister:
		return r.putRegister(ctx, rec, false)
	case record.KindSpend:
		return r.putSpend(ctx, rec, false)
	default:
		return ErrUnsupportedKind
	}
}

func (r *Router) putChunk(ctx context.Context, rec record.Record, fromClient bool) error {
	content, err := record.Decode[[]byte](rec.Value)
	if err != nil {
		return fmt.Errorf("putcore: decode chunk: %w", err)
	}
	existsLocally, err := record.ValidateKeyAndExistence(ctx, r.Store, rec.Key, address.ChunkKey(content))
	if err != nil {
		return err
	}
	if existsLocally {
		return nil
	}

	r.Fetcher.NotifyFetch(rec.Key)
	return commit.Put(ctx, r.Store, r.Outbound, r.Events, r.Metrics, rec.Key, record.KindChunk, content, commit.TargetChunk, fromClient)
}

func (r *Router) putChunkWithPayment(ctx context.Context, rec record.Record, fromClient bool) error {
	payload, err := record.Decode[chunkWithPayment](rec.Value)
	if err != nil {
		return fmt.Errorf("putcore: decode chunk with payment: %w", err)
	}
	key := address.ChunkKey(payload.Content)
	existsLocally, err := record.ValidateKeyAndExistence(ctx, r.Store, rec.Key, key)
	if err != nil {
		return err
	}

	// Payment is processed unconditionally, before the existence
	// short-circuit below: a client re-sending a payment for content we
	// already hold still gets credited.
	if err := r.Payment.Validate(ctx, key, payload.Payment); err != nil {
		return err
	}

	if existsLocally {
		return nil
	}

	r.Fetcher.NotifyFetch(key)
	return commit.Put(ctx, r.Store, r.Outbound, r.Events, r.Metrics, key, record.KindChunk, payload.Content, commit.TargetChunk, fromClient)
}

func (r *Router) putRegister(ctx context.Context, rec record.Record, fromClient bool) error {
	incoming, err := record.Decode[*register.Register](rec.Value)
	if err != nil {
		return fmt.Errorf("putcore: decode register: %w", err)
	}
	key := address.RegisterKey(incoming.Addr)
	existsLocally, err := record.ValidateKeyAndExistence(ctx, r.Store, rec.Key, key)
	if err != nil {
		return err
	}

	toStore, noChange, err := r.Registers.Validate(ctx, incoming, existsLocally)
	if err != nil {
		return err
	}
	if noChange {
		return nil
	}

	r.Fetcher.NotifyFetch(key)
	return commit.Put(ctx, r.Store, r.Outbound, r.Events, r.Metrics, key, record.KindRegister, toStore, commit.TargetNonChunk, false)
}

func (r *Router) putRegisterWithPayment(ctx context.Context, rec record.Record, fromClient bool) error {
	payload, err := record.Decode[registerWithPayment](rec.Value)
	if err != nil {
		return fmt.Errorf("putcore: decode register with payment: %w", err)
	}
	key := address.RegisterKey(payload.Register.Addr)
	existsLocally, err := record.ValidateKeyAndExistence(ctx, r.Store, rec.Key, key)
	if err != nil {
		return err
	}

	// A payment failure is only fatal when the register does not already
	// exist locally: if we already store it, the register write itself
	// (a merge, never a loss of data) proceeds regardless of whether this
	// particular resend carried a valid payment.
	if payErr := r.Payment.Validate(ctx, key, payload.Payment); payErr != nil && !existsLocally {
		return payErr
	}

	toStore, noChange, err := r.Registers.Validate(ctx, payload.Register, existsLocally)
	if err != nil {
		return err
	}
	if noChange {
		return nil
	}

	r.Fetcher.NotifyFetch(key)
	return commit.Put(ctx, r.Store, r.Outbound, r.Events, r.Metrics, key, record.KindRegister, toStore, commit.TargetNonChunk, fromClient)
}

// putSpend implements the key filter step from signed_spends_to_keep: every
// incoming spend is keyed by its own UniquePubkey, and only those whose
// derived key matches the record's claimed key are kept for verification.
// A spend with a mismatched key is discarded on its own rather than failing
// the whole PUT; only when nothing survives the filter is the PUT rejected.
func (r *Router) putSpend(ctx context.Context, rec record.Record, fromClient bool) error {
	incoming, err := record.Decode[[]spend.Spend](rec.Value)
	if err != nil {
		return fmt.Errorf("putcore: decode spend: %w", err)
	}

	matching := make([]spend.Spend, 0, len(incoming))
	for _, s := range incoming {
		if s.Key() != rec.Key {
			r.Log.Warn("discarding spend whose key does not match the record", "record_key", rec.Key.Hex(), "spend_key", s.Key().Hex())
			continue
		}
		matching = append(matching, s)
	}
	if len(matching) == 0 {
		return &InvalidRequestError{Reason: "No spends to verify"}
	}

	kept, err := r.Spends.ValidateMergeAndStore(ctx, matching, rec.Key, fromClient)
	if err != nil {
		return err
	}

	r.Fetcher.NotifyFetch(rec.Key)
	return commit.Put(ctx, r.Store, r.Outbound, r.Events, r.Metrics, rec.Key, record.KindSpend, kept, commit.TargetNonChunk, fromClient)
}

// Validate implements go-libp2p-record.Validator: a lightweight structural
// check suitable for the DHT's own record-acceptance hook. The full
// payment/merge/double-spend business logic above runs only through this
// node's own RPC-facing ValidateAndStoreFromClient/StoreReplicated calls;
// Validate here guards against outright malformed records reaching the
// DHT's generic datastore.
func (r *Router) Validate(key string, value []byte) error {
	kind, err := record.Header(value)
	if err != nil {
		return err
	}
	switch kind {
	case record.KindChunk, record.KindChunkWithPayment, record.KindRegister,
		record.KindRegisterWithPayment, record.KindSpend:
		return nil
	default:
		return ErrUnsupportedKind
	}
}

// Select implements go-libp2p-record.Validator: our records do not have a
// meaningful "better" value to choose between raw byte strings the way a
// plain KV record would (the real conflict resolution is the mergeable
// Register/Spend logic above, which needs structured decoding this
// interface doesn't offer), so the first candidate is always kept.
func (r *Router) Select(key string, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("putcore: Select called with no candidate values")
	}
	return 0, nil
}
