// Package spend implements double-spend-aware storage of Spend records:
// evidence of conflicting spends is mergeable data to be kept and served,
// not rejected outright, grounded on put_validation.rs's
// signed_spends_to_keep.
package spend

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/cryptoutil"
	"github.com/klingon-exchange/klingvault/internal/p2pnet"
	"github.com/klingon-exchange/klingvault/internal/record"
	"github.com/klingon-exchange/klingvault/internal/recstore"
	"github.com/klingon-exchange/klingvault/pkg/logging"
)

// MaxSpendsFromPut caps how many distinct spend attempts a client PUT may
// grow a record to before further client PUTs are ignored in favor of
// replication-sourced copies, matching MAX_DOUBLE_SPEND_ATTEMPTS_TO_KEEP_FROM_PUTS.
const MaxSpendsFromPut = 15

// MaxSpendsPerRecord is the hard ceiling on how many divergent spend
// attempts are ever persisted for one unique pubkey, matching
// MAX_DOUBLE_SPEND_ATTEMPTS_TO_KEEP_PER_RECORD.
const MaxSpendsPerRecord = 30

// maxRecordSizeForPutCap approximates MAX_PACKET_SIZE/2 from the original:
// once stored spend evidence for a key grows past this, client PUTs stop
// growing it further (replication can still deliver more).
const maxRecordSizeForPutCap = 1 << 20 / 2

// ParentHint carries whatever ancestry information the spend attaches
// about the transaction it spends from, enough for the network to look up
// whether that parent is itself a double spend.
type ParentHint struct {
	ParentKey [32]byte
}

// Spend is one signed spend attempt against a unique pubkey, equivalent to
// sn_transfers::SignedSpend.
type Spend struct {
	UniquePubkey cryptoutil.PublicKey
	Amount       uint64
	ParentHint   ParentHint
	Signature    []byte
}

// Key derives the DHT address all spend attempts for this unique pubkey
// share.
func (s *Spend) Key() address.Key {
	return address.SpendKey(s.UniquePubkey)
}

func (s *Spend) signingBytes() []byte {
	buf := make([]byte, 0, 48)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(s.Amount>>(8*i)))
	}
	buf = append(buf, s.ParentHint.ParentKey[:]...)
	return buf
}

// Sign produces the unique-pubkey owner's signature over the spend; used
// by clients constructing spends, not by the validator.
func (s *Spend) Sign(priv cryptoutil.PrivateKey) {
	s.Signature = priv.Sign(s.signingBytes())
}

// canonicalBytes produces a deterministic byte encoding used both to
// detect duplicate spends and to sort the kept set independent of the
// order concurrent verification completed in.
func (s *Spend) canonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, s.UniquePubkey.Bytes()...)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(s.Amount>>(8*i)))
	}
	buf = append(buf, s.ParentHint.ParentKey[:]...)
	buf = append(buf, s.Signature...)
	return buf
}

// Verify checks the spend's own signature and asks the network whether the
// transaction it descends from is itself a double spend. A signature
// failure is fatal; a double-spent parent is reported, not rejected,
// exactly as SpendVerificationOk::ParentDoubleSpend is in the original:
// the spend is still kept in case it too turns out to be a double spend.
func (s *Spend) Verify(ctx context.Context, net p2pnet.View) (parentIsDoubleSpend bool, err error) {
	if err := s.UniquePubkey.Verify(s.signingBytes(), s.Signature); err != nil {
		return false, fmt.Errorf("spend: %w", err)
	}
	isDoubleSpend, err := net.SpendAncestryStatus(ctx, s.ParentHint.ParentKey)
	if err != nil {
		return false, fmt.Errorf("spend: check parent ancestry: %w", err)
	}
	return isDoubleSpend, nil
}

// ErrInvalidParentSpend is returned when the lone surviving spend
// descends from a double-spent parent: the spend itself cannot be trusted
// and nothing is stored.
var ErrInvalidParentSpend = fmt.Errorf("spend: parent of the only surviving spend is itself a double spend")

// ErrNoValidSpends is returned when every incoming and network spend
// failed verification, leaving nothing to store.
var ErrNoValidSpends = fmt.Errorf("spend: no valid spends found to store")

// Validator applies double-spend-tolerant merge policy for Spend records.
type Validator struct {
	Net   p2pnet.View
	Store recstore.Store
	Log   *logging.Logger
}

// ValidateMergeAndStore implements signed_spends_to_keep: local spends are
// trusted without re-verification; incoming and network spends are
// verified concurrently; the merged, deduplicated, size-capped result
// is what gets stored. A key with spend evidence already at the PUT cap
// short-circuits further growth from client PUTs (fromPut=true) but
// replication (fromPut=false) can still deliver more.
func (v *Validator) ValidateMergeAndStore(ctx context.Context, incoming []Spend, key address.Key, fromPut bool) ([]Spend, error) {
	local, err := v.localSpends(ctx, key)
	if err != nil {
		return nil, err
	}

	encodedLocal, err := record.Encode(record.KindSpend, local)
	if err != nil {
		return nil, fmt.Errorf("spend: size local spends: %w", err)
	}
	maxLenReached := len(local) >= MaxSpendsFromPut
	maxSizeReached := len(encodedLocal) >= maxRecordSizeForPutCap && len(local) > 1

	if fromPut && (maxLenReached || maxSizeReached) {
		v.Log.Info("spend record already at cap, ignoring client PUT", "key", key.Hex())
		return local, nil
	}

	networkSpends, err := v.networkSpends(ctx, key)
	if err != nil {
		v.Log.Warn("continuing without network spends", "key", key.Hex(), "error", err)
		networkSpends = nil
	}

	toVerify := make([]Spend, 0, len(incoming)+len(networkSpends))
	toVerify = append(toVerify, incoming...)
	toVerify = append(toVerify, networkSpends...)

	verified, parentIsDoubleSpend := v.verifyConcurrently(ctx, toVerify)

	kept := dedupe(append(local, verified...))

	if parentIsDoubleSpend && len(kept) == 1 {
		v.Log.Warn("parent is a double spend, ignoring this spend", "key", key.Hex())
		return nil, ErrInvalidParentSpend
	}
	if parentIsDoubleSpend && len(kept) > 1 {
		v.Log.Warn("parent is a double spend but we're also a double spend; storing anyway", "key", key.Hex())
	}

	sort.Slice(kept, func(i, j int) bool { return bytes.Compare(kept[i].canonicalBytes(), kept[j].canonicalBytes()) < 0 })
	if len(kept) > MaxSpendsPerRecord {
		kept = kept[:MaxSpendsPerRecord]
	}

	if len(kept) == 0 {
		return nil, ErrNoValidSpends
	}
	if len(kept) > 1 {
		v.Log.Warn("storing a double spend", "key", key.Hex(), "count", len(kept))
	}
	return kept, nil
}

func (v *Validator) localSpends(ctx context.Context, key address.Key) ([]Spend, error) {
	raw, ok, err := v.Store.GetLocal(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("spend: load local spends: %w", err)
	}
	if !ok {
		return nil, nil
	}
	spends, err := record.Decode[[]Spend](raw)
	if err != nil {
		return nil, fmt.Errorf("spend: decode local spends: %w", err)
	}
	return spends, nil
}

func (v *Validator) networkSpends(ctx context.Context, key address.Key) ([]Spend, error) {
	raws, err := v.Net.GetRawSpends(ctx, key)
	if err != nil {
		return nil, err
	}
	var out []Spend
	for _, raw := range raws {
		spends, derr := record.Decode[[]Spend](raw)
		if derr != nil {
			v.Log.Warn("ignoring malformed spend record from the network", "key", key.Hex(), "error", derr)
			continue
		}
		out = append(out, spends...)
	}
	return out, nil
}

type verifyResult struct {
	spend             Spend
	ok                bool
	parentDoubleSpend bool
}

// verifyConcurrently fans out signature/ancestry verification across all
// candidate spends, exactly as the original's JoinSet of verify_spend
// tasks does; join order has no bearing on the result since the caller
// sorts the survivors into a canonical order afterward.
func (v *Validator) verifyConcurrently(ctx context.Context, spends []Spend) (verified []Spend, parentIsDoubleSpend bool) {
	results := make([]verifyResult, len(spends))
	var wg sync.WaitGroup
	for i := range spends {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := spends[i]
			isDoubleSpend, err := s.Verify(ctx, v.Net)
			if err != nil {
				v.Log.Warn("skipping spend that failed validation", "error", err)
				results[i] = verifyResult{spend: s, ok: false}
				return
			}
			results[i] = verifyResult{spend: s, ok: true, parentDoubleSpend: isDoubleSpend}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if !r.ok {
			continue
		}
		verified = append(verified, r.spend)
		if r.parentDoubleSpend {
			parentIsDoubleSpend = true
		}
	}
	return verified, parentIsDoubleSpend
}

func dedupe(spends []Spend) []Spend {
	seen := make(map[string]struct{}, len(spends))
	out := make([]Spend, 0, len(spends))
	for _, s := range spends {
		key := string(s.canonicalBytes())
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
