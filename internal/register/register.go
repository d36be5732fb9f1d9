// Package register implements the mergeable CRDT register type, grounded
// on put_validation.rs's register_validation: a register is verified for
// signature validity, then merged with the local copy using an
// associative, commutative, idempotent merge so that concurrent writers
// converge regardless of delivery order.
package register

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/cryptoutil"
	"github.com/klingon-exchange/klingvault/internal/record"
	"github.com/klingon-exchange/klingvault/internal/recstore"
	"github.com/klingon-exchange/klingvault/pkg/logging"
)

// Register is a signed, owner-addressed append-only CRDT: a set of entries
// keyed by their own content address, each independently verifiable
// against the owner's signature over the full entry set.
type Register struct {
	Addr      address.RegisterAddress
	Owner     cryptoutil.PublicKey
	Entries   map[address.Key][]byte
	Signature []byte
}

// signingBytes deterministically serializes the entry set so the owner's
// signature is order-independent: entries are sorted by key before
// hashing, matching the CRDT's requirement that signature validity not
// depend on insertion order.
func (r *Register) signingBytes() []byte {
	keys := make([]address.Key, 0, len(r.Entries))
	for k := range r.Entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	var buf bytes.Buffer
	buf.WriteString(r.Addr.Tag)
	buf.Write(r.Addr.Owner.Bytes())
	for _, k := range keys {
		buf.Write(k[:])
		buf.Write(r.Entries[k])
	}
	return buf.Bytes()
}

// Verify checks the register's owner signature over its full entry set.
func (r *Register) Verify() error {
	if err := r.Owner.Verify(r.signingBytes(), r.Signature); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Sign produces the owner signature over the current entry set; used by
// clients constructing registers, not by the validator.
func (r *Register) Sign(priv cryptoutil.PrivateKey) {
	r.Signature = priv.Sign(r.signingBytes())
}

// Equal reports whether two registers hold the same entries under the same
// owner, used to detect a no-op merge.
func (r *Register) Equal(other *Register) bool {
	if other == nil {
		return false
	}
	if !r.Owner.Equal(other.Owner) || len(r.Entries) != len(other.Entries) {
		return false
	}
	for k, v := range r.Entries {
		ov, ok := other.Entries[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// VerifiedMerge merges an already-verified incoming register into r. The
// merge is a CRDT union of entries: present in either side, union of both.
// It is commutative, associative and idempotent by construction since it
// only ever adds entries keyed by their own content address; a duplicate
// key with different bytes signals data corruption and is rejected rather
// than silently resolved, as the original's verified_merge does not
// tolerate equivocating entries.
func (r *Register) VerifiedMerge(incoming *Register) error {
	if !r.Owner.Equal(incoming.Owner) {
		return fmt.Errorf("register: cannot merge registers with different owners")
	}
	if r.Addr.Tag != incoming.Addr.Tag {
		return fmt.Errorf("register: cannot merge registers with different tags")
	}
	if r.Entries == nil {
		r.Entries = make(map[address.Key][]byte, len(incoming.Entries))
	}
	for k, v := range incoming.Entries {
		if existing, ok := r.Entries[k]; ok {
			if !bytes.Equal(existing, v) {
				return fmt.Errorf("register: conflicting entries at key %s", k.Hex())
			}
			continue
		}
		r.Entries[k] = v
	}
	// The merged register is re-signed by whichever signature carries the
	// superset of entries; once merged it is an internal representation
	// the validator re-derives, not something re-transmitted as-is, so the
	// incoming signature is retained only when it already covers the
	// merged set.
	if len(incoming.Entries) >= len(r.Entries) {
		r.Signature = incoming.Signature
	}
	return nil
}

// Validator applies the register CRDT merge policy against local storage.
type Validator struct {
	Store recstore.Store
	Log   *logging.Logger
}

// Validate implements register_validation: verify the incoming register,
// then if no local copy exists, accept it as-is; otherwise merge it with
// the stored copy and report whether the merge changed anything so the
// caller can skip a redundant store.
func (v *Validator) Validate(ctx context.Context, incoming *Register, presentLocally bool) (toStore *Register, noChange bool, err error) {
	if err := incoming.Verify(); err != nil {
		return nil, false, err
	}

	if !presentLocally {
		return incoming, false, nil
	}

	key := address.RegisterKey(incoming.Addr)
	raw, ok, err := v.Store.GetLocal(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("register: load local copy: %w", err)
	}
	if !ok {
		return nil, false, fmt.Errorf("register: claimed to exist locally but was not found at %s", key.Hex())
	}

	local, err := record.Decode[Register](raw)
	if err != nil {
		return nil, false, fmt.Errorf("register: decode local copy: %w", err)
	}

	merged := local
	if merged.Entries != nil {
		copied := make(map[address.Key][]byte, len(merged.Entries))
		for k, v := range merged.Entries {
			copied[k] = v
		}
		merged.Entries = copied
	}
	if err := merged.VerifiedMerge(incoming); err != nil {
		return nil, false, err
	}

	if merged.Equal(&local) {
		v.Log.Debug("register merge produced no change", "addr", key.Hex())
		return nil, true, nil
	}
	return &merged, false, nil
}
