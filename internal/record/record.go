// Package record defines the DHT record envelope and its typed dispatch:
// every PUT carries a Kind byte that selects how the rest of the value is
// decoded, mirroring sn_protocol's RecordKind/RecordHeader framing.
package record

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/recstore"
)

// Kind identifies the payload carried by a record's value, matching
// sn_protocol::storage::RecordKind.
type Kind uint8

const (
	KindChunk Kind = iota
	KindChunkWithPayment
	KindRegister
	KindRegisterWithPayment
	KindSpend
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "Chunk"
	case KindChunkWithPayment:
		return "ChunkWithPayment"
	case KindRegister:
		return "Register"
	case KindRegisterWithPayment:
		return "RegisterWithPayment"
	case KindSpend:
		return "Spend"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var ErrUnknownKind = errors.New("record: unknown record kind")

// Record is a single incoming PUT as delivered by the libp2p Kademlia
// Validator hook: a key, an opaque value, and the optional publisher/expiry
// metadata the DHT itself tracks.
type Record struct {
	Key       address.Key
	Value     []byte
	Publisher *string
	Expires   *time.Time
}

// envelope is the on-the-wire framing of a record value: a gob-encoded pair
// of the kind tag and the payload's own gob encoding. gob is used here rather than one of the
// pack's richer serialization stacks (protobuf, gojay) because this framing
// is internal-only — it never crosses into the DHT wire format itself, which
// libp2p handles as an opaque byte string, so there is no schema to share
// with another implementation.
type envelope struct {
	Kind    Kind
	Payload []byte
}

// Header reads just the Kind tag out of a record value without decoding the
// rest, so the PUT router can dispatch before paying for a full decode.
func Header(v []byte) (Kind, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&env); err != nil {
		return 0, fmt.Errorf("record: decode header: %w", err)
	}
	if env.Kind > KindSpend {
		return 0, ErrUnknownKind
	}
	return env.Kind, nil
}

// Encode frames payload under kind.
func Encode(kind Kind, payload any) ([]byte, error) {
	var payloadBuf bytes.Buffer
	if err := gob.NewEncoder(&payloadBuf).Encode(payload); err != nil {
		return nil, fmt.Errorf("record: encode payload: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Kind: kind, Payload: payloadBuf.Bytes()}); err != nil {
		return nil, fmt.Errorf("record: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode unframes a record value into the payload type T.
func Decode[T any](v []byte) (T, error) {
	var out T
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&env); err != nil {
		return out, fmt.Errorf("record: decode envelope: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&out); err != nil {
		return out, fmt.Errorf("record: decode payload: %w", err)
	}
	return out, nil
}

// ErrKeyMismatch is returned when a record's claimed key does not match the
// address derived from its own payload.
var ErrKeyMismatch = errors.New("record: claimed key does not match derived address")

// ValidateKeyAndExistence checks that a record's claimed key matches its
// derived address and reports whether it is already held locally, mirroring
// put_validation.rs's validate_key_and_existence: the existence check
// happens unconditionally so callers can short-circuit chunk re-validation,
// but the key check happens first and is always fatal on mismatch.
func ValidateKeyAndExistence(ctx context.Context, store recstore.Store, claimed, derived address.Key) (existsLocally bool, err error) {
	if claimed != derived {
		return false, fmt.Errorf("%w: claimed %s derived %s", ErrKeyMismatch, claimed.Hex(), derived.Hex())
	}
	present, err := store.IsPresentLocally(ctx, claimed)
	if err != nil {
		return false, fmt.Errorf("record: check existence: %w", err)
	}
	return present, nil
}
