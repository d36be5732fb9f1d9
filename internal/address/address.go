// Package address derives the canonical DHT keys that every record kind is
// addressed by, mirroring sn_protocol's NetworkAddress::to_record_key.
package address

import (
	"encoding/hex"

	"github.com/klingon-exchange/klingvault/internal/cryptoutil"
	"lukechampine.com/blake3"
)

// Key is a canonical 256-bit DHT record key, the output of blake3 hashing a
// payload's intrinsic address (content hash, register address, or
// unique-pubkey-derived spend address).
type Key [32]byte

func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

func (k Key) IsZero() bool {
	return k == Key{}
}

func keyFrom(parts ...[]byte) Key {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Key
	copy(out[:], h.Sum(nil))
	return out
}

// ChunkKey derives the canonical key of a content-addressed chunk: the
// blake3 hash of a "chunk" domain prefix followed by its raw contents.
func ChunkKey(content []byte) Key {
	return keyFrom([]byte("chunk"), content)
}

// RegisterAddress identifies a register independent of its contents: an
// owner public key plus an application-chosen tag.
type RegisterAddress struct {
	Owner cryptoutil.PublicKey
	Tag   string
}

// RegisterKey derives the canonical key of a register address.
func RegisterKey(addr RegisterAddress) Key {
	return keyFrom([]byte("register"), addr.Owner.Bytes(), []byte(addr.Tag))
}

// SpendKey derives the canonical key for all spends of a given unique
// pubkey, matching SpendAddress::from_unique_pubkey.
func SpendKey(uniquePubkey cryptoutil.PublicKey) Key {
	return keyFrom([]byte("spend"), uniquePubkey.Bytes())
}
