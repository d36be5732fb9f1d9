// Package cryptoutil provides the signing, verification and transfer
// encryption primitives shared by registers, spends, quotes and payments.
package cryptoutil

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// PublicKey is a secp256k1 public key, the signing key used for registers,
// spends, store quotes and network royalty redemptions.
type PublicKey struct {
	inner *btcec.PublicKey
}

// PrivateKey is the corresponding secret half.
type PrivateKey struct {
	inner *btcec.PrivateKey
}

var ErrInvalidSignature = errors.New("cryptoutil: signature verification failed")

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (PrivateKey, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return PrivateKey{}, err
	}
	return PrivateKey{inner: k}, nil
}

// NewPrivateKeyFromBytes builds a private key from 32 raw bytes, e.g. the
// leaf of an HD derivation path.
func NewPrivateKeyFromBytes(b []byte) PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(b)
	return PrivateKey{inner: priv}
}

// PublicKeyFromHex parses a hex-encoded compressed secp256k1 public key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("cryptoutil: invalid public key hex: %w", err)
	}
	return PublicKeyFromBytes(raw)
}

// PublicKeyFromBytes parses a compressed secp256k1 public key.
func PublicKeyFromBytes(raw []byte) (PublicKey, error) {
	pk, err := btcec.ParsePubKey(raw)
	if err != nil {
		return PublicKey{}, fmt.Errorf("cryptoutil: invalid public key: %w", err)
	}
	return PublicKey{inner: pk}, nil
}

func (p PrivateKey) Public() PublicKey {
	return PublicKey{inner: p.inner.PubKey()}
}

func (p PrivateKey) Raw() []byte {
	return p.inner.Serialize()
}

// Sign produces a deterministic ECDSA signature over the sha512/256 digest
// of msg.
func (p PrivateKey) Sign(msg []byte) []byte {
	digest := sha512.Sum512_256(msg)
	sig := ecdsa.Sign(p.inner, digest[:])
	return sig.Serialize()
}

func (p PublicKey) Bytes() []byte {
	return p.inner.SerializeCompressed()
}

func (p PublicKey) Hex() string {
	return hex.EncodeToString(p.Bytes())
}

func (p PublicKey) Equal(other PublicKey) bool {
	if p.inner == nil || other.inner == nil {
		return p.inner == other.inner
	}
	return p.inner.IsEqual(other.inner)
}

func (p PublicKey) IsZero() bool {
	return p.inner == nil
}

// Verify checks sig against msg using this public key.
func (p PublicKey) Verify(msg, sig []byte) error {
	if p.inner == nil {
		return fmt.Errorf("cryptoutil: nil public key")
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest := sha512.Sum512_256(msg)
	if !parsed.Verify(digest[:], p.inner) {
		return ErrInvalidSignature
	}
	return nil
}

// MarshalText/UnmarshalText let PublicKey round-trip through YAML/JSON as a
// plain hex string, matching how the teacher config marshals simple scalars.
func (p PublicKey) MarshalText() ([]byte, error) {
	return []byte(p.Hex()), nil
}

func (p *PublicKey) UnmarshalText(text []byte) error {
	pk, err := PublicKeyFromHex(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// GobEncode/GobDecode let PublicKey round-trip through gob-framed records
// (internal/record's envelope): the unexported btcec handle inside it has
// no exported fields for gob to walk, so it is encoded as its compressed
// byte form instead.
func (p PublicKey) GobEncode() ([]byte, error) {
	if p.inner == nil {
		return []byte{}, nil
	}
	return p.Bytes(), nil
}

func (p *PublicKey) GobDecode(data []byte) error {
	if len(data) == 0 {
		*p = PublicKey{}
		return nil
	}
	pk, err := PublicKeyFromBytes(data)
	if err != nil {
		return err
	}
	*p = pk
	return nil
}
