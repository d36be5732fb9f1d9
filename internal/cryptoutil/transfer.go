package cryptoutil

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/nacl/box"
)

// TransferEnvelope is the decoded form of a Transfer::Encrypted blob: an
// ephemeral-key NaCl box addressed to a node's libp2p identity. This is the
// opaque payload carried by payment.Transfer.Encrypted.
type TransferEnvelope struct {
	EphemeralPubKey []byte `json:"ephemeral_key"`
	Nonce           []byte `json:"nonce"`
	Ciphertext      []byte `json:"ciphertext"`
}

// CashNotePlaintext is what a TransferEnvelope decrypts to: one note payable
// to the recipient's unique pubkey for a given amount.
type CashNotePlaintext struct {
	UniquePubkey []byte `json:"unique_pubkey"`
	Amount       uint64 `json:"amount"`
}

// ErrNotForUs marks an Encrypted transfer that does not decrypt against this
// node's key. Per spec §4.3, this is not a fatal error: the walk continues.
var ErrNotForUs = fmt.Errorf("cryptoutil: transfer not addressed to this node")

// TransferDecryptor decrypts Transfer::Encrypted blobs addressed to this
// node's libp2p identity key, adapted from internal/node/crypto.go's
// MessageEncryptor/ed25519PrivToX25519 but retargeted from P2P swap messages
// to payment transfers.
type TransferDecryptor struct {
	x25519Priv [32]byte
}

// NewTransferDecryptor derives the node's X25519 decrypt key from its
// Ed25519 libp2p identity key, exactly as the teacher's ed25519PrivToX25519
// does: hash the 32-byte seed with SHA-512 and clamp per the X25519 spec.
func NewTransferDecryptor(identity p2pcrypto.PrivKey) (TransferDecryptor, error) {
	raw, err := identity.Raw()
	if err != nil {
		return TransferDecryptor{}, fmt.Errorf("cryptoutil: raw identity key: %w", err)
	}
	if len(raw) < 32 {
		return TransferDecryptor{}, fmt.Errorf("cryptoutil: identity key too short")
	}

	h := sha512.Sum512(raw[:32])
	var x [32]byte
	copy(x[:], h[:32])
	x[0] &= 248
	x[31] &= 127
	x[31] |= 64
	return TransferDecryptor{x25519Priv: x}, nil
}

// RecipientX25519 converts a raw Ed25519 public key (e.g. extracted from a
// libp2p peer ID) into the X25519 public key used to address a transfer to
// that peer, exactly as the teacher's peerIDToX25519Pub does.
func RecipientX25519(ed25519Pub []byte) ([32]byte, error) {
	var out [32]byte
	if len(ed25519Pub) != 32 {
		return out, fmt.Errorf("cryptoutil: invalid ed25519 public key length: %d", len(ed25519Pub))
	}
	point, err := new(edwards25519.Point).SetBytes(ed25519Pub)
	if err != nil {
		return out, fmt.Errorf("cryptoutil: invalid ed25519 public key: %w", err)
	}
	copy(out[:], point.BytesMontgomery())
	return out, nil
}

// Decrypt attempts to open an encrypted transfer blob. A failure to open the
// box (wrong key) returns ErrNotForUs; a malformed envelope is a fatal error.
func (d TransferDecryptor) Decrypt(blob []byte) (CashNotePlaintext, error) {
	var env TransferEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return CashNotePlaintext{}, fmt.Errorf("cryptoutil: malformed transfer envelope: %w", err)
	}
	if len(env.EphemeralPubKey) != 32 {
		return CashNotePlaintext{}, fmt.Errorf("cryptoutil: invalid ephemeral key length")
	}
	if len(env.Nonce) != 24 {
		return CashNotePlaintext{}, fmt.Errorf("cryptoutil: invalid nonce length")
	}

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], env.EphemeralPubKey)
	var nonce [24]byte
	copy(nonce[:], env.Nonce)

	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &ephemeralPub, &d.x25519Priv)
	if !ok {
		return CashNotePlaintext{}, ErrNotForUs
	}

	var note CashNotePlaintext
	if err := json.Unmarshal(plaintext, &note); err != nil {
		return CashNotePlaintext{}, fmt.Errorf("cryptoutil: malformed cash note plaintext: %w", err)
	}
	return note, nil
}

// EncryptFor seals a cash note for a recipient's X25519 public key. Used by
// wallet-side senders and by tests constructing fixtures for the decoder.
func EncryptFor(recipientX25519Pub [32]byte, note CashNotePlaintext) ([]byte, error) {
	plaintext, err := json.Marshal(note)
	if err != nil {
		return nil, err
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, &recipientX25519Pub, ephemeralPriv)

	return json.Marshal(TransferEnvelope{
		EphemeralPubKey: ephemeralPub[:],
		Nonce:           nonce[:],
		Ciphertext:      ciphertext,
	})
}
