// Package payment decodes and verifies the micropayments attached to a
// chunk or register PUT, grounded on put_validation.rs's
// cash_notes_from_transfers and payment_for_us_exists_and_is_still_valid.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingvault/internal/address"
	"github.com/klingon-exchange/klingvault/internal/cryptoutil"
	"github.com/klingon-exchange/klingvault/internal/wallet"
	"github.com/klingon-exchange/klingvault/pkg/logging"
)

// Transfer is a single payment transfer attached to a PUT: either an
// encrypted cash note addressed to a node, or a network royalty
// redemption, matching sn_transfers::Transfer.
type Transfer struct {
	// Encrypted carries an opaque NaCl box blob decodable by
	// cryptoutil.TransferDecryptor. Nil when this transfer is a royalty.
	Encrypted []byte
	// Royalty is set when this transfer pays the network's royalty
	// address rather than a storing node.
	Royalty *CashNoteRedemption
}

// CashNoteRedemption is a plaintext cash note payable to a known pubkey,
// used both for royalty transfers (always plaintext) and for decrypted
// Encrypted transfers addressed to us.
type CashNoteRedemption struct {
	UniquePubkey cryptoutil.PublicKey
	Amount       uint64
}

// StoreQuote is the signed price quote a node issued before this PUT,
// matching sn_protocol::StoreQuote.
type StoreQuote struct {
	Cost      uint64
	Address   address.Key
	Signature []byte
	PublicKey cryptoutil.PublicKey
}

// Verify checks the quote's signature over its (address, cost) pair.
func (q StoreQuote) Verify() error {
	msg := quoteSigningBytes(q.Address, q.Cost)
	if err := q.PublicKey.Verify(msg, q.Signature); err != nil {
		return fmt.Errorf("payment: invalid store quote signature: %w", err)
	}
	return nil
}

func quoteSigningBytes(addr address.Key, cost uint64) []byte {
	buf := make([]byte, 0, 40)
	buf = append(buf, addr[:]...)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(cost>>(8*i)))
	}
	return buf
}

// Payment is the full payment attachment on a ChunkWithPayment or
// RegisterWithPayment record.
type Payment struct {
	Transfers []Transfer
	Quote     StoreQuote
}

var (
	ErrNoPaymentToOurNode        = errors.New("payment: no transfer decrypted for this node")
	ErrReusedPayment             = errors.New("payment: all cash notes in this payment were already spent")
	ErrNumericOverflow           = errors.New("payment: amount overflowed a uint64 accumulator")
	ErrNoNetworkRoyaltiesPayment = errors.New("payment: no network royalty transfer present")
)

// PaymentInsufficientError reports that the amount actually paid fell
// short of the quoted cost, mirroring ProtocolError::PaymentProofInsufficientAmount.
type PaymentInsufficientError struct {
	Paid     uint64
	Expected uint64
}

func (e *PaymentInsufficientError) Error() string {
	return fmt.Sprintf("payment: insufficient payment: paid %d, expected %d", e.Paid, e.Expected)
}

// DecodeTransfers walks a payment's transfers, decrypting any addressed to
// this node and verifying royalty redemptions against royaltyPubKey,
// mirroring cash_notes_from_transfers: an Encrypted transfer that fails to
// decrypt against our key is simply not for us and is skipped, not an
// error; a royalty redemption that doesn't pay the fixed network-royalty
// public key is logged and skipped rather than aborting the whole payment.
func DecodeTransfers(ctx context.Context, decryptor cryptoutil.TransferDecryptor, royaltyPubKey cryptoutil.PublicKey, transfers []Transfer, log *logging.Logger) (cashNotesForUs []wallet.CashNote, royalties []CashNoteRedemption, royaltyTotal uint64, err error) {
	for _, t := range transfers {
		switch {
		case t.Royalty != nil:
			if !t.Royalty.UniquePubkey.Equal(royaltyPubKey) {
				log.Warn("skipping royalty redemption not payable to the network royalty key")
				continue
			}
			sum, ok := checkedAdd(royaltyTotal, t.Royalty.Amount)
			if !ok {
				return nil, nil, 0, ErrNumericOverflow
			}
			royaltyTotal = sum
			royalties = append(royalties, *t.Royalty)

		case t.Encrypted != nil:
			plain, derr := decryptor.Decrypt(t.Encrypted)
			if errors.Is(derr, cryptoutil.ErrNotForUs) {
				continue
			}
			if derr != nil {
				return nil, nil, 0, fmt.Errorf("payment: decrypt transfer: %w", derr)
			}
			pk, perr := cryptoutil.PublicKeyFromBytes(plain.UniquePubkey)
			if perr != nil {
				log.Warn("skipping transfer with malformed unique pubkey", "error", perr)
				continue
			}
			cashNotesForUs = append(cashNotesForUs, wallet.CashNote{
				UniquePubkey: pk,
				Amount:       plain.Amount,
			})
		}
	}

	if len(cashNotesForUs) == 0 {
		return nil, royalties, royaltyTotal, ErrNoPaymentToOurNode
	}
	return cashNotesForUs, royalties, royaltyTotal, nil
}

// Validator checks that a payment covers a record's storage cost and
// credits the paid amount to the node's wallet.
type Validator struct {
	Wallet        wallet.Wallet
	Decryptor     cryptoutil.TransferDecryptor
	RoyaltyPubKey cryptoutil.PublicKey
	RoyaltyRateBP uint64 // basis points, e.g. 100 = 1%
	Log           *logging.Logger
}

// Validate implements payment_for_us_exists_and_is_still_valid's exact
// step order: decode transfers (verifying royalty redemptions against the
// fixed network-royalty key as it goes), filter out cash notes already
// spent (ReusedPayment if none remain), deposit the new ones to the wallet
// BEFORE checking sufficiency (a partial underpayment is still kept),
// require at least one verified royalty redemption, verify the quote, then
// compare the total actually received (deposited cash notes plus verified
// royalty amount) against the quoted cost plus its required royalty.
func (v *Validator) Validate(ctx context.Context, addr address.Key, p Payment) error {
	cashNotes, royalties, royaltyTotal, err := DecodeTransfers(ctx, v.Decryptor, v.RoyaltyPubKey, p.Transfers, v.Log)
	if err != nil {
		return err
	}

	unspent, err := v.Wallet.FilterUnspent(ctx, cashNotes)
	if err != nil {
		return fmt.Errorf("payment: filter unspent cash notes: %w", err)
	}
	if len(unspent) == 0 {
		return ErrReusedPayment
	}

	paid, err := v.Wallet.Deposit(ctx, unspent)
	if err != nil {
		return fmt.Errorf("payment: deposit cash notes: %w", err)
	}

	if len(royalties) == 0 {
		return ErrNoNetworkRoyaltiesPayment
	}

	if err := p.Quote.Verify(); err != nil {
		return err
	}
	if p.Quote.Address != addr {
		return fmt.Errorf("payment: quote addresses %s, record addresses %s", p.Quote.Address.Hex(), addr.Hex())
	}

	expectedRoyalty, err := calculateRoyaltiesFee(p.Quote.Cost, v.RoyaltyRateBP)
	if err != nil {
		return err
	}
	expectedFee, ok := checkedAdd(p.Quote.Cost, expectedRoyalty)
	if !ok {
		return ErrNumericOverflow
	}

	received, ok := checkedAdd(paid, royaltyTotal)
	if !ok {
		return ErrNumericOverflow
	}

	if received < expectedFee {
		return &PaymentInsufficientError{Paid: received, Expected: expectedFee}
	}
	return nil
}

func calculateRoyaltiesFee(amount, rateBP uint64) (uint64, error) {
	// amount * rateBP / 10000, with an overflow check on the multiply.
	if rateBP == 0 {
		return 0, nil
	}
	hi, lo := mulUint64(amount, rateBP)
	if hi != 0 {
		return 0, ErrNumericOverflow
	}
	return lo / 10000, nil
}

func mulUint64(a, b uint64) (hi, lo uint64) {
	const mask32 = 1<<32 - 1
	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32
	t := aLo * bLo
	w0 := t & mask32
	k := t >> 32
	t = aHi*bLo + k
	w1 := t & mask32
	w2 := t >> 32
	t = aLo*bHi + w1
	k = t >> 32
	hi = aHi*bHi + w2 + k
	lo = (t << 32) | w0
	return
}

func checkedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}
