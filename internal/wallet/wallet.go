// Package wallet manages the node's own HD-derived spend key and the
// ledger of cash notes deposited from incoming payments, adapted from
// internal/wallet/wallet.go's BIP39/BIP44 derivation but retargeted from
// multi-chain address derivation to this node's single secp256k1 payment
// identity.
package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/klingvault/internal/cryptoutil"
)

// CashNote is a single deposit credited to this node's wallet: the unique
// pubkey identifying the spend that pays it out, and its amount.
type CashNote struct {
	UniquePubkey cryptoutil.PublicKey
	Amount       uint64
}

// Wallet is the external collaborator the payment validator deposits
// verified transfers into. FilterUnspent implements the replay guard
// described in spec §4.4: a cash note already deposited once must not be
// credited again.
type Wallet interface {
	FilterUnspent(ctx context.Context, notes []CashNote) ([]CashNote, error)
	Deposit(ctx context.Context, notes []CashNote) (uint64, error)
	Balance(ctx context.Context) (uint64, error)
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic for a fresh node
// identity.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("wallet: generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// ValidateMnemonic reports whether mnemonic is a well-formed BIP39 phrase.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// HDWallet is the sqlite-backed Wallet implementation: an HD master key
// derives the node's payment signing key, and a ledger table tracks
// deposited cash notes for replay detection and balance accounting.
type HDWallet struct {
	masterKey *hdkeychain.ExtendedKey
	db        *sql.DB
	mu        sync.Mutex
}

const (
	spendPurpose  = 44
	spendCoinType = 0
	spendAccount  = 0
)

// NewFromMnemonic derives a wallet from a BIP39 mnemonic and creates its
// ledger tables in db if they are missing.
func NewFromMnemonic(mnemonic, passphrase string, db *sql.DB) (*HDWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("wallet: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewFromSeed(seed, db)
}

// NewFromSeed derives a wallet from a raw 64-byte BIP39 seed.
func NewFromSeed(seed []byte, db *sql.DB) (*HDWallet, error) {
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("wallet: create master key: %w", err)
	}
	w := &HDWallet{masterKey: masterKey, db: db}
	if err := w.initSchema(); err != nil {
		return nil, fmt.Errorf("wallet: init schema: %w", err)
	}
	return w, nil
}

func (w *HDWallet) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS wallet_cash_notes (
		unique_pubkey TEXT PRIMARY KEY,
		amount        INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS wallet_balance (
		id      INTEGER PRIMARY KEY CHECK (id = 0),
		balance INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO wallet_balance (id, balance) VALUES (0, 0);
	`
	_, err := w.db.Exec(schema)
	return err
}

// SpendKey derives this node's payment signing key: m/44'/0'/0'/0/0, a
// single fixed leaf since a storage node needs exactly one payment
// identity, not a full address tree.
func (w *HDWallet) SpendKey() (cryptoutil.PrivateKey, error) {
	purposeKey, err := w.masterKey.Derive(hdkeychain.HardenedKeyStart + spendPurpose)
	if err != nil {
		return cryptoutil.PrivateKey{}, fmt.Errorf("wallet: derive purpose: %w", err)
	}
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + spendCoinType)
	if err != nil {
		return cryptoutil.PrivateKey{}, fmt.Errorf("wallet: derive coin type: %w", err)
	}
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + spendAccount)
	if err != nil {
		return cryptoutil.PrivateKey{}, fmt.Errorf("wallet: derive account: %w", err)
	}
	changeKey, err := accountKey.Derive(0)
	if err != nil {
		return cryptoutil.PrivateKey{}, fmt.Errorf("wallet: derive change: %w", err)
	}
	leafKey, err := changeKey.Derive(0)
	if err != nil {
		return cryptoutil.PrivateKey{}, fmt.Errorf("wallet: derive leaf: %w", err)
	}
	ecKey, err := leafKey.ECPrivKey()
	if err != nil {
		return cryptoutil.PrivateKey{}, fmt.Errorf("wallet: extract ec key: %w", err)
	}
	return cryptoutil.NewPrivateKeyFromBytes(ecKey.Serialize()), nil
}

// FilterUnspent removes notes whose unique pubkey has already been
// deposited, matching the Rust original's dedup against stored cash notes
// before crediting a payment.
func (w *HDWallet) FilterUnspent(ctx context.Context, notes []CashNote) ([]CashNote, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []CashNote
	for _, n := range notes {
		var exists int
		err := w.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM wallet_cash_notes WHERE unique_pubkey = ?`, n.UniquePubkey.Hex()).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("wallet: check cash note: %w", err)
		}
		if exists == 0 {
			out = append(out, n)
		}
	}
	return out, nil
}

// Deposit records notes as spent and credits their total to the balance,
// mirroring deposit_and_store_to_disk's write-through semantics.
func (w *HDWallet) Deposit(ctx context.Context, notes []CashNote) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("wallet: begin deposit: %w", err)
	}
	defer tx.Rollback()

	var total uint64
	for _, n := range notes {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wallet_cash_notes (unique_pubkey, amount) VALUES (?, ?)`, n.UniquePubkey.Hex(), n.Amount); err != nil {
			return 0, fmt.Errorf("wallet: store cash note: %w", err)
		}
		total += n.Amount
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallet_balance SET balance = balance + ? WHERE id = 0`, total); err != nil {
		return 0, fmt.Errorf("wallet: update balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("wallet: commit deposit: %w", err)
	}
	return total, nil
}

// Balance returns the node's current credited balance.
func (w *HDWallet) Balance(ctx context.Context) (uint64, error) {
	var balance uint64
	err := w.db.QueryRowContext(ctx, `SELECT balance FROM wallet_balance WHERE id = 0`).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("wallet: read balance: %w", err)
	}
	return balance, nil
}
