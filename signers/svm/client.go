package svm

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"github.com/renaissblock/checkout/signing"
)

// SignTransactionFunc defines the callback used to sign Solana transactions.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// ApproveFunc is asked before every signature. Returning false rejects the prompt.
type ApproveFunc func(ctx context.Context, tx *solana.Transaction) bool

// Wallet is a Solana wallet for the balance rail. The backend prepares a
// transaction with the platform as fee payer; the wallet adds the buyer's
// signature at its slot and leaves the other signatures untouched.
type Wallet struct {
	publicKey       solana.PublicKey
	signTransaction SignTransactionFunc
	approve         ApproveFunc

	mu        sync.RWMutex
	connected bool
}

var (
	_ signing.Wallet             = (*Wallet)(nil)
	_ signing.IdentityNormalizer = (*Wallet)(nil)
	_ signing.SlotLocator        = (*Wallet)(nil)
)

// WalletOption configures a Wallet
type WalletOption func(*Wallet)

// WithApproval installs a confirmation step in front of every signature
func WithApproval(fn ApproveFunc) WalletOption {
	return func(w *Wallet) {
		w.approve = fn
	}
}

// NewWallet creates a wallet from a public key and signing callback.
func NewWallet(publicKey solana.PublicKey, signFunc SignTransactionFunc, opts ...WalletOption) (*Wallet, error) {
	if publicKey == (solana.PublicKey{}) {
		return nil, fmt.Errorf("public key is required")
	}
	if signFunc == nil {
		return nil, fmt.Errorf("sign callback is required")
	}

	w := &Wallet{
		publicKey:       publicKey,
		signTransaction: signFunc,
		connected:       true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// NewWalletFromPrivateKey creates a wallet from a base58-encoded private key.
//
// Example:
//
//	wallet, err := svm.NewWalletFromPrivateKey("5J7W...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	agent := signing.NewAgent(backend, wallet)
func NewWalletFromPrivateKey(privateKeyBase58 string, opts ...WalletOption) (*Wallet, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewWalletFromKey(privateKey, opts...)
}

// NewWalletFromKey creates a wallet that signs with privateKey
func NewWalletFromKey(privateKey solana.PrivateKey, opts ...WalletOption) (*Wallet, error) {
	signFunc := func(ctx context.Context, tx *solana.Transaction) error {
		return SignTransactionWithPrivateKey(privateKey, tx)
	}
	return NewWallet(privateKey.PublicKey(), signFunc, opts...)
}

// Address returns the Solana public key of the wallet.
func (w *Wallet) Address() solana.PublicKey {
	return w.publicKey
}

// Disconnect makes the wallet report no connected identity
func (w *Wallet) Disconnect() {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
}

// Connect restores the connected identity
func (w *Wallet) Connect() {
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
}

func (w *Wallet) ConnectedIdentity(ctx context.Context) (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.connected {
		return "", nil
	}
	return w.publicKey.String(), nil
}

// NormalizeIdentity returns the canonical base58 form of a public key
func (w *Wallet) NormalizeIdentity(identity string) (string, error) {
	pk, err := solana.PublicKeyFromBase58(identity)
	if err != nil {
		return "", fmt.Errorf("invalid solana address %q: %w", identity, err)
	}
	return pk.String(), nil
}

// Sign adds the wallet's signature to a base64 serialized transaction
func (w *Wallet) Sign(ctx context.Context, payload string) (string, error) {
	tx, err := DecodeTransaction(payload)
	if err != nil {
		return "", err
	}

	if w.approve != nil && !w.approve(ctx, tx) {
		return "", fmt.Errorf("solana wallet: %w", signing.ErrUserRejected)
	}

	if err := w.signTransaction(ctx, tx); err != nil {
		return "", err
	}
	return EncodeTransaction(tx)
}

// SignatureSlot finds signer's index among the transaction's required signers
func (w *Wallet) SignatureSlot(payload string, signer string) (int, error) {
	tx, err := DecodeTransaction(payload)
	if err != nil {
		return 0, err
	}
	pk, err := solana.PublicKeyFromBase58(signer)
	if err != nil {
		return 0, fmt.Errorf("invalid signer: %w", err)
	}

	idx, err := tx.GetAccountIndex(pk)
	if err != nil {
		return 0, fmt.Errorf("failed to get account index: %w", err)
	}
	if int(idx) >= int(tx.Message.Header.NumRequiredSignatures) {
		return 0, fmt.Errorf("%s is not a required signer", pk)
	}
	return int(idx), nil
}

// DecodeTransaction parses a base64 wire transaction
func DecodeTransaction(payload string) (*solana.Transaction, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	return tx, nil
}

// EncodeTransaction serializes tx to base64 wire format
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	data, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// SignTransactionWithPrivateKey places privateKey's signature at its account
// index, growing the signature list to the required signer count if the
// transaction arrived unsigned.
func SignTransactionWithPrivateKey(privateKey solana.PrivateKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}

	// Every required slot must exist before encoding, even unsigned ones.
	size := max(int(accountIndex)+1, int(tx.Message.Header.NumRequiredSignatures))
	if len(tx.Signatures) < size {
		newSignatures := make([]solana.Signature, size)
		copy(newSignatures, tx.Signatures)
		tx.Signatures = newSignatures
	}
	tx.Signatures[accountIndex] = signature

	return nil
}
