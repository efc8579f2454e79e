package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/renaissblock/checkout/signing"
)

// ApproveFunc is asked before every signature with the digest about to be signed
type ApproveFunc func(ctx context.Context, digest []byte) bool

// Wallet is an EVM wallet backed by an ECDSA private key.
// Payloads are base64. A payload that decodes to EIP-712 typed data is signed
// as typed data, anything else with personal_sign.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	approve    ApproveFunc
}

var (
	_ signing.Wallet             = (*Wallet)(nil)
	_ signing.IdentityNormalizer = (*Wallet)(nil)
)

// WalletOption configures a Wallet
type WalletOption func(*Wallet)

// WithApproval installs a confirmation step in front of every signature
func WithApproval(fn ApproveFunc) WalletOption {
	return func(w *Wallet) {
		w.approve = fn
	}
}

// NewWalletFromPrivateKey creates a wallet from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Example:
//
//	wallet, err := evm.NewWalletFromPrivateKey("0x1234...")
//	if err != nil {
//	    log.Fatal(err)
//	}
func NewWalletFromPrivateKey(privateKeyHex string, opts ...WalletOption) (*Wallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	w := &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Address returns the checksummed address of the wallet.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

func (w *Wallet) ConnectedIdentity(ctx context.Context) (string, error) {
	return w.address.Hex(), nil
}

// NormalizeIdentity returns the EIP-55 checksum form of an address
func (w *Wallet) NormalizeIdentity(identity string) (string, error) {
	if !common.IsHexAddress(identity) {
		return "", fmt.Errorf("invalid evm address %q", identity)
	}
	return common.HexToAddress(identity).Hex(), nil
}

// Sign returns the 65-byte (r, s, v) signature as 0x-prefixed hex
func (w *Wallet) Sign(ctx context.Context, payload string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode payload: %w", err)
	}

	digest, err := Digest(data)
	if err != nil {
		return "", err
	}

	if w.approve != nil && !w.approve(ctx, digest) {
		return "", fmt.Errorf("evm wallet: %w", signing.ErrUserRejected)
	}

	signature, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return hexutil.Encode(signature), nil
}

// Digest computes the hash a wallet signs for data
func Digest(data []byte) ([]byte, error) {
	typed, ok := parseTypedData(data)
	if !ok {
		return accounts.TextHash(data), nil
	}
	digest, _, err := apitypes.TypedDataAndHash(*typed)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return digest, nil
}

func parseTypedData(data []byte) (*apitypes.TypedData, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var typed apitypes.TypedData
	if err := json.Unmarshal(trimmed, &typed); err != nil || typed.PrimaryType == "" || typed.Types == nil {
		return nil, false
	}
	if _, exists := typed.Types["EIP712Domain"]; !exists {
		typed.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}
	return &typed, true
}

// RecoverSigner returns the address that produced signature over data
func RecoverSigner(data []byte, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("invalid signature length %d", len(sig))
	}
	digest, err := Digest(data)
	if err != nil {
		return "", err
	}

	sig = append([]byte(nil), sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
