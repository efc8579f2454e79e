package backend

import (
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"

	"github.com/renaissblock/checkout/signers/svm"
	"github.com/renaissblock/checkout/types"
)

// SolanaRail prepares real Solana transfers: the platform pays fees and signs
// first, the buyer signs second. Verification checks both signatures.
type SolanaRail struct {
	platform solana.PrivateKey
	treasury solana.PublicKey
}

// NewSolanaRail creates a rail co-signed by platform
func NewSolanaRail(platform solana.PrivateKey) *SolanaRail {
	return &SolanaRail{
		platform: platform,
		treasury: platform.PublicKey(),
	}
}

// Prepare builds a transfer of amount (in millionths) from payer to the treasury
func (r *SolanaRail) Prepare(intentID, payer string, amount decimal.Decimal) (string, string, error) {
	user, err := solana.PublicKeyFromBase58(payer)
	if err != nil {
		return "", "", fmt.Errorf("invalid payer: %w", err)
	}
	units := amount.Shift(6).BigInt().Uint64()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(units, user, r.treasury).Build()},
		solana.Hash{},
		solana.TransactionPayer(r.platform.PublicKey()),
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to build transaction: %w", err)
	}
	if err := svm.SignTransactionWithPrivateKey(r.platform, tx); err != nil {
		return "", "", err
	}

	payload, err := svm.EncodeTransaction(tx)
	if err != nil {
		return "", "", err
	}
	return payload, r.platform.PublicKey().String(), nil
}

// Verify checks the buyer's signature at the reported slot and that the
// platform signature survived.
func (r *SolanaRail) Verify(payer string, signed types.SignedPayment) error {
	user, err := solana.PublicKeyFromBase58(payer)
	if err != nil {
		return fmt.Errorf("invalid payer: %w", err)
	}
	tx, err := svm.DecodeTransaction(signed.Payload)
	if err != nil {
		return err
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	idx := signed.SignatureIndex
	if idx < 0 || idx >= len(tx.Signatures) {
		return fmt.Errorf("signature index %d out of range", idx)
	}
	if !tx.Signatures[idx].Verify(user, msg) {
		return errors.New("buyer signature does not verify")
	}
	if len(tx.Signatures) == 0 || !tx.Signatures[0].Verify(r.platform.PublicKey(), msg) {
		return errors.New("platform signature missing")
	}
	return nil
}
