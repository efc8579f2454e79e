package types

import "time"

// PreparedAuthorization is a short-lived payload built by the backend that the
// designated payer must sign. It is fetched right before signing and used once.
type PreparedAuthorization struct {
	IntentID        string    `json:"intent_id"`
	Payload         string    `json:"serialized_transaction"`
	DesignatedPayer string    `json:"user_pubkey"`
	PlatformSigner  string    `json:"platform_pubkey,omitempty"`
	Blockhash       string    `json:"blockhash,omitempty"`
	ValidUntil      time.Time `json:"valid_until,omitempty"`
	FetchedAt       time.Time `json:"-"`
}

// Expired reports whether the validity window closed before now
func (a PreparedAuthorization) Expired(now time.Time) bool {
	return !a.ValidUntil.IsZero() && !now.Before(a.ValidUntil)
}

// SignedPayment is the buyer-signed authorization ready for submission
type SignedPayment struct {
	IntentID       string `json:"-"`
	Payload        string `json:"signed_transaction"`
	SignatureIndex int    `json:"user_signature_index"`
	Signer         string `json:"-"`
}

// SubmitReceipt is the backend response to submitSignedPayment
type SubmitReceipt struct {
	IntentID  string       `json:"intent_id,omitempty"`
	Status    IntentStatus `json:"status,omitempty"`
	Signature string       `json:"signature"`
	Message   string       `json:"message,omitempty"`
}

// IntentStatusReport is the backend response to getIntentStatus
type IntentStatusReport struct {
	IntentID      string       `json:"intent_id,omitempty"`
	Status        IntentStatus `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
	SettlementRef string       `json:"solana_tx_signature,omitempty"`
	MintAddress   string       `json:"nft_mint_address,omitempty"`
	PurchaseID    string       `json:"purchase_id,omitempty"`
}
