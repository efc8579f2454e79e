package types

import "github.com/shopspring/decimal"

// ConversionStatus is the lifecycle of a card-to-stablecoin conversion
type ConversionStatus string

const (
	ConversionPending   ConversionStatus = "pending"
	ConversionDelayed   ConversionStatus = "delayed"
	ConversionCompleted ConversionStatus = "completed"
	ConversionFailed    ConversionStatus = "failed"
)

// ConversionSession is the backend response to initiateConversionWidget
type ConversionSession struct {
	TransactionID string                 `json:"transaction_id"`
	ChargeID      string                 `json:"charge_id,omitempty"`
	WidgetConfig  map[string]interface{} `json:"widget_config"`
	Explanation   string                 `json:"explanation,omitempty"`
	MinimumAmount decimal.Decimal        `json:"minimum_amount"`
	AmountToAdd   decimal.Decimal        `json:"amount_to_add"`
}

// ConversionStatusReport is the backend response to getConversionStatus
type ConversionStatusReport struct {
	TransactionID string           `json:"transaction_id,omitempty"`
	Status        ConversionStatus `json:"status"`
	FailureReason string           `json:"failure_reason,omitempty"`
	SettlementRef string           `json:"solana_tx_signature,omitempty"`
}

// LibraryEntry is one owned item as listed by the library endpoint
type LibraryEntry struct {
	ContentID   string `json:"content_id"`
	ChapterID   string `json:"chapter_id,omitempty"`
	IntentID    string `json:"intent_id,omitempty"`
	MintAddress string `json:"nft_mint_address,omitempty"`
}
