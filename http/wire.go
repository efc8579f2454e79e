package http

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/renaissblock/checkout/types"
)

// flexID accepts identifiers serialized either as JSON strings or numbers
type flexID string

func (id *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = flexID(n.String())
	return nil
}

// The wire structs shadow id fields of the embedded types, which the backend
// may send as numbers.

type createdIntentWire struct {
	types.CreatedIntent
	IntentID flexID `json:"intent_id"`
}

type preparedAuthorizationWire struct {
	types.PreparedAuthorization
	IntentID flexID `json:"intent_id"`
}

type submitReceiptWire struct {
	types.SubmitReceipt
	IntentID flexID `json:"intent_id"`
}

type intentStatusWire struct {
	types.IntentStatusReport
	IntentID   flexID `json:"intent_id"`
	PurchaseID flexID `json:"purchase_id"`
}

type conversionSessionWire struct {
	types.ConversionSession
	TransactionID flexID `json:"transaction_id"`
}

type conversionStatusWire struct {
	types.ConversionStatusReport
	TransactionID flexID `json:"transaction_id"`
}

type libraryItemWire struct {
	ID          flexID `json:"id"`
	ChapterID   flexID `json:"chapter_id"`
	IntentID    flexID `json:"intent_id"`
	MintAddress string `json:"nft_mint_address"`
}

// errorBody is the backend's error envelope
type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          string `json:"code"`
	FailureReason string `json:"failure_reason"`
}

type selectMethodRequest struct {
	Method types.Method `json:"method"`
}
