package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncStatus is the freshness state of a cached balance
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncSyncing  SyncStatus = "syncing"
	SyncStale    SyncStatus = "stale"
	SyncError    SyncStatus = "error"
	SyncNoWallet SyncStatus = "no_wallet"
)

// BalanceReport is the wire shape of getBalance / syncBalance
type BalanceReport struct {
	Balance    decimal.Decimal `json:"balance"`
	SyncStatus SyncStatus      `json:"sync_status"`
	LastSynced *time.Time      `json:"last_synced,omitempty"`
	IsStale    bool            `json:"is_stale,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// BalanceSnapshot is the cached view of the buyer's spendable balance
type BalanceSnapshot struct {
	Amount     decimal.Decimal
	Known      bool
	SyncStatus SyncStatus
	LastSynced time.Time
	Err        error
}

// Covers reports whether the snapshot is known and at least amount
func (s BalanceSnapshot) Covers(amount decimal.Decimal) bool {
	return s.Known && s.Amount.GreaterThanOrEqual(amount)
}
