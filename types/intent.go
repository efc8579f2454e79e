package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Method identifies a settlement rail offered for a purchase intent
type Method string

const (
	MethodBalance      Method = "balance"
	MethodCoinbase     Method = "coinbase"
	MethodDirectCrypto Method = "direct_crypto"
)

// Valid reports whether m is one of the known settlement rails
func (m Method) Valid() bool {
	switch m {
	case MethodBalance, MethodCoinbase, MethodDirectCrypto:
		return true
	}
	return false
}

// IntentStatus is the server-side lifecycle status of a purchase intent
type IntentStatus string

const (
	StatusPending           IntentStatus = "pending"
	StatusAwaitingSignature IntentStatus = "awaiting_signature"
	StatusAwaitingPayment   IntentStatus = "awaiting_payment"
	StatusProcessing        IntentStatus = "processing"
	StatusPaymentReceived   IntentStatus = "payment_received"
	StatusCompleted         IntentStatus = "completed"
	StatusFailed            IntentStatus = "failed"
	StatusRefunded          IntentStatus = "refunded"
)

// statusRank orders the forward path. Failure states sit outside the ranking
// and are reachable from any non-terminal status.
var statusRank = map[IntentStatus]int{
	StatusPending:           0,
	StatusAwaitingSignature: 1,
	StatusAwaitingPayment:   1,
	StatusProcessing:        2,
	StatusPaymentReceived:   3,
	StatusCompleted:         4,
}

// Terminal reports whether no further transition is allowed
func (s IntentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// Settled reports whether the backend has the funds for this intent
func (s IntentStatus) Settled() bool {
	return s == StatusCompleted || s == StatusPaymentReceived
}

// Rejected reports whether the backend reported a semantic failure
func (s IntentStatus) Rejected() bool {
	return s == StatusFailed || s == StatusRefunded
}

// CanTransition reports whether moving from s to next keeps the status monotonic.
// Staying on the same status is allowed.
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == StatusFailed || next == StatusRefunded {
		return true
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// PaymentOption is one candidate settlement rail returned with an intent
type PaymentOption struct {
	Method      Method          `json:"method"`
	Available   bool            `json:"available"`
	Primary     bool            `json:"primary"`
	Label       string          `json:"label,omitempty"`
	Description string          `json:"description,omitempty"`
	Explanation string          `json:"explanation,omitempty"`
	MinimumAdd  decimal.Decimal `json:"minimum_add,omitempty"`
}

// IntentRequest selects what is being bought. Exactly one of ContentID,
// ChapterID or Cart must be set.
type IntentRequest struct {
	ContentID string `json:"content_id,omitempty"`
	ChapterID string `json:"chapter_id,omitempty"`
	Cart      bool   `json:"cart,omitempty"`
}

// Validate checks that the request names exactly one purchasable target
func (r IntentRequest) Validate() error {
	n := 0
	if r.ContentID != "" {
		n++
	}
	if r.ChapterID != "" {
		n++
	}
	if r.Cart {
		n++
	}
	if n != 1 {
		return fmt.Errorf("must specify exactly one of content_id, chapter_id or cart")
	}
	return nil
}

// CreatedIntent is the backend response to createIntent
type CreatedIntent struct {
	IntentID       string          `json:"intent_id"`
	Payer          string          `json:"payer,omitempty"`
	Total          decimal.Decimal `json:"total_amount"`
	PaymentOptions []PaymentOption `json:"payment_options"`
	Balance        decimal.Decimal `json:"balance"`
	Status         IntentStatus    `json:"status,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at,omitempty"`
}

// PurchaseIntent is the client-side record of one checkout attempt.
// The total is fixed at creation and the status only moves forward.
type PurchaseIntent struct {
	ID        string
	Payer     string
	Options   []PaymentOption
	Balance   decimal.Decimal
	ExpiresAt time.Time
	Cart      bool

	total  decimal.Decimal
	status IntentStatus
}

// NewPurchaseIntent builds an intent from the backend response
func NewPurchaseIntent(created CreatedIntent, cart bool) *PurchaseIntent {
	status := created.Status
	if status == "" {
		status = StatusPending
	}
	options := make([]PaymentOption, len(created.PaymentOptions))
	copy(options, created.PaymentOptions)
	return &PurchaseIntent{
		ID:        created.IntentID,
		Payer:     created.Payer,
		Options:   options,
		Balance:   created.Balance,
		ExpiresAt: created.ExpiresAt,
		Cart:      cart,
		total:     created.Total,
		status:    status,
	}
}

// Total returns the fixed purchase amount
func (p *PurchaseIntent) Total() decimal.Decimal {
	return p.total
}

// Status returns the last recorded status
func (p *PurchaseIntent) Status() IntentStatus {
	return p.status
}

// Advance moves the intent to next, rejecting any regression
func (p *PurchaseIntent) Advance(next IntentStatus) error {
	if !p.status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, p.status, next)
	}
	p.status = next
	return nil
}

// Expired reports whether the intent's server-side window has passed.
// Intents without an expiry never expire client-side.
func (p *PurchaseIntent) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Option returns the candidate option for method
func (p *PurchaseIntent) Option(method Method) (PaymentOption, bool) {
	for _, opt := range p.Options {
		if opt.Method == method {
			return opt, true
		}
	}
	return PaymentOption{}, false
}

// ApplyBalanceSufficiency marks the balance option available only when the
// balance covers the total, and moves the primary flag to the card rail otherwise.
func (p *PurchaseIntent) ApplyBalanceSufficiency(sufficient bool) {
	for i := range p.Options {
		switch p.Options[i].Method {
		case MethodBalance:
			p.Options[i].Available = p.Options[i].Available && sufficient
			p.Options[i].Primary = p.Options[i].Available
		case MethodCoinbase:
			if !sufficient {
				p.Options[i].Primary = true
			}
		}
	}
}

// CoinbaseMinimum is the smallest top-up the conversion provider accepts
var CoinbaseMinimum = decimal.NewFromFloat(5.00)

// MinimumTopUp returns how much a card top-up must add so the balance covers total
func MinimumTopUp(balance, total decimal.Decimal) decimal.Decimal {
	needed := total.Sub(balance)
	if !needed.IsPositive() {
		return decimal.Zero
	}
	return decimal.Max(needed, CoinbaseMinimum)
}
