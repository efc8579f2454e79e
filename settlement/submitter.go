// Package settlement presents signed payments to the backend at most once and
// recovers the outcome from intent status when the network drops the response.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/renaissblock/checkout/poller"
	"github.com/renaissblock/checkout/types"
)

const (
	DefaultRecoveryDelay    = 2 * time.Second
	DefaultRecoveryInterval = 3 * time.Second
	DefaultRecoveryAttempts = 5
)

// Result is a settled (or presumed settled) payment
type Result struct {
	IntentID      string
	SettlementRef string
	Status        types.IntentStatus
	MintAddress   string
	// Confirmed is false when recovery polling ran out without a definitive
	// status and success was assumed.
	Confirmed bool
	// Recovered is true when the outcome came from status queries rather than
	// the submit response.
	Recovered bool
}

// BalanceSyncer is the slice of the balance store used after settlement
type BalanceSyncer interface {
	ForceSync(ctx context.Context) (types.BalanceSnapshot, error)
}

// Submitter presents signed payments
type Submitter struct {
	backend types.SettlementBackend
	cart    types.CartBackend
	balance BalanceSyncer
	ledger  *Ledger
	logger  *slog.Logger

	recoveryDelay    time.Duration
	recoveryInterval time.Duration
	recoveryAttempts int
}

// Option configures a Submitter
type Option func(*Submitter)

// WithCart enables clearing the cart after a cart purchase settles
func WithCart(cart types.CartBackend) Option {
	return func(s *Submitter) {
		s.cart = cart
	}
}

// WithBalance sets the store resynced after settlement
func WithBalance(b BalanceSyncer) Option {
	return func(s *Submitter) {
		s.balance = b
	}
}

// WithLedger shares a ledger between submitters
func WithLedger(l *Ledger) Option {
	return func(s *Submitter) {
		if l != nil {
			s.ledger = l
		}
	}
}

// WithLogger sets the submitter logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecovery overrides the wait before the first status query, the poll
// interval and the poll bound used after a transport failure.
func WithRecovery(delay, interval time.Duration, attempts int) Option {
	return func(s *Submitter) {
		s.recoveryDelay = delay
		s.recoveryInterval = interval
		if attempts > 0 {
			s.recoveryAttempts = attempts
		}
	}
}

// NewSubmitter creates a submitter
func NewSubmitter(backend types.SettlementBackend, opts ...Option) *Submitter {
	s := &Submitter{
		backend:          backend,
		ledger:           NewLedger(0),
		logger:           slog.New(slog.DiscardHandler),
		recoveryDelay:    DefaultRecoveryDelay,
		recoveryInterval: DefaultRecoveryInterval,
		recoveryAttempts: DefaultRecoveryAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger returns the submitter's ledger
func (s *Submitter) Ledger() *Ledger {
	return s.ledger
}

// SubmitOption tunes a single submission
type SubmitOption func(*submitConfig)

type submitConfig struct {
	cartPurchase bool
}

// CartPurchase marks the payment as settling the whole cart
func CartPurchase(yes bool) SubmitOption {
	return func(c *submitConfig) {
		c.cartPurchase = yes
	}
}

// Submit presents signed to the backend. A transport failure is never
// retried: the outcome is recovered from intent status instead. The same
// payload submitted again replays the first outcome. Once the request has
// started, cancelling ctx does not abort it.
func (s *Submitter) Submit(ctx context.Context, signed types.SignedPayment, opts ...SubmitOption) (*Result, error) {
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	key := LedgerKey(signed.Payload)
	entry := s.ledger.CheckAndMark(key, signed.IntentID)

	switch entry.Status {
	case EntryRecorded:
		s.logger.Info("replaying recorded settlement", "intent_id", signed.IntentID)
		return entry.Result, entry.Err
	case EntryInFlight:
		recorded, err := s.ledger.Wait(ctx, key, entry)
		if err != nil {
			return nil, types.NewCheckoutError(types.ErrCodeInvalidState, "settlement still in flight", err)
		}
		return recorded.Result, recorded.Err
	case EntryIntentBusy:
		return nil, types.NewCheckoutError(types.ErrCodeDuplicateSubmission,
			"a payment for this intent has already been submitted", nil)
	}

	result, err := s.present(context.WithoutCancel(ctx), signed, cfg)
	s.ledger.Record(key, signed.IntentID, entry, result, err)
	return result, err
}

func (s *Submitter) present(ctx context.Context, signed types.SignedPayment, cfg submitConfig) (*Result, error) {
	logger := s.logger.With("intent_id", signed.IntentID)

	receipt, err := s.backend.SubmitSignedPayment(ctx, signed.IntentID, signed)
	switch {
	case err == nil:
		if receipt.Status.Rejected() {
			return nil, types.NewRejectedError("payment rejected", receipt.Message)
		}
		status := receipt.Status
		if status == "" {
			status = types.StatusCompleted
		}
		result := &Result{
			IntentID:      signed.IntentID,
			SettlementRef: receipt.Signature,
			Status:        status,
			Confirmed:     true,
		}
		logger.Info("payment settled", "settlement_ref", result.SettlementRef)
		s.afterSettle(ctx, result, cfg)
		return result, nil

	case types.IsTransportError(err):
		logger.Warn("submit response lost, recovering from status", "error", err)
		return s.recover(ctx, signed, cfg)

	default:
		if be, ok := types.AsBackendError(err); ok {
			ce := types.NewRejectedError(nonEmpty(be.Message, "payment rejected"), be.Reason)
			ce.Err = err
			return nil, ce
		}
		return nil, types.NewCheckoutError(types.ErrCodeSubmissionNetworkError, "payment submission failed", err)
	}
}

func (s *Submitter) recover(ctx context.Context, signed types.SignedPayment, cfg submitConfig) (*Result, error) {
	logger := s.logger.With("intent_id", signed.IntentID)

	if err := sleep(ctx, s.recoveryDelay); err != nil {
		return nil, types.NewCheckoutError(types.ErrCodeSubmissionNetworkError, "settlement recovery interrupted", err)
	}

	var settled *types.IntentStatusReport
	var rejectErr error
	check := func(ctx context.Context, attempt int) (poller.Outcome, error) {
		report, err := s.backend.GetIntentStatus(ctx, signed.IntentID)
		if err != nil {
			logger.Debug("status query failed", "attempt", attempt, "error", err)
			return poller.OutcomePending, err
		}
		switch {
		case report.Status.Settled():
			settled = report
			return poller.OutcomeSuccess, nil
		case report.Status.Rejected():
			rejectErr = types.NewRejectedError("payment rejected", report.FailureReason)
			return poller.OutcomeFailure, rejectErr
		}
		return poller.OutcomePending, nil
	}

	outcome, err := check(ctx, 0)
	if outcome == poller.OutcomePending {
		cycle := poller.Start(ctx, check, poller.Options{
			Interval:    s.recoveryInterval,
			MaxAttempts: s.recoveryAttempts,
		})
		res, _ := cycle.Wait(ctx)
		outcome, err = res.Outcome, res.Err
	}

	switch outcome {
	case poller.OutcomeSuccess:
		result := &Result{
			IntentID:      signed.IntentID,
			SettlementRef: settled.SettlementRef,
			Status:        settled.Status,
			MintAddress:   settled.MintAddress,
			Confirmed:     true,
			Recovered:     true,
		}
		logger.Info("settlement recovered", "settlement_ref", result.SettlementRef)
		s.afterSettle(ctx, result, cfg)
		return result, nil
	case poller.OutcomeFailure:
		return nil, rejectErr
	}

	// The backend never said no. Treat the payment as settled but unconfirmed.
	logger.Warn("settlement status unresolved, assuming success", "error", err)
	result := &Result{
		IntentID:  signed.IntentID,
		Status:    types.StatusProcessing,
		Confirmed: false,
		Recovered: true,
	}
	s.afterSettle(ctx, result, cfg)
	return result, nil
}

func (s *Submitter) afterSettle(ctx context.Context, result *Result, cfg submitConfig) {
	if cfg.cartPurchase && s.cart != nil {
		if err := s.cart.ClearCart(ctx); err != nil {
			s.logger.Warn("cart clear failed", "intent_id", result.IntentID, "error", err)
		}
	}
	if s.balance != nil {
		if _, err := s.balance.ForceSync(ctx); err != nil {
			s.logger.Warn("balance resync failed", "intent_id", result.IntentID, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
