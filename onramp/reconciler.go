// Package onramp runs the card-to-stablecoin conversion rail: it opens the
// provider widget and reconciles its outcome against backend conversion
// status and the buyer's balance.
package onramp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/renaissblock/checkout/poller"
	"github.com/renaissblock/checkout/types"
)

const (
	DefaultPollInterval       = 3 * time.Second
	DefaultClosedPollAttempts = 8
	DefaultAutoOpenDelay      = 500 * time.Millisecond
)

// DefaultBalanceThreshold is the balance increase that counts as a completed top-up
var DefaultBalanceThreshold = decimal.RequireFromString("0.01")

// State is the reconciler lifecycle
type State string

const (
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateProcessing State = "processing"
	StateChecking   State = "checking"
	StateSuccess    State = "success"
	StateError      State = "error"
	StateCancel     State = "cancel"
)

// StateChange is published to state listeners
type StateChange struct {
	State         State
	TransactionID string
	Explanation   string
	AmountToAdd   decimal.Decimal
	Err           error
}

// Outcome is how a conversion run ended without error
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeCancel  Outcome = "cancel"
)

// Result is a finished conversion run
type Result struct {
	TransactionID string
	Outcome       Outcome
	SettlementRef string
	// Signal names what confirmed success: "status" or "balance"
	Signal string
	Polls  int
}

// BalanceSource is the slice of the balance store used for the balance signal
type BalanceSource interface {
	Snapshot() types.BalanceSnapshot
	Refresh(ctx context.Context) (types.BalanceSnapshot, error)
	ForceSync(ctx context.Context) (types.BalanceSnapshot, error)
}

// Reconciler drives one conversion at a time per Run call
type Reconciler struct {
	backend types.ConversionBackend
	widget  Widget
	balance BalanceSource
	logger  *slog.Logger

	interval       time.Duration
	closedAttempts int
	autoOpenDelay  time.Duration
	threshold      decimal.Decimal
	onState        func(StateChange)
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithLogger sets the reconciler logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPollInterval overrides DefaultPollInterval
func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		r.interval = d
	}
}

// WithClosedPollAttempts bounds polling after the widget is closed without success
func WithClosedPollAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.closedAttempts = n
		}
	}
}

// WithAutoOpenDelay overrides DefaultAutoOpenDelay
func WithAutoOpenDelay(d time.Duration) Option {
	return func(r *Reconciler) {
		r.autoOpenDelay = d
	}
}

// WithBalanceThreshold overrides DefaultBalanceThreshold
func WithBalanceThreshold(t decimal.Decimal) Option {
	return func(r *Reconciler) {
		r.threshold = t
	}
}

// WithStateListener receives every state change
func WithStateListener(fn func(StateChange)) Option {
	return func(r *Reconciler) {
		r.onState = fn
	}
}

// NewReconciler creates a reconciler
func NewReconciler(backend types.ConversionBackend, widget Widget, balance BalanceSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		backend:        backend,
		widget:         widget,
		balance:        balance,
		logger:         slog.New(slog.DiscardHandler),
		interval:       DefaultPollInterval,
		closedAttempts: DefaultClosedPollAttempts,
		autoOpenDelay:  DefaultAutoOpenDelay,
		threshold:      DefaultBalanceThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var errResolved = errors.New("signal resolved")

// Run initiates a conversion for intentID and blocks until it resolves.
// A cancel outcome is returned without error; a cancelled ctx returns ctx.Err().
func (r *Reconciler) Run(ctx context.Context, intentID string) (*Result, error) {
	logger := r.logger.With("intent_id", intentID)
	r.publish(StateChange{State: StateLoading})

	session, err := r.backend.InitiateConversionWidget(ctx, intentID)
	if err != nil {
		return nil, r.fail("", types.NewCheckoutError(types.ErrCodeConversionFailed, "could not start card payment", err))
	}
	if err := ValidateWidgetConfig(session.WidgetConfig); err != nil {
		return nil, r.fail(session.TransactionID, types.NewCheckoutError(types.ErrCodeConversionFailed, "card payment unavailable", err))
	}
	txID := session.TransactionID
	logger = logger.With("conversion_tx", txID)

	// Without a known starting balance the delta signal stays off until a
	// later read records one.
	var baseline *decimal.Decimal
	snap := r.balance.Snapshot()
	if !snap.Known {
		if fresh, err := r.balance.Refresh(ctx); err == nil {
			snap = fresh
		}
	}
	if snap.Known {
		amount := snap.Amount
		baseline = &amount
	} else {
		logger.Info("starting balance unknown, relying on conversion status")
	}

	r.publish(StateChange{
		State:         StateReady,
		TransactionID: txID,
		Explanation:   session.Explanation,
		AmountToAdd:   session.AmountToAdd,
	})

	if err := sleep(ctx, r.autoOpenDelay); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	callbacks, signals := funnel(done)

	if err := r.widget.Open(ctx, session.WidgetConfig, callbacks); err != nil {
		return nil, r.fail(txID, types.NewCheckoutError(types.ErrCodeConversionFailed, "could not open card payment", err))
	}
	defer func() {
		if err := r.widget.Close(); err != nil {
			logger.Debug("widget close failed", "error", err)
		}
	}()

	opened := false
	for {
		select {
		case <-ctx.Done():
			r.publish(StateChange{State: StateCancel, TransactionID: txID})
			return nil, ctx.Err()

		case sig := <-signals:
			switch sig.kind {
			case signalEvent:
				if sig.name == EventTransitionView {
					opened = true
				}
				continue

			case signalSuccess:
				logger.Info("widget reported success, confirming")
				r.publish(StateChange{State: StateProcessing, TransactionID: txID})
				return r.reconcile(ctx, txID, baseline, 0)

			case signalExit:
				if !opened {
					logger.Info("widget closed before opening")
					r.publish(StateChange{State: StateCancel, TransactionID: txID})
					return &Result{TransactionID: txID, Outcome: OutcomeCancel}, nil
				}
				logger.Info("widget closed, checking for a late completion", "error", sig.err)
				r.publish(StateChange{State: StateChecking, TransactionID: txID})
				return r.reconcile(ctx, txID, baseline, r.closedAttempts)
			}
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, txID string, baseline *decimal.Decimal, bound int) (*Result, error) {
	var hit *Result
	var failure error

	check := func(ctx context.Context, attempt int) (poller.Outcome, error) {
		res, seen, err := r.dualSignal(ctx, txID, baseline)
		if baseline == nil && seen != nil {
			r.logger.Debug("balance baseline recorded", "conversion_tx", txID, "amount", seen.String())
			baseline = seen
		}
		if err != nil {
			failure = err
			return poller.OutcomeFailure, err
		}
		if res != nil {
			res.Polls = attempt
			hit = res
			return poller.OutcomeSuccess, nil
		}
		return poller.OutcomePending, nil
	}

	cycle := poller.Start(ctx, check, poller.Options{Interval: r.interval, MaxAttempts: bound})
	defer cycle.Cancel()

	res, err := cycle.Wait(ctx)
	if err != nil || res.Cancelled {
		r.publish(StateChange{State: StateCancel, TransactionID: txID})
		return nil, ctx.Err()
	}

	switch res.Outcome {
	case poller.OutcomeSuccess:
		r.finish(ctx, txID)
		r.publish(StateChange{State: StateSuccess, TransactionID: txID})
		return hit, nil
	case poller.OutcomeFailure:
		return nil, r.fail(txID, failure)
	}

	r.logger.Info("no completion seen after widget closed", "conversion_tx", txID, "attempt", res.Attempts)
	r.publish(StateChange{State: StateCancel, TransactionID: txID})
	return &Result{TransactionID: txID, Outcome: OutcomeCancel, Polls: res.Attempts}, nil
}

// dualSignal races the conversion status against the balance delta within one
// tick. The first positive signal cancels the other. With a nil baseline the
// balance read can only seed one, returned as seen.
func (r *Reconciler) dualSignal(ctx context.Context, txID string, baseline *decimal.Decimal) (*Result, *decimal.Decimal, error) {
	g, gctx := errgroup.WithContext(ctx)

	var report *types.ConversionStatusReport
	var balanceHit bool
	var seen *decimal.Decimal

	g.Go(func() error {
		rep, err := r.backend.GetConversionStatus(gctx, txID)
		if err != nil {
			if gctx.Err() == nil {
				r.logger.Debug("conversion status failed", "conversion_tx", txID, "error", err)
			}
			return nil
		}
		if rep.Status == types.ConversionCompleted || rep.Status == types.ConversionFailed {
			report = rep
			return errResolved
		}
		return nil
	})
	g.Go(func() error {
		snap, err := r.balance.Refresh(gctx)
		if err != nil {
			return nil
		}
		if !snap.Known {
			return nil
		}
		if baseline == nil {
			amount := snap.Amount
			seen = &amount
			return nil
		}
		if snap.Amount.Sub(*baseline).GreaterThan(r.threshold) {
			balanceHit = true
			return errResolved
		}
		return nil
	})

	_ = g.Wait()

	switch {
	case balanceHit:
		return &Result{TransactionID: txID, Outcome: OutcomeSuccess, Signal: "balance"}, nil, nil
	case report != nil && report.Status == types.ConversionCompleted:
		return &Result{TransactionID: txID, Outcome: OutcomeSuccess, Signal: "status", SettlementRef: report.SettlementRef}, seen, nil
	case report != nil:
		ce := types.NewCheckoutError(types.ErrCodeConversionFailed, "card payment failed", nil)
		ce.Reason = report.FailureReason
		return nil, seen, ce
	}
	return nil, seen, nil
}

func (r *Reconciler) finish(ctx context.Context, txID string) {
	if _, err := r.balance.ForceSync(ctx); err != nil {
		r.logger.Warn("balance resync failed", "conversion_tx", txID, "error", err)
	}
	if err := r.backend.CompleteConversion(ctx, txID); err != nil {
		r.logger.Warn("conversion completion failed", "conversion_tx", txID, "error", err)
	}
}

func (r *Reconciler) fail(txID string, err error) error {
	r.logger.Warn("conversion failed", "conversion_tx", txID, "error", err)
	r.publish(StateChange{State: StateError, TransactionID: txID, Err: err})
	return err
}

func (r *Reconciler) publish(c StateChange) {
	if r.onState != nil {
		r.onState(c)
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
