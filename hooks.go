package checkout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/renaissblock/checkout/types"
)

// ============================================================================
// Hook Context Types
// ============================================================================

// SubmitContext contains information passed to hooks before a rail commits funds
type SubmitContext struct {
	Ctx       context.Context
	IntentID  string
	Method    types.Method
	Total     decimal.Decimal
	Signed    *types.SignedPayment // nil outside the balance rail
	Timestamp time.Time
}

// SettleResultContext contains a successful settlement and its context
type SettleResultContext struct {
	SubmitContext
	SettlementRef string
	Confirmed     bool
	Recovered     bool
	Duration      time.Duration
}

// SettleFailureContext contains a failed settlement and its context
type SettleFailureContext struct {
	SubmitContext
	Error    error
	Duration time.Duration
}

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the payment is not started and Reason is reported
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Hook Function Types
// ============================================================================

// BeforeSubmitHook is called before a signed payment is submitted, a
// conversion widget is opened, or a direct transfer is handed off.
// If it returns a result with Abort=true, the flow stops in the error state.
type BeforeSubmitHook func(SubmitContext) (*BeforeHookResult, error)

// AfterSettleHook is called after a successful settlement on any rail
// Any error returned will be logged but will not affect the outcome
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook is called when a rail fails to settle
// Any error returned will be logged
type OnSettleFailureHook func(SettleFailureContext) error

// ============================================================================
// Hook Registration Options
// ============================================================================

// WithBeforeSubmitHook registers a hook to execute before funds are committed
func WithBeforeSubmitHook(hook BeforeSubmitHook) Option {
	return func(c *Coordinator) {
		c.beforeSubmitHooks = append(c.beforeSubmitHooks, hook)
	}
}

// WithAfterSettleHook registers a hook to execute after a successful settlement
func WithAfterSettleHook(hook AfterSettleHook) Option {
	return func(c *Coordinator) {
		c.afterSettleHooks = append(c.afterSettleHooks, hook)
	}
}

// WithOnSettleFailureHook registers a hook to execute when settlement fails
func WithOnSettleFailureHook(hook OnSettleFailureHook) Option {
	return func(c *Coordinator) {
		c.onSettleFailureHooks = append(c.onSettleFailureHooks, hook)
	}
}

func (c *Coordinator) runBeforeSubmit(hookCtx SubmitContext) error {
	for _, hook := range c.beforeSubmitHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return types.NewCheckoutError(types.ErrCodeInvalidState, "payment blocked", err)
		}
		if result != nil && result.Abort {
			ce := types.NewCheckoutError(types.ErrCodeInvalidState, "payment blocked", nil)
			ce.Reason = result.Reason
			return ce
		}
	}
	return nil
}

func (c *Coordinator) runAfterSettle(resultCtx SettleResultContext) {
	for _, hook := range c.afterSettleHooks {
		if err := hook(resultCtx); err != nil {
			c.logger.Warn("after settle hook failed", "intent_id", resultCtx.IntentID, "error", err)
		}
	}
}

func (c *Coordinator) runSettleFailure(failureCtx SettleFailureContext) {
	for _, hook := range c.onSettleFailureHooks {
		if err := hook(failureCtx); err != nil {
			c.logger.Warn("settle failure hook failed", "intent_id", failureCtx.IntentID, "error", err)
		}
	}
}
