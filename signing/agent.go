// Package signing obtains a fresh backend-prepared authorization and has the
// connected wallet sign it, refusing to prompt when the wallet is not the
// designated payer.
package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/renaissblock/checkout/types"
)

// ErrUserRejected is wrapped by wallets when the user declines a signing prompt
var ErrUserRejected = errors.New("user rejected the signature request")

// Wallet is the external wallet provider
type Wallet interface {
	// ConnectedIdentity returns the identity currently connected, or "" if none
	ConnectedIdentity(ctx context.Context) (string, error)
	// Sign returns the signed form of a base64 payload
	Sign(ctx context.Context, payload string) (string, error)
}

// IdentityNormalizer is implemented by wallets whose identities have more
// than one textual form.
type IdentityNormalizer interface {
	NormalizeIdentity(identity string) (string, error)
}

// SlotLocator is implemented by wallets that can find the signer's signature
// slot inside a payload.
type SlotLocator interface {
	SignatureSlot(payload string, signer string) (int, error)
}

// Agent prepares and signs balance-rail payments
type Agent struct {
	source types.AuthorizationSource
	wallet Wallet
	logger *slog.Logger
	now    func() time.Time
}

// AgentOption configures an Agent
type AgentOption func(*Agent)

// WithLogger sets the agent logger
func WithLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides time.Now for expiry checks
func WithClock(now func() time.Time) AgentOption {
	return func(a *Agent) {
		a.now = now
	}
}

// NewAgent creates a signing agent
func NewAgent(source types.AuthorizationSource, wallet Wallet, opts ...AgentOption) *Agent {
	a := &Agent{
		source: source,
		wallet: wallet,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PrepareAndSign fetches a fresh authorization for intentID and signs it.
// The authorization is never cached: every call fetches a new one.
func (a *Agent) PrepareAndSign(ctx context.Context, intentID string) (*types.SignedPayment, error) {
	logger := a.logger.With("intent_id", intentID)

	auth, err := a.source.PrepareBalancePayment(ctx, intentID)
	if err != nil {
		if be, ok := types.AsBackendError(err); ok {
			ce := types.NewRejectedError("could not prepare payment", be.Reason)
			ce.Err = err
			return nil, ce
		}
		return nil, types.NewCheckoutError(types.ErrCodeSubmissionNetworkError, "could not prepare payment", err)
	}
	if auth.FetchedAt.IsZero() {
		auth.FetchedAt = a.now()
	}

	identity, err := a.wallet.ConnectedIdentity(ctx)
	if err != nil {
		return nil, types.NewCheckoutError(types.ErrCodeSessionMismatch, "wallet identity unavailable", err)
	}

	connected, err := a.normalize(identity)
	if err != nil {
		return nil, types.NewCheckoutError(types.ErrCodeSessionMismatch, "connected wallet identity is invalid", err)
	}
	designated, err := a.normalize(auth.DesignatedPayer)
	if err != nil {
		return nil, types.NewCheckoutError(types.ErrCodeSessionMismatch, "designated payer is invalid", err)
	}
	if connected == "" || connected != designated {
		logger.Warn("wallet does not match designated payer", "connected", connected, "designated", designated)
		return nil, types.NewCheckoutError(types.ErrCodeSessionMismatch,
			fmt.Sprintf("connected wallet %q is not the payer %q; reconnect the right wallet", connected, designated), nil)
	}

	if auth.Expired(a.now()) {
		return nil, types.NewCheckoutError(types.ErrCodeAuthorizationExpired, "payment authorization expired", nil)
	}

	signed, err := a.wallet.Sign(ctx, auth.Payload)
	if err != nil {
		if errors.Is(err, ErrUserRejected) {
			logger.Info("user declined signing")
			return nil, types.NewCheckoutError(types.ErrCodeUserCancelledSigning, "signing cancelled", err)
		}
		return nil, types.NewCheckoutError(types.ErrCodeUserCancelledSigning, "wallet failed to sign", err)
	}

	slot := 0
	if locator, ok := a.wallet.(SlotLocator); ok {
		slot, err = locator.SignatureSlot(auth.Payload, designated)
		if err != nil {
			return nil, types.NewCheckoutError(types.ErrCodeSessionMismatch, "payer is not a signer of this payment", err)
		}
	}

	logger.Debug("payment signed", "slot", slot)
	return &types.SignedPayment{
		IntentID:       intentID,
		Payload:        signed,
		SignatureIndex: slot,
		Signer:         designated,
	}, nil
}

func (a *Agent) normalize(identity string) (string, error) {
	if identity == "" {
		return "", nil
	}
	if n, ok := a.wallet.(IdentityNormalizer); ok {
		return n.NormalizeIdentity(identity)
	}
	return identity, nil
}
