package onramp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renaissblock/checkout/types"
)

func validConfig() map[string]interface{} {
	return map[string]interface{}{
		"appId": "app-1",
		"destinationWallets": []interface{}{
			map[string]interface{}{"address": "Buyer111", "blockchains": []interface{}{"solana"}, "assets": []interface{}{"USDC"}},
		},
		"presetCryptoAmount": 5.0,
		"sessionId":          "rb_1_abc",
	}
}

type fakeConversions struct {
	mu        sync.Mutex
	config    map[string]interface{}
	statuses  []types.ConversionStatus // served in order, last one repeats
	reason    string
	initErr   error
	queries   atomic.Int32
	completed atomic.Int32
}

func (f *fakeConversions) InitiateConversionWidget(ctx context.Context, intentID string) (*types.ConversionSession, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	cfg := f.config
	if cfg == nil {
		cfg = validConfig()
	}
	return &types.ConversionSession{
		TransactionID: "cb-1",
		WidgetConfig:  cfg,
		Explanation:   "Add $5.00 to complete this purchase",
		MinimumAmount: decimal.RequireFromString("5.00"),
		AmountToAdd:   decimal.RequireFromString("5.00"),
	}, nil
}

func (f *fakeConversions) GetConversionStatus(ctx context.Context, txID string) (*types.ConversionStatusReport, error) {
	f.queries.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return &types.ConversionStatusReport{TransactionID: txID, Status: s, FailureReason: f.reason}, nil
}

func (f *fakeConversions) CompleteConversion(ctx context.Context, txID string) error {
	f.completed.Add(1)
	return nil
}

type fakeBalance struct {
	mu     sync.Mutex
	amount decimal.Decimal
	syncs  atomic.Int32

	// unknown hides the amount until the first successful Refresh
	unknown       bool
	failRefreshes atomic.Int32
	refreshes     atomic.Int32
	onRefresh     func(n int32)
}

func (b *fakeBalance) set(v string) {
	b.mu.Lock()
	b.amount = decimal.RequireFromString(v)
	b.mu.Unlock()
}

func (b *fakeBalance) Snapshot() types.BalanceSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unknown {
		return types.BalanceSnapshot{SyncStatus: types.SyncError}
	}
	return types.BalanceSnapshot{Amount: b.amount, Known: true, SyncStatus: types.SyncSynced}
}

func (b *fakeBalance) Refresh(ctx context.Context) (types.BalanceSnapshot, error) {
	n := b.refreshes.Add(1)
	if b.onRefresh != nil {
		b.onRefresh(n)
	}
	if b.failRefreshes.Load() > 0 {
		b.failRefreshes.Add(-1)
		return b.Snapshot(), errors.New("balance unavailable")
	}
	b.mu.Lock()
	b.unknown = false
	b.mu.Unlock()
	return b.Snapshot(), nil
}

func (b *fakeBalance) ForceSync(ctx context.Context) (types.BalanceSnapshot, error) {
	b.syncs.Add(1)
	return b.Snapshot(), nil
}

// scriptedWidget replays callbacks once opened
type scriptedWidget struct {
	script func(cb Callbacks)
	opens  atomic.Int32
	closes atomic.Int32
}

func (w *scriptedWidget) Open(ctx context.Context, config map[string]interface{}, cb Callbacks) error {
	w.opens.Add(1)
	go w.script(cb)
	return nil
}

func (w *scriptedWidget) Close() error {
	w.closes.Add(1)
	return nil
}

func newTestReconciler(backend *fakeConversions, widget Widget, bal *fakeBalance, opts ...Option) *Reconciler {
	opts = append([]Option{
		WithPollInterval(2 * time.Millisecond),
		WithAutoOpenDelay(time.Millisecond),
	}, opts...)
	return NewReconciler(backend, widget, bal, opts...)
}

func TestClosedBeforeOpeningCancelsWithoutPolling(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{types.ConversionPending}}
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnExit(nil)
	}}
	var states []State
	rec := newTestReconciler(backend, widget, &fakeBalance{}, WithStateListener(func(c StateChange) {
		states = append(states, c.State)
	}))

	res, err := rec.Run(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancel, res.Outcome)
	assert.Zero(t, backend.queries.Load(), "no status polls when widget never opened")
	assert.Equal(t, []State{StateLoading, StateReady, StateCancel}, states)
	assert.Equal(t, int32(1), widget.closes.Load())
}

func TestClosedAfterOpeningFindsLateCompletionByStatus(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{
		types.ConversionPending,
		types.ConversionPending,
		types.ConversionCompleted,
	}}
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnEvent(EventTransitionView)
		cb.OnExit(nil)
	}}
	bal := &fakeBalance{}
	rec := newTestReconciler(backend, widget, bal)

	res, err := rec.Run(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "status", res.Signal)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, int32(1), bal.syncs.Load())
	assert.Equal(t, int32(1), backend.completed.Load())
}

func TestClosedAfterOpeningFindsLateTopUp(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{types.ConversionPending}}
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnEvent(EventTransitionView)
		cb.OnExit(nil)
	}}
	bal := &fakeBalance{}
	bal.set("1.00")
	bal.onRefresh = func(n int32) {
		if n == 3 {
			bal.set("6.00")
		}
	}
	rec := newTestReconciler(backend, widget, bal)

	res, err := rec.Run(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "balance", res.Signal)
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, int32(1), backend.completed.Load())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), backend.queries.Load(), "no polls after the top-up is seen")
	assert.Equal(t, int32(3), bal.refreshes.Load())
}

func TestUnknownStartingBalanceIsNotATopUp(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{types.ConversionPending}}
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnEvent(EventTransitionView)
		cb.OnExit(nil)
	}}
	bal := &fakeBalance{unknown: true}
	bal.set("3.00")
	bal.failRefreshes.Store(1)
	rec := newTestReconciler(backend, widget, bal, WithClosedPollAttempts(4))

	res, err := rec.Run(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancel, res.Outcome, "an existing balance is not a completed conversion")
	assert.Empty(t, res.Signal)
	assert.Zero(t, backend.completed.Load())
	assert.Zero(t, bal.syncs.Load())
}

func TestUnknownStartingBalanceRecordedOnFirstRead(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{types.ConversionPending}}
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnEvent(EventTransitionView)
		cb.OnExit(nil)
	}}
	bal := &fakeBalance{unknown: true}
	bal.set("3.00")
	bal.failRefreshes.Store(1)
	bal.onRefresh = func(n int32) {
		// n == 1 is the failed read before the widget opens
		if n == 3 {
			bal.set("8.00")
		}
	}
	rec := newTestReconciler(backend, widget, bal)

	res, err := rec.Run(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "balance", res.Signal)
	assert.Equal(t, 2, res.Polls, "first poll records the baseline, second sees the top-up")
	assert.Equal(t, int32(1), backend.completed.Load())
}

func TestUnknownStartingBalanceDefersToStatus(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{
		types.ConversionPending,
		types.ConversionCompleted,
	}}
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnSuccess()
	}}
	bal := &fakeBalance{unknown: true}
	bal.set("3.00")
	bal.failRefreshes.Store(1)
	rec := newTestReconciler(backend, widget, bal)

	res, err := rec.Run(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "status", res.Signal)
	assert.Equal(t, 2, res.Polls)
}

func TestClosedAfterOpeningExhaustsToCancel(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{types.ConversionPending}}
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnEvent(EventTransitionView)
		cb.OnExit(errors.New("user closed"))
	}}
	rec := newTestReconciler(backend, widget, &fakeBalance{}, WithClosedPollAttempts(8))

	res, err := rec.Run(context.Background(), "intent-1")
	require.NoError(t, err, "exhaustion is a soft cancel, not an error")
	assert.Equal(t, OutcomeCancel, res.Outcome)
	assert.Equal(t, 8, res.Polls)
	assert.Equal(t, int32(8), backend.queries.Load())
	assert.Zero(t, backend.completed.Load())
}

func TestSuccessConfirmedByBalance(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{types.ConversionPending}}
	bal := &fakeBalance{}
	bal.set("1.00")
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnEvent(EventTransitionView)
		cb.OnSuccess()
		time.Sleep(10 * time.Millisecond)
		bal.set("6.00")
	}}
	rec := newTestReconciler(backend, widget, bal)

	res, err := rec.Run(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "balance", res.Signal)
	assert.Equal(t, int32(1), backend.completed.Load())
}

func TestBalanceBelowThresholdIsNotSuccess(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{types.ConversionPending}}
	bal := &fakeBalance{}
	bal.set("1.00")
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnEvent(EventTransitionView)
		bal.set("1.01")
		cb.OnExit(nil)
	}}
	rec := newTestReconciler(backend, widget, bal, WithClosedPollAttempts(3))

	res, err := rec.Run(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancel, res.Outcome)
}

func TestConversionFailedCarriesReason(t *testing.T) {
	backend := &fakeConversions{
		statuses: []types.ConversionStatus{types.ConversionFailed},
		reason:   "card declined",
	}
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnSuccess()
	}}
	rec := newTestReconciler(backend, widget, &fakeBalance{})

	_, err := rec.Run(context.Background(), "intent-1")
	var ce *types.CheckoutError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, types.ErrCodeConversionFailed, ce.Code)
	assert.Equal(t, "card declined", ce.Reason)
}

func TestInvalidWidgetConfig(t *testing.T) {
	backend := &fakeConversions{config: map[string]interface{}{"appId": ""}}
	widget := &scriptedWidget{script: func(cb Callbacks) {}}
	rec := newTestReconciler(backend, widget, &fakeBalance{})

	_, err := rec.Run(context.Background(), "intent-1")
	assert.True(t, types.HasCode(err, types.ErrCodeConversionFailed))
	assert.Zero(t, widget.opens.Load())
}

func TestCancelWhileProcessing(t *testing.T) {
	backend := &fakeConversions{statuses: []types.ConversionStatus{types.ConversionDelayed}}
	widget := &scriptedWidget{script: func(cb Callbacks) {
		cb.OnSuccess()
	}}
	rec := newTestReconciler(backend, widget, &fakeBalance{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := rec.Run(ctx, "intent-1")
	assert.ErrorIs(t, err, context.Canceled)

	n := backend.queries.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, backend.queries.Load())
}

func TestValidateWidgetConfig(t *testing.T) {
	assert.NoError(t, ValidateWidgetConfig(validConfig()))
	assert.Error(t, ValidateWidgetConfig(nil))

	missingWallets := validConfig()
	delete(missingWallets, "destinationWallets")
	assert.Error(t, ValidateWidgetConfig(missingWallets))

	badAmount := validConfig()
	badAmount["presetCryptoAmount"] = -1
	assert.Error(t, ValidateWidgetConfig(badAmount))
}
