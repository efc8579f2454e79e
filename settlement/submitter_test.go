package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renaissblock/checkout/types"
)

type fakeBackend struct {
	mu        sync.Mutex
	submitErr error
	receipt   *types.SubmitReceipt
	statuses  []*types.IntentStatusReport // served in order, last one repeats
	statusErr error
	gate      chan struct{}

	submits atomic.Int32
	queries atomic.Int32
}

func (f *fakeBackend) SubmitSignedPayment(ctx context.Context, intentID string, signed types.SignedPayment) (*types.SubmitReceipt, error) {
	f.submits.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.receipt != nil {
		return f.receipt, nil
	}
	return &types.SubmitReceipt{IntentID: intentID, Status: types.StatusCompleted, Signature: "sig-" + intentID}, nil
}

func (f *fakeBackend) GetIntentStatus(ctx context.Context, intentID string) (*types.IntentStatusReport, error) {
	f.queries.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	r := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return r, nil
}

type fakeSideEffects struct {
	cartClears atomic.Int32
	syncs      atomic.Int32
}

func (f *fakeSideEffects) ClearCart(ctx context.Context) error {
	f.cartClears.Add(1)
	return nil
}

func (f *fakeSideEffects) ForceSync(ctx context.Context) (types.BalanceSnapshot, error) {
	f.syncs.Add(1)
	return types.BalanceSnapshot{}, nil
}

func newTestSubmitter(backend *fakeBackend, side *fakeSideEffects) *Submitter {
	return NewSubmitter(backend,
		WithCart(side),
		WithBalance(side),
		WithRecovery(time.Millisecond, 2*time.Millisecond, 5),
	)
}

func signedPayment(intentID, payload string) types.SignedPayment {
	return types.SignedPayment{IntentID: intentID, Payload: payload, SignatureIndex: 0}
}

func networkError() error {
	return &types.TransportError{Op: "submit", Err: errors.New("connection reset by peer")}
}

func TestSubmitSuccess(t *testing.T) {
	backend := &fakeBackend{}
	side := &fakeSideEffects{}
	sub := newTestSubmitter(backend, side)

	res, err := sub.Submit(context.Background(), signedPayment("i1", "p1"), CartPurchase(true))
	require.NoError(t, err)
	assert.Equal(t, "sig-i1", res.SettlementRef)
	assert.True(t, res.Confirmed)
	assert.False(t, res.Recovered)
	assert.Equal(t, int32(1), side.cartClears.Load())
	assert.Equal(t, int32(1), side.syncs.Load())
}

func TestSubmitSkipsCartClearForSingleItem(t *testing.T) {
	side := &fakeSideEffects{}
	sub := newTestSubmitter(&fakeBackend{}, side)

	_, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	require.NoError(t, err)
	assert.Zero(t, side.cartClears.Load())
	assert.Equal(t, int32(1), side.syncs.Load())
}

func TestNetworkErrorRecoversFromStatus(t *testing.T) {
	backend := &fakeBackend{
		submitErr: networkError(),
		statuses: []*types.IntentStatusReport{
			{Status: types.StatusCompleted, SettlementRef: "S1"},
		},
	}
	side := &fakeSideEffects{}
	sub := newTestSubmitter(backend, side)

	res, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, "S1", res.SettlementRef)
	assert.True(t, res.Confirmed)
	assert.True(t, res.Recovered)
	assert.Equal(t, int32(1), backend.submits.Load(), "must never resubmit")
	assert.Equal(t, int32(1), side.syncs.Load())
}

func TestNetworkErrorThenProcessingPolls(t *testing.T) {
	backend := &fakeBackend{
		submitErr: networkError(),
		statuses: []*types.IntentStatusReport{
			{Status: types.StatusProcessing},
			{Status: types.StatusProcessing},
			{Status: types.StatusPaymentReceived, SettlementRef: "S2"},
		},
	}
	sub := newTestSubmitter(backend, &fakeSideEffects{})

	res, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, "S2", res.SettlementRef)
	assert.Equal(t, int32(3), backend.queries.Load())
	assert.Equal(t, int32(1), backend.submits.Load())
}

func TestNetworkErrorThenFailed(t *testing.T) {
	backend := &fakeBackend{
		submitErr: networkError(),
		statuses: []*types.IntentStatusReport{
			{Status: types.StatusFailed, FailureReason: "blockhash expired"},
		},
	}
	side := &fakeSideEffects{}
	sub := newTestSubmitter(backend, side)

	_, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	require.Error(t, err)

	var ce *types.CheckoutError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, types.ErrCodeBackendRejected, ce.Code)
	assert.Equal(t, "blockhash expired", ce.Reason)
	assert.False(t, ce.Retryable)
	assert.Zero(t, side.syncs.Load())
}

func TestRecoveryExhaustedIsOptimistic(t *testing.T) {
	backend := &fakeBackend{
		submitErr: networkError(),
		statusErr: &types.TransportError{Op: "status", Err: errors.New("timeout")},
	}
	side := &fakeSideEffects{}
	sub := newTestSubmitter(backend, side)

	res, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.True(t, res.Recovered)
	assert.Equal(t, int32(6), backend.queries.Load(), "one status query plus five polls")
	assert.Equal(t, int32(1), backend.submits.Load())
	assert.Equal(t, int32(1), side.syncs.Load())
}

func TestBackendRejection(t *testing.T) {
	backend := &fakeBackend{submitErr: &types.BackendError{
		Op: "submit", StatusCode: 400, Message: "Transaction failed", Reason: "insufficient funds",
	}}
	sub := newTestSubmitter(backend, &fakeSideEffects{})

	_, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	var ce *types.CheckoutError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, types.ErrCodeBackendRejected, ce.Code)
	assert.Equal(t, "insufficient funds", ce.Reason)
	assert.Zero(t, backend.queries.Load())
}

func TestRejectedReceipt(t *testing.T) {
	backend := &fakeBackend{receipt: &types.SubmitReceipt{Status: types.StatusFailed, Message: "simulation failed"}}
	sub := newTestSubmitter(backend, &fakeSideEffects{})

	_, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	assert.True(t, types.HasCode(err, types.ErrCodeBackendRejected))
}

func TestSamePayloadReplaysFirstOutcome(t *testing.T) {
	backend := &fakeBackend{}
	sub := newTestSubmitter(backend, &fakeSideEffects{})

	first, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	require.NoError(t, err)
	second, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), backend.submits.Load())
}

func TestFailedOutcomeIsReplayedToo(t *testing.T) {
	backend := &fakeBackend{submitErr: &types.BackendError{Op: "submit", StatusCode: 400, Reason: "nope"}}
	sub := newTestSubmitter(backend, &fakeSideEffects{})

	_, err1 := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	_, err2 := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.Equal(t, int32(1), backend.submits.Load())
}

func TestConcurrentDuplicatesPresentOnce(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{gate: gate}
	sub := newTestSubmitter(backend, &fakeSideEffects{})

	const n = 4
	var wg sync.WaitGroup
	refs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
			if assert.NoError(t, err) {
				refs[i] = res.SettlementRef
			}
		}(i)
	}

	require.Eventually(t, func() bool { return backend.submits.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), backend.submits.Load())
	for _, ref := range refs {
		assert.Equal(t, "sig-i1", ref)
	}
}

func TestSecondPayloadForSettledIntent(t *testing.T) {
	backend := &fakeBackend{}
	sub := newTestSubmitter(backend, &fakeSideEffects{})

	_, err := sub.Submit(context.Background(), signedPayment("i1", "p1"))
	require.NoError(t, err)

	_, err = sub.Submit(context.Background(), signedPayment("i1", "p2"))
	assert.True(t, types.HasCode(err, types.ErrCodeDuplicateSubmission))
	assert.Equal(t, int32(1), backend.submits.Load())
}

func TestCancelledContextDoesNotAbortSubmission(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{gate: gate}
	sub := newTestSubmitter(backend, &fakeSideEffects{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() {
		res, _ := sub.Submit(ctx, signedPayment("i1", "p1"))
		done <- res
	}()

	require.Eventually(t, func() bool { return backend.submits.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(gate)

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, "sig-i1", res.SettlementRef)
	case <-time.After(time.Second):
		t.Fatal("submission did not finish")
	}
}

func TestLedgerKey(t *testing.T) {
	k1 := LedgerKey("payload-1")
	k2 := LedgerKey("payload-2")

	assert.Len(t, k1, 64)
	assert.Equal(t, k1, LedgerKey("payload-1"))
	assert.NotEqual(t, k1, k2)
}

func TestLedgerFailureFreesIntent(t *testing.T) {
	l := NewLedger(0)

	e := l.CheckAndMark("k1", "i1")
	require.Equal(t, EntryNew, e.Status)
	assert.Equal(t, EntryIntentBusy, l.CheckAndMark("k2", "i1").Status)

	l.Record("k1", "i1", e, nil, errors.New("rejected"))
	assert.True(t, l.Seen("k1"))
	assert.Equal(t, EntryRecorded, l.CheckAndMark("k1", "i1").Status)

	e2 := l.CheckAndMark("k2", "i1")
	assert.Equal(t, EntryNew, e2.Status)
	l.Record("k2", "i1", e2, &Result{IntentID: "i1"}, nil)
}
