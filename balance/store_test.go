package balance

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

type fakeBackend struct {
	mu         sync.Mutex
	reports    []*types.BalanceReport // served in order, last one repeats
	getErr     error
	syncReport *types.BalanceReport
	syncGate   chan struct{}

	gets  atomic.Int32
	syncs atomic.Int32
}

func (f *fakeBackend) GetBalance(ctx context.Context) (*types.BalanceReport, error) {
	f.gets.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	r := f.reports[0]
	if len(f.reports) > 1 {
		f.reports = f.reports[1:]
	}
	return r, nil
}

func (f *fakeBackend) SyncBalance(ctx context.Context) (*types.BalanceReport, error) {
	f.syncs.Add(1)
	if f.syncGate != nil {
		select {
		case <-f.syncGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.syncReport, nil
}

type staticIdentity string

func (s staticIdentity) ConnectedIdentity(ctx context.Context) (string, error) {
	return string(s), nil
}

func report(amount string, status types.SyncStatus) *types.BalanceReport {
	return &types.BalanceReport{Balance: decimal.RequireFromString(amount), SyncStatus: status}
}

func TestRefreshSynced(t *testing.T) {
	backend := &fakeBackend{reports: []*types.BalanceReport{report("12.50", types.SyncSynced)}}
	store := NewStore(backend)
	defer store.Close()

	snap, err := store.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Known)
	assert.Equal(t, types.SyncSynced, snap.SyncStatus)
	assert.True(t, snap.Amount.Equal(decimal.RequireFromString("12.50")))
	assert.False(t, snap.LastSynced.IsZero())
	assert.True(t, store.IsSufficient(decimal.RequireFromString("12.50")))
	assert.False(t, store.IsSufficient(decimal.RequireFromString("12.51")))
}

func TestIsSufficientUnknown(t *testing.T) {
	store := NewStore(&fakeBackend{})
	defer store.Close()

	assert.False(t, store.IsSufficient(decimal.Zero))
}

func TestNoWalletSkipsNetwork(t *testing.T) {
	backend := &fakeBackend{reports: []*types.BalanceReport{report("1", types.SyncSynced)}}
	store := NewStore(backend, WithIdentity(staticIdentity("")))
	defer store.Close()

	snap, err := store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncNoWallet, snap.SyncStatus)

	snap, err = store.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncNoWallet, snap.SyncStatus)
	assert.False(t, snap.Known)

	assert.Zero(t, backend.gets.Load())
	assert.Zero(t, backend.syncs.Load())
}

func TestBackendReportsNoWallet(t *testing.T) {
	backend := &fakeBackend{reports: []*types.BalanceReport{{SyncStatus: types.SyncNoWallet}}}
	store := NewStore(backend, WithIdentity(staticIdentity("buyer")))
	defer store.Close()

	snap, err := store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncNoWallet, snap.SyncStatus)
	assert.False(t, snap.Known)
}

func TestErrorRetainsPreviousAmount(t *testing.T) {
	backend := &fakeBackend{reports: []*types.BalanceReport{report("7.00", types.SyncSynced)}}
	store := NewStore(backend)
	defer store.Close()

	_, err := store.Refresh(context.Background())
	require.NoError(t, err)

	boom := errors.New("connection reset")
	backend.mu.Lock()
	backend.getErr = boom
	backend.mu.Unlock()

	snap, err := store.Refresh(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, types.SyncError, snap.SyncStatus)
	assert.ErrorIs(t, snap.Err, boom)
	assert.True(t, snap.Known)
	assert.True(t, snap.Amount.Equal(decimal.RequireFromString("7.00")))
}

func TestStaleSchedulesOneRefresh(t *testing.T) {
	backend := &fakeBackend{reports: []*types.BalanceReport{
		report("3.00", types.SyncStale),
		report("4.00", types.SyncSynced),
	}}
	store := NewStore(backend, WithStaleRefreshDelay(20*time.Millisecond))
	defer store.Close()

	snap, err := store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncStale, snap.SyncStatus)
	assert.True(t, snap.Amount.Equal(decimal.RequireFromString("3.00")))

	require.Eventually(t, func() bool {
		return store.Snapshot().SyncStatus == types.SyncSynced
	}, time.Second, 5*time.Millisecond)
	assert.True(t, store.Snapshot().Amount.Equal(decimal.RequireFromString("4.00")))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(2), backend.gets.Load())
}

func TestStaleFlagOnSyncedReport(t *testing.T) {
	backend := &fakeBackend{reports: []*types.BalanceReport{
		{Balance: decimal.NewFromInt(2), SyncStatus: types.SyncSynced, IsStale: true},
		report("2", types.SyncSynced),
	}}
	store := NewStore(backend, WithStaleRefreshDelay(10*time.Millisecond))
	defer store.Close()

	snap, err := store.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncStale, snap.SyncStatus)

	require.Eventually(t, func() bool {
		return backend.gets.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSyncingPollsUntilSettled(t *testing.T) {
	backend := &fakeBackend{
		syncReport: report("5.00", types.SyncSyncing),
		reports: []*types.BalanceReport{
			report("5.00", types.SyncSyncing),
			report("9.00", types.SyncSynced),
		},
	}
	store := NewStore(backend, WithSyncPollInterval(10*time.Millisecond))
	defer store.Close()

	snap, err := store.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SyncSyncing, snap.SyncStatus)
	assert.True(t, store.Syncing())

	// while the poll is active, ForceSync does not hit the network
	_, err = store.ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.syncs.Load())

	require.Eventually(t, func() bool {
		return store.Snapshot().SyncStatus == types.SyncSynced && !store.Syncing()
	}, time.Second, 5*time.Millisecond)
	assert.True(t, store.Snapshot().Amount.Equal(decimal.RequireFromString("9.00")))
	assert.Equal(t, int32(2), backend.gets.Load())
}

func TestForceSyncCollapsesConcurrentCalls(t *testing.T) {
	gate := make(chan struct{})
	backend := &fakeBackend{syncReport: report("10.00", types.SyncSynced), syncGate: gate}
	store := NewStore(backend)
	defer store.Close()

	const n = 5
	var wg sync.WaitGroup
	results := make([]types.BalanceSnapshot, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := store.ForceSync(context.Background())
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}

	require.Eventually(t, func() bool { return backend.syncs.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), backend.syncs.Load())
	for _, snap := range results {
		assert.True(t, snap.Amount.Equal(decimal.RequireFromString("10.00")))
	}
}

func TestSubscribe(t *testing.T) {
	backend := &fakeBackend{reports: []*types.BalanceReport{report("1.00", types.SyncSynced)}}
	store := NewStore(backend)
	defer store.Close()

	var seen []types.SyncStatus
	var mu sync.Mutex
	unsubscribe := store.Subscribe(func(s types.BalanceSnapshot) {
		mu.Lock()
		seen = append(seen, s.SyncStatus)
		mu.Unlock()
	})

	_, err := store.Refresh(context.Background())
	require.NoError(t, err)
	unsubscribe()
	_, err = store.Refresh(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.SyncStatus{types.SyncSynced}, seen)
}

func TestCloseStopsTimers(t *testing.T) {
	backend := &fakeBackend{reports: []*types.BalanceReport{report("3.00", types.SyncStale)}}
	store := NewStore(backend, WithStaleRefreshDelay(20*time.Millisecond))

	_, err := store.Refresh(context.Background())
	require.NoError(t, err)
	store.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), backend.gets.Load())

	_, err = store.Refresh(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForceSyncCancelledKeepsSnapshot(t *testing.T) {
	backend := &fakeBackend{
		reports:    []*types.BalanceReport{report("4.00", types.SyncSynced)},
		syncReport: report("4.00", types.SyncSynced),
		syncGate:   make(chan struct{}),
	}
	store := NewStore(backend)
	defer store.Close()

	_, err := store.Refresh(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for backend.syncs.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err = store.ForceSync(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	snap := store.Snapshot()
	assert.Equal(t, types.SyncSynced, snap.SyncStatus)
	assert.NoError(t, snap.Err)
	assert.True(t, snap.Amount.Equal(decimal.RequireFromString("4.00")))
}
