// Package balance keeps the buyer's cached platform balance and its freshness.
package balance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/renaissblock/checkout/poller"
	"github.com/renaissblock/checkout/types"
)

const (
	// DefaultStaleRefreshDelay is how long a stale reading waits before one re-fetch
	DefaultStaleRefreshDelay = 2 * time.Second
	// DefaultSyncPollInterval is the cadence while the backend reports syncing
	DefaultSyncPollInterval = 1500 * time.Millisecond
)

// IdentitySource reports the buyer's spending identity. An empty identity
// means no wallet is connected.
type IdentitySource interface {
	ConnectedIdentity(ctx context.Context) (string, error)
}

// Store is the single shared balance cache. Only Refresh and ForceSync write it.
type Store struct {
	backend  types.BalanceBackend
	identity IdentitySource
	logger   *slog.Logger

	staleDelay   time.Duration
	syncInterval time.Duration
	maxSyncPolls int

	ctx    context.Context
	cancel context.CancelFunc

	group    singleflight.Group
	syncPoll poller.Poller

	mu             sync.RWMutex
	snap           types.BalanceSnapshot
	syncPolling    bool
	staleScheduled bool
	staleTimer     *time.Timer
	subs           map[int]func(types.BalanceSnapshot)
	nextSub        int
	closed         bool
}

// Option configures a Store
type Option func(*Store)

// WithIdentity sets the identity source consulted before any network call
func WithIdentity(src IdentitySource) Option {
	return func(s *Store) {
		s.identity = src
	}
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStaleRefreshDelay overrides DefaultStaleRefreshDelay
func WithStaleRefreshDelay(d time.Duration) Option {
	return func(s *Store) {
		s.staleDelay = d
	}
}

// WithSyncPollInterval overrides DefaultSyncPollInterval
func WithSyncPollInterval(d time.Duration) Option {
	return func(s *Store) {
		s.syncInterval = d
	}
}

// WithMaxSyncPolls bounds the syncing poll. Zero polls until the status changes.
func WithMaxSyncPolls(n int) Option {
	return func(s *Store) {
		s.maxSyncPolls = n
	}
}

// NewStore creates a balance store over backend
func NewStore(backend types.BalanceBackend, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		backend:      backend,
		logger:       slog.New(slog.DiscardHandler),
		staleDelay:   DefaultStaleRefreshDelay,
		syncInterval: DefaultSyncPollInterval,
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[int]func(types.BalanceSnapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current cached view
func (s *Store) Snapshot() types.BalanceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// IsSufficient compares the cached amount. It is false while the balance is unknown.
func (s *Store) IsSufficient(amount decimal.Decimal) bool {
	return s.Snapshot().Covers(amount)
}

// Syncing reports whether a syncing poll is active
func (s *Store) Syncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncPolling
}

// Subscribe registers fn for every snapshot change. The returned func removes it.
func (s *Store) Subscribe(fn func(types.BalanceSnapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Refresh reads the served balance
func (s *Store) Refresh(ctx context.Context) (types.BalanceSnapshot, error) {
	if s.isClosed() {
		return s.Snapshot(), context.Canceled
	}
	if !s.hasWallet(ctx) {
		return s.markNoWallet(), nil
	}

	report, err := s.backend.GetBalance(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// abandoned by the caller, not a failed fetch
			return s.Snapshot(), err
		}
		return s.fail(err), err
	}
	return s.apply(report, false), nil
}

// ForceSync asks the backend for an authoritative resync. Concurrent calls share
// one request, and calls made while a syncing poll is active return the current
// snapshot without a network call.
func (s *Store) ForceSync(ctx context.Context) (types.BalanceSnapshot, error) {
	if s.isClosed() {
		return s.Snapshot(), context.Canceled
	}
	if !s.hasWallet(ctx) {
		return s.markNoWallet(), nil
	}
	if s.Syncing() {
		return s.Snapshot(), nil
	}

	// Collapsed callers share the first caller's ctx.
	v, err, shared := s.group.Do("sync", func() (interface{}, error) {
		report, err := s.backend.SyncBalance(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.Snapshot(), err
			}
			return s.fail(err), err
		}
		return s.apply(report, false), nil
	})
	if shared {
		s.logger.Debug("balance sync collapsed")
	}
	return v.(types.BalanceSnapshot), err
}

// Close stops pending timers and pollers
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.staleTimer != nil {
		s.staleTimer.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	s.syncPoll.Stop()
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) hasWallet(ctx context.Context) bool {
	if s.identity == nil {
		return true
	}
	id, err := s.identity.ConnectedIdentity(ctx)
	if err != nil {
		s.logger.Debug("identity lookup failed", "error", err)
		return false
	}
	return id != ""
}

func (s *Store) markNoWallet() types.BalanceSnapshot {
	s.mu.Lock()
	s.snap = types.BalanceSnapshot{SyncStatus: types.SyncNoWallet}
	snap := s.snap
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, snap)
	return snap
}

// fail records a failed fetch, keeping the previous amount
func (s *Store) fail(err error) types.BalanceSnapshot {
	s.mu.Lock()
	s.snap.SyncStatus = types.SyncError
	s.snap.Err = err
	snap := s.snap
	subs := s.subscribers()
	s.mu.Unlock()

	s.logger.Warn("balance fetch failed", "error", err)
	notify(subs, snap)
	return snap
}

func (s *Store) apply(report *types.BalanceReport, fromPoll bool) types.BalanceSnapshot {
	status := report.SyncStatus
	if status == "" {
		status = types.SyncSynced
	}
	if report.IsStale && status == types.SyncSynced {
		status = types.SyncStale
	}

	var startSync, scheduleStale bool

	s.mu.Lock()
	switch status {
	case types.SyncNoWallet:
		s.snap = types.BalanceSnapshot{SyncStatus: types.SyncNoWallet}
	case types.SyncError:
		s.snap.SyncStatus = types.SyncError
		s.snap.Err = errors.New(report.Error)
		if report.Error == "" {
			s.snap.Err = errors.New("balance sync failed")
		}
	default:
		s.snap.Amount = report.Balance
		s.snap.Known = true
		s.snap.SyncStatus = status
		s.snap.Err = nil
		if report.LastSynced != nil {
			s.snap.LastSynced = *report.LastSynced
		} else if status == types.SyncSynced {
			s.snap.LastSynced = time.Now()
		}
	}

	if status == types.SyncStale {
		if !s.staleScheduled && !s.closed {
			s.staleScheduled = true
			scheduleStale = true
		}
	} else {
		s.staleScheduled = false
	}
	if status == types.SyncSyncing && !fromPoll && !s.syncPolling && !s.closed {
		s.syncPolling = true
		startSync = true
	}

	snap := s.snap
	subs := s.subscribers()
	s.mu.Unlock()

	if scheduleStale {
		s.scheduleStaleRefresh()
	}
	if startSync {
		s.startSyncPoll()
	}
	notify(subs, snap)
	return snap
}

func (s *Store) scheduleStaleRefresh() {
	s.logger.Debug("balance stale, scheduling refresh", "delay", s.staleDelay)
	t := time.AfterFunc(s.staleDelay, func() {
		if _, err := s.Refresh(s.ctx); err != nil {
			s.logger.Debug("stale refresh failed", "error", err)
		}
	})

	s.mu.Lock()
	s.staleTimer = t
	if s.closed {
		t.Stop()
	}
	s.mu.Unlock()
}

func (s *Store) startSyncPoll() {
	s.logger.Debug("balance syncing, polling", "interval", s.syncInterval)
	cycle := s.syncPoll.Start(s.ctx, s.checkSync, poller.Options{
		Interval:    s.syncInterval,
		MaxAttempts: s.maxSyncPolls,
	})
	go func() {
		<-cycle.Done()
		s.mu.Lock()
		s.syncPolling = false
		s.mu.Unlock()
	}()
}

func (s *Store) checkSync(ctx context.Context, attempt int) (poller.Outcome, error) {
	report, err := s.backend.GetBalance(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return poller.OutcomePending, err
		}
		s.fail(err)
		return poller.OutcomePending, err
	}
	snap := s.apply(report, true)
	if snap.SyncStatus == types.SyncSyncing {
		return poller.OutcomePending, nil
	}
	return poller.OutcomeSuccess, nil
}

// subscribers must be called with s.mu held
func (s *Store) subscribers() []func(types.BalanceSnapshot) {
	out := make([]func(types.BalanceSnapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(types.BalanceSnapshot), snap types.BalanceSnapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}
