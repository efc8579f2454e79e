package checkout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/renaissblock/checkout/balance"
	"github.com/renaissblock/checkout/minttrack"
	"github.com/renaissblock/checkout/onramp"
	"github.com/renaissblock/checkout/settlement"
	"github.com/renaissblock/checkout/signing"
	"github.com/renaissblock/checkout/types"
)

// DirectTransferHandler runs the direct on-chain transfer rail. Returning
// context.Canceled reports that the buyer walked away.
type DirectTransferHandler interface {
	Transfer(ctx context.Context, intent *types.PurchaseIntent) (*DirectTransferResult, error)
}

// DirectTransferFunc adapts a function to DirectTransferHandler
type DirectTransferFunc func(ctx context.Context, intent *types.PurchaseIntent) (*DirectTransferResult, error)

func (f DirectTransferFunc) Transfer(ctx context.Context, intent *types.PurchaseIntent) (*DirectTransferResult, error) {
	return f(ctx, intent)
}

// DirectTransferResult is what a completed direct transfer reports
type DirectTransferResult struct {
	SettlementRef string
}

// session is one purchase intent and the flows running against it
type session struct {
	intent  *types.PurchaseIntent
	request types.IntentRequest
	method  types.Method

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// Coordinator drives a checkout from intent creation to one terminal outcome.
// At most one intent is active at a time.
type Coordinator struct {
	backend    types.Backend
	store      *balance.Store
	ownsStore  bool
	agent      *signing.Agent
	submitter  *settlement.Submitter
	reconciler *onramp.Reconciler
	direct     DirectTransferHandler
	tracker    *minttrack.Tracker
	logger     *slog.Logger
	now        func() time.Time

	wallet         signing.Wallet
	widget         onramp.Widget
	storeOpts      []balance.Option
	agentOpts      []signing.AgentOption
	submitterOpts  []settlement.Option
	reconcilerOpts []onramp.Option
	trackerOpts    []minttrack.Option

	beforeSubmitHooks    []BeforeSubmitHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
	stateListeners       []func(StateChange)

	mu         sync.Mutex
	state      State
	cur        *session
	settled    *session
	generation int
	listeners  map[int]func(Event)
	nextID     int
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithWallet enables the balance rail
func WithWallet(wallet signing.Wallet) Option {
	return func(c *Coordinator) {
		c.wallet = wallet
	}
}

// WithWidget enables the card conversion rail
func WithWidget(widget onramp.Widget) Option {
	return func(c *Coordinator) {
		c.widget = widget
	}
}

// WithDirectTransfer enables the direct transfer rail
func WithDirectTransfer(handler DirectTransferHandler) Option {
	return func(c *Coordinator) {
		c.direct = handler
	}
}

// WithBalanceStore shares an existing store instead of creating one
func WithBalanceStore(store *balance.Store) Option {
	return func(c *Coordinator) {
		c.store = store
	}
}

func WithStoreOptions(opts ...balance.Option) Option {
	return func(c *Coordinator) {
		c.storeOpts = append(c.storeOpts, opts...)
	}
}

func WithAgentOptions(opts ...signing.AgentOption) Option {
	return func(c *Coordinator) {
		c.agentOpts = append(c.agentOpts, opts...)
	}
}

func WithSubmitterOptions(opts ...settlement.Option) Option {
	return func(c *Coordinator) {
		c.submitterOpts = append(c.submitterOpts, opts...)
	}
}

func WithReconcilerOptions(opts ...onramp.Option) Option {
	return func(c *Coordinator) {
		c.reconcilerOpts = append(c.reconcilerOpts, opts...)
	}
}

func WithTrackerOptions(opts ...minttrack.Option) Option {
	return func(c *Coordinator) {
		c.trackerOpts = append(c.trackerOpts, opts...)
	}
}

// WithStateListener observes every transition
func WithStateListener(fn func(StateChange)) Option {
	return func(c *Coordinator) {
		c.stateListeners = append(c.stateListeners, fn)
	}
}

// WithLogger sets the logger shared by every component the coordinator builds
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time.Now for expiry checks
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator. Rails without their collaborator
// (wallet, widget, direct handler) report method_unavailable.
func NewCoordinator(backend types.Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:   backend,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
		state:     StateIdle,
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil {
		storeOpts := []balance.Option{balance.WithLogger(c.logger.With("component", "balance"))}
		if c.wallet != nil {
			storeOpts = append(storeOpts, balance.WithIdentity(c.wallet))
		}
		c.store = balance.NewStore(backend, append(storeOpts, c.storeOpts...)...)
		c.ownsStore = true
	}

	if c.wallet != nil {
		agentOpts := append([]signing.AgentOption{signing.WithLogger(c.logger.With("component", "signing")), signing.WithClock(c.now)}, c.agentOpts...)
		c.agent = signing.NewAgent(backend, c.wallet, agentOpts...)
	}

	submitterOpts := append([]settlement.Option{
		settlement.WithCart(backend),
		settlement.WithBalance(c.store),
		settlement.WithLogger(c.logger.With("component", "settlement")),
	}, c.submitterOpts...)
	c.submitter = settlement.NewSubmitter(backend, submitterOpts...)

	if c.widget != nil {
		reconcilerOpts := append([]onramp.Option{onramp.WithLogger(c.logger.With("component", "onramp"))}, c.reconcilerOpts...)
		c.reconciler = onramp.NewReconciler(backend, c.widget, c.store, reconcilerOpts...)
	}

	trackerOpts := append([]minttrack.Option{minttrack.WithLogger(c.logger.With("component", "minttrack"))}, c.trackerOpts...)
	c.tracker = minttrack.NewTracker(backend, trackerOpts...)

	return c
}

// Balance returns the balance store
func (c *Coordinator) Balance() *balance.Store {
	return c.store
}

// State returns the current state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Intent returns the active intent, or nil
func (c *Coordinator) Intent() *types.PurchaseIntent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	return c.cur.intent
}

// OnEvent registers a terminal event listener and returns its unsubscribe func
func (c *Coordinator) OnEvent(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// CreateIntent starts a checkout. An active intent that has not reached a
// terminal outcome is discarded and reported as cancelled.
func (c *Coordinator) CreateIntent(ctx context.Context, req types.IntentRequest) (*types.PurchaseIntent, error) {
	c.mu.Lock()
	if c.state == StateSubmitting {
		c.mu.Unlock()
		return nil, types.NewCheckoutError(types.ErrCodeInvalidState, "a payment is being submitted", nil)
	}
	discarded := c.discardLocked()
	c.generation++
	gen := c.generation
	change := c.setStateLocked(nil, StateCreatingIntent, nil)
	c.mu.Unlock()

	if discarded != nil {
		c.emit(*discarded)
	}
	c.notifyState(change)

	if !c.store.Snapshot().Known {
		if _, err := c.store.Refresh(ctx); err != nil {
			c.logger.Debug("balance refresh before intent failed", "error", err)
		}
	}

	created, err := c.backend.CreateIntent(ctx, req)

	var intent *types.PurchaseIntent
	if err == nil {
		intent = types.NewPurchaseIntent(*created, req.Cart)
		c.applySufficiency(intent)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil, types.NewCheckoutError(types.ErrCodeInvalidState, "superseded by a newer checkout", nil)
	}
	if err != nil {
		ce := types.NewCheckoutError(types.ErrCodeIntentCreationFailed, "could not start checkout", err)
		if be, ok := types.AsBackendError(err); ok {
			ce.Reason = be.Reason
		}
		change = c.setStateLocked(nil, StateError, ce)
		c.mu.Unlock()
		c.notifyState(change)
		c.logger.Warn("intent creation failed", "error", err)
		return nil, ce
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{intent: intent, request: req, ctx: sctx, cancel: cancel}
	c.cur = s
	change = c.setStateLocked(s, StateSelectingMethod, nil)
	c.mu.Unlock()
	c.notifyState(change)

	c.logger.Info("intent created", "intent_id", intent.ID, "total", intent.Total().String())
	return intent, nil
}

// applySufficiency marks the balance rail unavailable when the balance is
// known not to cover the total and fills in the card top-up minimum.
func (c *Coordinator) applySufficiency(intent *types.PurchaseIntent) {
	snap := c.store.Snapshot()
	var sufficient bool
	available := intent.Balance
	if snap.Known {
		sufficient = c.store.IsSufficient(intent.Total())
		available = snap.Amount
	} else {
		sufficient = intent.Balance.GreaterThanOrEqual(intent.Total())
	}
	intent.ApplyBalanceSufficiency(sufficient)

	for i := range intent.Options {
		opt := &intent.Options[i]
		if !sufficient && opt.MinimumAdd.IsZero() &&
			(opt.Method == types.MethodCoinbase || opt.Method == types.MethodBalance) {
			opt.MinimumAdd = types.MinimumTopUp(available, intent.Total())
		}
	}
}

// SelectMethod records the chosen rail and dispatches to it. The balance
// rail stops in confirming; the conversion and direct rails block until
// they resolve.
func (c *Coordinator) SelectMethod(ctx context.Context, method types.Method) error {
	c.mu.Lock()
	s := c.cur
	if s == nil || s.closed {
		c.mu.Unlock()
		return types.NewCheckoutError(types.ErrCodeInvalidState, "no active checkout", nil)
	}
	switch c.state {
	case StateSelectingMethod, StateConfirming, StateError:
	default:
		state := c.state
		c.mu.Unlock()
		return types.NewCheckoutError(types.ErrCodeInvalidState, "cannot select a method while "+string(state), nil)
	}

	if s.intent.Expired(c.now()) {
		c.mu.Unlock()
		ce := types.NewCheckoutError(types.ErrCodeIntentCreationFailed, "checkout expired, start again", nil)
		c.finish(s, Event{IntentID: s.intent.ID, Outcome: OutcomeError, Method: method, Err: ce})
		return ce
	}
	if err := c.railAvailableLocked(s, method); err != nil {
		c.mu.Unlock()
		return err
	}
	s.method = method
	c.mu.Unlock()

	logger := c.logger.With("intent_id", s.intent.ID, "method", method)

	fctx, stop := bind(ctx, s.ctx)
	defer stop()

	if err := c.backend.SelectPaymentMethod(fctx, s.intent.ID, method); err != nil {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		ce := types.NewCheckoutError(types.ErrCodeMethodUnavailable, "could not select payment method", err)
		if be, ok := types.AsBackendError(err); ok {
			ce.Reason = be.Reason
		}
		logger.Warn("method selection failed", "error", err)
		return c.fail(s, ce)
	}

	switch method {
	case types.MethodBalance:
		c.transition(s, StateConfirming, nil)
		return nil
	case types.MethodCoinbase:
		return c.runConversion(ctx, fctx, s)
	default:
		return c.runDirect(ctx, fctx, s)
	}
}

func (c *Coordinator) railAvailableLocked(s *session, method types.Method) error {
	opt, ok := s.intent.Option(method)
	if !method.Valid() || !ok || !opt.Available {
		ce := types.NewCheckoutError(types.ErrCodeMethodUnavailable, "payment method unavailable", nil)
		ce.Reason = opt.Explanation
		return ce
	}
	configured := true
	switch method {
	case types.MethodBalance:
		configured = c.agent != nil
	case types.MethodCoinbase:
		configured = c.reconciler != nil
	case types.MethodDirectCrypto:
		configured = c.direct != nil
	}
	if !configured {
		return types.NewCheckoutError(types.ErrCodeMethodUnavailable, "payment method not supported here", nil)
	}
	return nil
}

// ConfirmBalancePayment signs and submits the balance payment. A declined
// signature returns to method selection without a terminal event.
func (c *Coordinator) ConfirmBalancePayment(ctx context.Context) (*settlement.Result, error) {
	c.mu.Lock()
	s := c.cur
	if s == nil || s.closed || c.state != StateConfirming {
		c.mu.Unlock()
		return nil, types.NewCheckoutError(types.ErrCodeInvalidState, "nothing to confirm", nil)
	}
	if s.intent.Expired(c.now()) {
		c.mu.Unlock()
		ce := types.NewCheckoutError(types.ErrCodeIntentCreationFailed, "checkout expired, start again", nil)
		c.finish(s, Event{IntentID: s.intent.ID, Outcome: OutcomeError, Method: types.MethodBalance, Err: ce})
		return nil, ce
	}
	change := c.setStateLocked(s, StateSigning, nil)
	c.mu.Unlock()
	c.notifyState(change)

	logger := c.logger.With("intent_id", s.intent.ID, "method", types.MethodBalance)

	fctx, stop := bind(ctx, s.ctx)
	defer stop()

	signed, err := c.agent.PrepareAndSign(fctx, s.intent.ID)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}
		if types.HasCode(err, types.ErrCodeUserCancelledSigning) {
			logger.Info("signing declined, back to method selection")
			c.transition(s, StateSelectingMethod, err)
			return nil, err
		}
		return nil, c.fail(s, err)
	}

	hookCtx := SubmitContext{
		Ctx:       ctx,
		IntentID:  s.intent.ID,
		Method:    types.MethodBalance,
		Total:     s.intent.Total(),
		Signed:    signed,
		Timestamp: c.now(),
	}
	if err := c.runBeforeSubmit(hookCtx); err != nil {
		return nil, c.fail(s, err)
	}

	// From here on the payment may settle, so Cancel is refused.
	if !c.transition(s, StateSubmitting, nil) {
		return nil, context.Canceled
	}

	start := time.Now()
	result, err := c.submitter.Submit(fctx, *signed, settlement.CartPurchase(s.intent.Cart))
	if err != nil {
		if types.HasCode(err, types.ErrCodeBackendRejected) {
			c.advance(s, types.StatusFailed)
		}
		c.runSettleFailure(SettleFailureContext{SubmitContext: hookCtx, Error: err, Duration: time.Since(start)})
		return nil, c.fail(s, err)
	}

	c.advance(s, result.Status)
	c.runAfterSettle(SettleResultContext{
		SubmitContext: hookCtx,
		SettlementRef: result.SettlementRef,
		Confirmed:     result.Confirmed,
		Recovered:     result.Recovered,
		Duration:      time.Since(start),
	})
	c.finish(s, Event{
		IntentID:      s.intent.ID,
		Outcome:       OutcomeSuccess,
		Method:        types.MethodBalance,
		SettlementRef: result.SettlementRef,
		MintAddress:   result.MintAddress,
		Confirmed:     result.Confirmed,
	})
	return result, nil
}

func (c *Coordinator) runConversion(ctx, fctx context.Context, s *session) error {
	if !c.transition(s, StateReconciling, nil) {
		return context.Canceled
	}
	hookCtx := SubmitContext{
		Ctx:       ctx,
		IntentID:  s.intent.ID,
		Method:    types.MethodCoinbase,
		Total:     s.intent.Total(),
		Timestamp: c.now(),
	}
	if err := c.runBeforeSubmit(hookCtx); err != nil {
		return c.fail(s, err)
	}

	start := time.Now()
	res, err := c.reconciler.Run(fctx, s.intent.ID)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		if ctx.Err() != nil {
			c.finish(s, Event{IntentID: s.intent.ID, Outcome: OutcomeCancel, Method: types.MethodCoinbase})
			return ctx.Err()
		}
		c.runSettleFailure(SettleFailureContext{SubmitContext: hookCtx, Error: err, Duration: time.Since(start)})
		return c.fail(s, err)
	}

	if res.Outcome == onramp.OutcomeCancel {
		c.finish(s, Event{IntentID: s.intent.ID, Outcome: OutcomeCancel, Method: types.MethodCoinbase})
		return nil
	}

	c.advance(s, types.StatusCompleted)
	c.runAfterSettle(SettleResultContext{
		SubmitContext: hookCtx,
		SettlementRef: res.SettlementRef,
		Confirmed:     true,
		Duration:      time.Since(start),
	})
	c.finish(s, Event{
		IntentID:      s.intent.ID,
		Outcome:       OutcomeSuccess,
		Method:        types.MethodCoinbase,
		SettlementRef: res.SettlementRef,
		Confirmed:     true,
	})
	return nil
}

func (c *Coordinator) runDirect(ctx, fctx context.Context, s *session) error {
	if !c.transition(s, StateDelegated, nil) {
		return context.Canceled
	}
	hookCtx := SubmitContext{
		Ctx:       ctx,
		IntentID:  s.intent.ID,
		Method:    types.MethodDirectCrypto,
		Total:     s.intent.Total(),
		Timestamp: c.now(),
	}
	if err := c.runBeforeSubmit(hookCtx); err != nil {
		return c.fail(s, err)
	}

	start := time.Now()
	res, err := c.direct.Transfer(fctx, s.intent)
	if err != nil {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			c.finish(s, Event{IntentID: s.intent.ID, Outcome: OutcomeCancel, Method: types.MethodDirectCrypto})
			return err
		}
		c.runSettleFailure(SettleFailureContext{SubmitContext: hookCtx, Error: err, Duration: time.Since(start)})
		return c.fail(s, err)
	}

	ref := ""
	if res != nil {
		ref = res.SettlementRef
	}
	if _, err := c.store.ForceSync(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("balance resync after direct transfer failed", "intent_id", s.intent.ID, "error", err)
	}
	c.advance(s, types.StatusCompleted)
	c.runAfterSettle(SettleResultContext{SubmitContext: hookCtx, SettlementRef: ref, Confirmed: true, Duration: time.Since(start)})
	c.finish(s, Event{
		IntentID:      s.intent.ID,
		Outcome:       OutcomeSuccess,
		Method:        types.MethodDirectCrypto,
		SettlementRef: ref,
		Confirmed:     true,
	})
	return nil
}

// Cancel abandons the active checkout, stopping its pollers, and reports
// cancel once. A payment already being submitted is never cancelled.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	if c.state == StateSubmitting {
		c.mu.Unlock()
		return types.NewCheckoutError(types.ErrCodeInvalidState, "payment already submitted", nil)
	}
	discarded := c.discardLocked()
	change := c.setStateLocked(nil, StateIdle, nil)
	c.mu.Unlock()

	c.notifyState(change)
	if discarded != nil {
		c.logger.Info("checkout cancelled", "intent_id", discarded.IntentID)
		c.emit(*discarded)
	}
	return nil
}

// TrackMint follows the last settled purchase until its token is minted
func (c *Coordinator) TrackMint(ctx context.Context) (*minttrack.Result, error) {
	c.mu.Lock()
	s := c.settled
	c.mu.Unlock()
	if s == nil {
		return nil, types.NewCheckoutError(types.ErrCodeInvalidState, "no settled purchase to track", nil)
	}

	var contentIDs []string
	for _, id := range []string{s.request.ContentID, s.request.ChapterID} {
		if id != "" {
			contentIDs = append(contentIDs, id)
		}
	}
	return c.tracker.Track(ctx, s.intent.ID, contentIDs...)
}

// Close cancels the active checkout and stops the balance store if the
// coordinator created it.
func (c *Coordinator) Close() {
	_ = c.Cancel()
	if c.ownsStore {
		c.store.Close()
	}
}

// ============================================================================
// State plumbing
// ============================================================================

// bind derives a context that is cancelled with either parent or flow
func bind(parent, flow context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(flow, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// terminalCodes end the intent; any other failure leaves it selectable again
var terminalCodes = map[string]bool{
	types.ErrCodeBackendRejected:      true,
	types.ErrCodeConversionFailed:     true,
	types.ErrCodeIntentCreationFailed: true,
}

func (c *Coordinator) fail(s *session, err error) error {
	if terminalCodes[types.CodeOf(err)] {
		c.finish(s, Event{IntentID: s.intent.ID, Outcome: OutcomeError, Method: s.method, Err: err})
		return err
	}
	c.transition(s, StateError, err)
	return err
}

// transition moves to state while s is the live session
func (c *Coordinator) transition(s *session, to State, err error) bool {
	c.mu.Lock()
	if c.cur != s || s.closed {
		c.mu.Unlock()
		return false
	}
	change := c.setStateLocked(s, to, err)
	c.mu.Unlock()
	c.notifyState(change)
	return true
}

// finish applies the terminal outcome of s once
func (c *Coordinator) finish(s *session, ev Event) bool {
	c.mu.Lock()
	if c.cur != s || s.closed {
		c.mu.Unlock()
		return false
	}
	s.closed = true
	s.cancel()

	var to State
	switch ev.Outcome {
	case OutcomeSuccess:
		to = StateSuccess
		c.settled = s
	case OutcomeError:
		to = StateError
	default:
		to = StateIdle
	}
	change := c.setStateLocked(s, to, ev.Err)
	if ev.Outcome == OutcomeCancel {
		c.cur = nil
	}
	c.mu.Unlock()

	c.notifyState(change)
	c.logger.Info("checkout finished", "intent_id", ev.IntentID, "method", ev.Method, "state", to)
	c.emit(ev)
	return true
}

// discardLocked closes the live session and returns its cancel event, if any
func (c *Coordinator) discardLocked() *Event {
	s := c.cur
	c.cur = nil
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return &Event{IntentID: s.intent.ID, Outcome: OutcomeCancel, Method: s.method}
}

func (c *Coordinator) advance(s *session, status types.IntentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status == "" {
		return
	}
	if err := s.intent.Advance(status); err != nil {
		c.logger.Debug("ignoring status update", "intent_id", s.intent.ID, "error", err)
	}
}

func (c *Coordinator) setStateLocked(s *session, to State, err error) StateChange {
	change := StateChange{From: c.state, To: to, Err: err}
	if s != nil {
		change.IntentID = s.intent.ID
	}
	c.state = to
	return change
}

func (c *Coordinator) notifyState(change StateChange) {
	c.logger.Debug("state change", "intent_id", change.IntentID, "state", change.To, "from", change.From)
	for _, fn := range c.stateListeners {
		fn(change)
	}
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
