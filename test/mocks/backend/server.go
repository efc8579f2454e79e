// Package backend is an in-memory ledger/order service speaking the checkout
// backend's HTTP API. It serves the CLI's mock mode and the end-to-end tests,
// with knobs for the failure modes the client has to survive.
package backend

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/renaissblock/checkout/types"
)

// Operation names accepted by Calls
const (
	OpCreateIntent       = "create_intent"
	OpSelectMethod       = "select_method"
	OpPrepareBalance     = "pay_with_balance"
	OpSubmit             = "submit"
	OpIntentStatus       = "intent_status"
	OpInitiateConversion = "onramp"
	OpConversionStatus   = "conversion_status"
	OpCompleteConversion = "complete_conversion"
	OpBalance            = "balance"
	OpSyncBalance        = "sync_balance"
	OpClearCart          = "clear_cart"
	OpLibrary            = "library"
)

// PaymentRail builds balance-rail authorizations and checks the signed result
type PaymentRail interface {
	Prepare(intentID, payer string, amount decimal.Decimal) (payload, platform string, err error)
	Verify(payer string, signed types.SignedPayment) error
}

type intentRecord struct {
	id            int
	request       types.IntentRequest
	total         decimal.Decimal
	status        types.IntentStatus
	method        types.Method
	failureReason string
	settlementRef string
	mintAddress   string
	purchaseID    int
	expiresAt     time.Time
	queued        []types.IntentStatusReport
}

type conversionRecord struct {
	id        string
	intentID  int
	status    types.ConversionStatus
	reason    string
	completed bool
	amount    decimal.Decimal
	queued    []types.ConversionStatusReport
}

type libraryItem struct {
	ID          string `json:"id"`
	ChapterID   string `json:"chapter_id,omitempty"`
	IntentID    int    `json:"intent_id,omitempty"`
	MintAddress string `json:"nft_mint_address,omitempty"`
}

// Server is the fake backend
type Server struct {
	mu sync.Mutex

	engine *gin.Engine
	logger *slog.Logger
	rail   PaymentRail

	payer     string
	appID     string
	authToken string
	total     decimal.Decimal
	intentTTL time.Duration
	authTTL   time.Duration

	balance    types.BalanceReport
	syncReport *types.BalanceReport

	submitStatus types.IntentStatus
	submitReason string
	dropSubmits  int
	autoMint     bool
	cartItems    int

	nextID      int
	intents     map[int]*intentRecord
	conversions map[string]*conversionRecord
	lastConv    string
	library     map[string][]libraryItem
	calls       map[string]int
}

// Option configures a Server
type Option func(*Server)

// WithPayer sets the designated payer identity put on authorizations
func WithPayer(payer string) Option {
	return func(s *Server) { s.payer = payer }
}

// WithTotal sets the price of every new intent
func WithTotal(total decimal.Decimal) Option {
	return func(s *Server) { s.total = total }
}

// WithBalance seeds a synced balance
func WithBalance(amount decimal.Decimal) Option {
	return func(s *Server) {
		s.balance = types.BalanceReport{Balance: amount, SyncStatus: types.SyncSynced}
	}
}

// WithRail replaces the default opaque authorization payloads
func WithRail(rail PaymentRail) Option {
	return func(s *Server) { s.rail = rail }
}

// WithAuthToken requires "Authorization: Bearer <token>" on every request
func WithAuthToken(token string) Option {
	return func(s *Server) { s.authToken = token }
}

func WithAppID(appID string) Option {
	return func(s *Server) { s.appID = appID }
}

func WithIntentTTL(d time.Duration) Option {
	return func(s *Server) { s.intentTTL = d }
}

func WithAuthorizationTTL(d time.Duration) Option {
	return func(s *Server) { s.authTTL = d }
}

// WithAutoMint assigns a mint address as soon as a payment settles
func WithAutoMint(enabled bool) Option {
	return func(s *Server) { s.autoMint = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a fake backend
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:       slog.New(slog.DiscardHandler),
		rail:         opaqueRail{},
		payer:        "buyer",
		appID:        "mock-app",
		total:        decimal.NewFromInt(10),
		intentTTL:    15 * time.Minute,
		authTTL:      2 * time.Minute,
		balance:      types.BalanceReport{Balance: decimal.Zero, SyncStatus: types.SyncSynced},
		submitStatus: types.StatusCompleted,
		nextID:       1,
		intents:      make(map[int]*intentRecord),
		conversions:  make(map[string]*conversionRecord),
		library:      make(map[string][]libraryItem),
		calls:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.authenticate())

	api := r.Group("/api")
	api.POST("/payment/intent/", s.createIntent)
	api.POST("/payment/intent/:id/select/", s.selectMethod)
	api.POST("/payment/intent/:id/pay-with-balance/", s.payWithBalance)
	api.POST("/payment/intent/:id/submit/", s.submit)
	api.GET("/payment/intent/:id/status/", s.intentStatus)
	api.POST("/coinbase/onramp/:id/", s.initiateConversion)
	api.GET("/coinbase/status/:tx/", s.conversionStatus)
	api.POST("/coinbase/complete/:tx/", s.completeConversion)
	api.GET("/balance/", s.getBalance)
	api.POST("/balance/sync/", s.syncBalance)
	api.POST("/cart/clear/", s.clearCart)
	api.GET("/library/", s.getLibrary)

	s.engine = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ============================================================================
// Knobs
// ============================================================================

// SetBalance replaces the served balance report
func (s *Server) SetBalance(report types.BalanceReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = report
}

// SetSyncReport makes sync requests answer report instead of the served balance
func (s *Server) SetSyncReport(report *types.BalanceReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncReport = report
}

// CreditBalance adds amount to the served balance
func (s *Server) CreditBalance(amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance.Balance = s.balance.Balance.Add(amount)
}

// SetSubmitOutcome sets the status a submission moves its intent to
func (s *Server) SetSubmitOutcome(status types.IntentStatus, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitStatus = status
	s.submitReason = reason
}

// DropSubmitResponses makes the next n submissions settle but lose their
// response: the connection is closed before anything is written.
func (s *Server) DropSubmitResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSubmits = n
}

// QueueIntentStatuses scripts the next status reads for an intent. Each read
// consumes one entry and applies it.
func (s *Server) QueueIntentStatuses(intentID string, reports ...types.IntentStatusReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.intentLocked(intentID)
	if err != nil {
		return err
	}
	rec.queued = append(rec.queued, reports...)
	return nil
}

// SetConversionStatus moves a conversion. Completing it credits the converted
// amount and settles the funded intent.
func (s *Server) SetConversionStatus(txID string, status types.ConversionStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversions[txID]
	if !ok {
		return fmt.Errorf("unknown conversion %q", txID)
	}
	s.applyConversionLocked(conv, types.ConversionStatusReport{Status: status, FailureReason: reason})
	return nil
}

// QueueConversionStatuses scripts the next status reads for a conversion
func (s *Server) QueueConversionStatuses(txID string, reports ...types.ConversionStatusReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversions[txID]
	if !ok {
		return fmt.Errorf("unknown conversion %q", txID)
	}
	conv.queued = append(conv.queued, reports...)
	return nil
}

// AddToCart puts n items in the cart
func (s *Server) AddToCart(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cartItems += n
}

// CartItems returns the number of items in the cart
func (s *Server) CartItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cartItems
}

// AddLibraryItem lists an owned item under group
func (s *Server) AddLibraryItem(group string, entry types.LibraryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iid, _ := strconv.Atoi(entry.IntentID)
	s.library[group] = append(s.library[group], libraryItem{
		ID:          entry.ContentID,
		ChapterID:   entry.ChapterID,
		IntentID:    iid,
		MintAddress: entry.MintAddress,
	})
}

// Mint assigns a mint address to a settled intent and lists it in the library
func (s *Server) Mint(intentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.intentLocked(intentID)
	if err != nil {
		return "", err
	}
	s.mintLocked(rec)
	return rec.mintAddress, nil
}

// IntentStatus returns the recorded status of an intent
func (s *Server) IntentStatus(intentID string) (types.IntentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.intentLocked(intentID)
	if err != nil {
		return "", err
	}
	return rec.status, nil
}

// LastConversionID returns the transaction id of the newest conversion
func (s *Server) LastConversionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConv
}

// ConversionCompleted reports whether the client acknowledged the conversion
func (s *Server) ConversionCompleted(txID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversions[txID]
	return ok && conv.completed
}

// Calls returns how many requests op has served
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) createIntent(c *gin.Context) {
	var req types.IntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request", err.Error(), "invalid_request")
		return
	}
	if err := req.Validate(); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request", err.Error(), "invalid_request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpCreateIntent]++

	if req.Cart && s.cartItems == 0 {
		abort(c, http.StatusBadRequest, "Cart is empty", "", "empty_cart")
		return
	}

	rec := &intentRecord{
		id:        s.nextID,
		request:   req,
		total:     s.total,
		status:    types.StatusPending,
		expiresAt: time.Now().Add(s.intentTTL),
	}
	s.nextID++
	s.intents[rec.id] = rec

	c.JSON(http.StatusCreated, gin.H{
		"intent_id":       rec.id,
		"payer":           s.payer,
		"total_amount":    rec.total,
		"balance":         s.balance.Balance,
		"status":          rec.status,
		"expires_at":      rec.expiresAt.UTC().Format(time.RFC3339),
		"payment_options": s.optionsLocked(rec),
	})
}

func (s *Server) optionsLocked(rec *intentRecord) []types.PaymentOption {
	sufficient := s.balance.Balance.GreaterThanOrEqual(rec.total)
	topUp := types.MinimumTopUp(s.balance.Balance, rec.total)

	balance := types.PaymentOption{
		Method:      types.MethodBalance,
		Available:   sufficient,
		Primary:     sufficient,
		Label:       "Pay with balance",
		Description: fmt.Sprintf("Available: $%s", s.balance.Balance.StringFixed(2)),
	}
	if !sufficient {
		balance.Explanation = fmt.Sprintf("Add at least $%s to use your balance", topUp.StringFixed(2))
		balance.MinimumAdd = topUp
	}

	return []types.PaymentOption{
		balance,
		{
			Method:      types.MethodCoinbase,
			Available:   true,
			Primary:     !sufficient,
			Label:       "Pay with card",
			Description: "Card or bank via Coinbase",
			MinimumAdd:  topUp,
		},
		{
			Method:      types.MethodDirectCrypto,
			Available:   true,
			Label:       "Pay from another wallet",
			Description: "Send stablecoin directly",
		},
	}
}

func (s *Server) selectMethod(c *gin.Context) {
	var body struct {
		Method types.Method `json:"method"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || !body.Method.Valid() {
		abort(c, http.StatusBadRequest, "Invalid payment method", "", "invalid_method")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpSelectMethod]++

	rec, ok := s.intentFromPath(c)
	if !ok {
		return
	}
	if rec.status.Terminal() {
		abort(c, http.StatusConflict, "Intent is closed", string(rec.status), "intent_closed")
		return
	}
	if body.Method == types.MethodBalance && s.balance.Balance.LessThan(rec.total) {
		abort(c, http.StatusBadRequest, "Insufficient balance", "balance does not cover the total", "insufficient_balance")
		return
	}

	rec.method = body.Method
	next := types.StatusAwaitingPayment
	if body.Method == types.MethodBalance {
		next = types.StatusAwaitingSignature
	}
	if rec.status.CanTransition(next) {
		rec.status = next
	}
	c.JSON(http.StatusOK, gin.H{"intent_id": rec.id, "method": rec.method, "status": rec.status})
}

func (s *Server) payWithBalance(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpPrepareBalance]++

	rec, ok := s.intentFromPath(c)
	if !ok {
		return
	}
	if rec.method != types.MethodBalance {
		abort(c, http.StatusBadRequest, "Balance payment not selected", "", "method_not_selected")
		return
	}
	if rec.status.Terminal() {
		abort(c, http.StatusConflict, "Intent is closed", string(rec.status), "intent_closed")
		return
	}

	payload, platform, err := s.rail.Prepare(strconv.Itoa(rec.id), s.payer, rec.total)
	if err != nil {
		abort(c, http.StatusInternalServerError, "Could not build transaction", err.Error(), "prepare_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intent_id":              rec.id,
		"serialized_transaction": payload,
		"user_pubkey":            s.payer,
		"platform_pubkey":        platform,
		"blockhash":              uuid.NewString(),
		"valid_until":            time.Now().Add(s.authTTL).UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) submit(c *gin.Context) {
	var signed types.SignedPayment
	if err := c.ShouldBindJSON(&signed); err != nil || signed.Payload == "" {
		abort(c, http.StatusBadRequest, "Missing signed transaction", "", "invalid_request")
		return
	}

	s.mu.Lock()
	s.calls[OpSubmit]++

	rec, ok := s.intentFromPath(c)
	if !ok {
		s.mu.Unlock()
		return
	}
	if rec.status.Settled() {
		s.mu.Unlock()
		abort(c, http.StatusConflict, "Already paid", "intent already settled", "already_paid")
		return
	}
	if err := s.rail.Verify(s.payer, signed); err != nil {
		rec.status = types.StatusFailed
		rec.failureReason = err.Error()
		s.mu.Unlock()
		abort(c, http.StatusBadRequest, "Invalid signature", err.Error(), "invalid_signature")
		return
	}

	s.settleLocked(rec, s.submitStatus, s.submitReason)
	reason := rec.failureReason
	rejected := rec.status.Rejected()
	drop := s.dropSubmits > 0
	if drop {
		s.dropSubmits--
	}
	body := gin.H{
		"intent_id": rec.id,
		"status":    rec.status,
		"signature": rec.settlementRef,
	}
	s.mu.Unlock()

	if drop {
		s.logger.Info("dropping submit response", "intent_id", body["intent_id"])
		hijackAndClose(c)
		return
	}
	if rejected {
		abort(c, http.StatusBadRequest, "Payment failed", reason, "payment_failed")
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) intentStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpIntentStatus]++

	rec, ok := s.intentFromPath(c)
	if !ok {
		return
	}
	if len(rec.queued) > 0 {
		next := rec.queued[0]
		rec.queued = rec.queued[1:]
		s.settleLocked(rec, next.Status, next.FailureReason)
		if next.MintAddress != "" {
			rec.mintAddress = next.MintAddress
		}
	}

	body := gin.H{"intent_id": rec.id, "status": rec.status}
	if rec.failureReason != "" {
		body["failure_reason"] = rec.failureReason
	}
	if rec.settlementRef != "" {
		body["solana_tx_signature"] = rec.settlementRef
	}
	if rec.mintAddress != "" {
		body["nft_mint_address"] = rec.mintAddress
	}
	if rec.purchaseID != 0 {
		body["purchase_id"] = rec.purchaseID
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) initiateConversion(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpInitiateConversion]++

	rec, ok := s.intentFromPath(c)
	if !ok {
		return
	}
	if rec.status.Terminal() {
		abort(c, http.StatusConflict, "Intent is closed", string(rec.status), "intent_closed")
		return
	}

	amount := decimal.Max(types.MinimumTopUp(s.balance.Balance, rec.total), types.CoinbaseMinimum)
	conv := &conversionRecord{
		id:       fmt.Sprintf("conv-%d-%s", rec.id, uuid.NewString()[:8]),
		intentID: rec.id,
		status:   types.ConversionPending,
		amount:   amount,
	}
	s.conversions[conv.id] = conv
	s.lastConv = conv.id

	c.JSON(http.StatusCreated, gin.H{
		"transaction_id": conv.id,
		"charge_id":      uuid.NewString(),
		"minimum_amount": types.CoinbaseMinimum,
		"amount_to_add":  amount,
		"explanation":    fmt.Sprintf("Adds $%s to your balance, then completes the purchase", amount.StringFixed(2)),
		"widget_config": gin.H{
			"appId": s.appID,
			"destinationWallets": []gin.H{
				{"address": s.payer, "blockchains": []string{"solana"}, "assets": []string{"USDC"}},
			},
			"presetCryptoAmount": amount.InexactFloat64(),
			"defaultExperience":  "buy",
		},
	})
}

func (s *Server) conversionStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpConversionStatus]++

	conv, ok := s.conversions[c.Param("tx")]
	if !ok {
		abort(c, http.StatusNotFound, "Conversion not found", "", "not_found")
		return
	}
	if len(conv.queued) > 0 {
		next := conv.queued[0]
		conv.queued = conv.queued[1:]
		s.applyConversionLocked(conv, next)
	}

	body := gin.H{"transaction_id": conv.id, "status": conv.status}
	if conv.reason != "" {
		body["failure_reason"] = conv.reason
	}
	if rec := s.intents[conv.intentID]; rec != nil && rec.settlementRef != "" {
		body["solana_tx_signature"] = rec.settlementRef
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) completeConversion(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpCompleteConversion]++

	conv, ok := s.conversions[c.Param("tx")]
	if !ok {
		abort(c, http.StatusNotFound, "Conversion not found", "", "not_found")
		return
	}
	conv.completed = true
	c.JSON(http.StatusOK, gin.H{"transaction_id": conv.id, "status": conv.status})
}

func (s *Server) getBalance(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpBalance]++
	c.JSON(http.StatusOK, s.balance)
}

func (s *Server) syncBalance(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpSyncBalance]++

	if s.syncReport != nil {
		c.JSON(http.StatusOK, s.syncReport)
		return
	}
	now := time.Now().UTC()
	s.balance.SyncStatus = types.SyncSynced
	s.balance.IsStale = false
	s.balance.LastSynced = &now
	c.JSON(http.StatusOK, s.balance)
}

func (s *Server) clearCart(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpClearCart]++
	s.cartItems = 0
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) getLibrary(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[OpLibrary]++

	groups := gin.H{
		"books": []libraryItem{},
		"art":   []libraryItem{},
		"film":  []libraryItem{},
		"music": []libraryItem{},
	}
	for name, items := range s.library {
		groups[name] = items
	}
	c.JSON(http.StatusOK, groups)
}

// ============================================================================
// Ledger helpers
// ============================================================================

// settleLocked applies a status respecting forward-only transitions.
// Reaching a settled status debits the balance and records a settlement ref.
func (s *Server) settleLocked(rec *intentRecord, status types.IntentStatus, reason string) {
	if !rec.status.CanTransition(status) {
		return
	}
	wasSettled := rec.status.Settled()
	rec.status = status
	if status.Rejected() {
		rec.failureReason = reason
		return
	}
	if rec.settlementRef == "" && status != types.StatusPending {
		rec.settlementRef = "sig-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if status.Settled() && !wasSettled {
		if rec.method == types.MethodBalance {
			s.balance.Balance = s.balance.Balance.Sub(rec.total)
		}
		rec.purchaseID = rec.id + 1000
		if s.autoMint {
			s.mintLocked(rec)
		}
	}
}

func (s *Server) mintLocked(rec *intentRecord) {
	if rec.mintAddress != "" {
		return
	}
	rec.mintAddress = "mint-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	s.library["books"] = append(s.library["books"], libraryItem{
		ID:          rec.request.ContentID,
		ChapterID:   rec.request.ChapterID,
		IntentID:    rec.id,
		MintAddress: rec.mintAddress,
	})
}

// applyConversionLocked records a conversion status. A newly completed
// conversion credits the buyer and settles the intent it funds.
// TODO: debit the intent total from the credited funds once partial top-ups
// are modelled.
func (s *Server) applyConversionLocked(conv *conversionRecord, next types.ConversionStatusReport) {
	if conv.status == types.ConversionCompleted || conv.status == types.ConversionFailed {
		return
	}
	conv.status = next.Status
	conv.reason = next.FailureReason
	if next.Status != types.ConversionCompleted {
		return
	}
	s.balance.Balance = s.balance.Balance.Add(conv.amount)
	rec := s.intents[conv.intentID]
	if rec == nil {
		return
	}
	s.settleLocked(rec, types.StatusCompleted, "")
}

func (s *Server) intentLocked(intentID string) (*intentRecord, error) {
	id, err := strconv.Atoi(intentID)
	if err != nil {
		return nil, fmt.Errorf("invalid intent id %q", intentID)
	}
	rec, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("unknown intent %q", intentID)
	}
	return rec, nil
}

func (s *Server) intentFromPath(c *gin.Context) (*intentRecord, bool) {
	rec, err := s.intentLocked(c.Param("id"))
	if err != nil {
		abort(c, http.StatusNotFound, "Intent not found", err.Error(), "not_found")
		return nil, false
	}
	return rec, true
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authToken == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.authToken {
			abort(c, http.StatusUnauthorized, "Authentication required", "", "unauthorized")
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func abort(c *gin.Context, status int, message, reason, code string) {
	body := gin.H{"error": message, "code": code}
	if reason != "" {
		body["failure_reason"] = reason
	}
	c.AbortWithStatusJSON(status, body)
}

func hijackAndClose(c *gin.Context) {
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		c.AbortWithStatus(http.StatusBadGateway)
		return
	}
	_ = conn.Close()
	c.Abort()
}

// opaqueRail hands out opaque tokens and accepts any non-empty signed payload
type opaqueRail struct{}

func (opaqueRail) Prepare(intentID, payer string, amount decimal.Decimal) (string, string, error) {
	raw := fmt.Sprintf("intent=%s;payer=%s;amount=%s", intentID, payer, amount.String())
	return base64.StdEncoding.EncodeToString([]byte(raw)), "platform", nil
}

func (opaqueRail) Verify(payer string, signed types.SignedPayment) error {
	if signed.Payload == "" {
		return errors.New("empty signed payload")
	}
	return nil
}
