// Package http is the HTTP transport to the checkout backend.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/renaissblock/checkout/types"
)

// BackendClient talks to the ledger/order service over HTTP.
// Implements types.Backend.
type BackendClient struct {
	baseURL      string
	httpClient   *http.Client
	authProvider AuthProvider
	logger       *slog.Logger
	retryDelay   time.Duration
}

// AuthProvider supplies per-request authentication headers
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (map[string]string, error)
}

// BearerToken is a static token AuthProvider
type BearerToken string

func (t BearerToken) GetAuthHeaders(ctx context.Context) (map[string]string, error) {
	if t == "" {
		return nil, nil
	}
	return map[string]string{"Authorization": "Bearer " + string(t)}, nil
}

// BackendConfig configures the client
type BackendConfig struct {
	// URL is the base URL of the backend, without the /api prefix
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// RetryBaseDelay is the first backoff on 429 responses (optional, defaults to 1s)
	RetryBaseDelay time.Duration

	Logger *slog.Logger
}

// DefaultBackendURL is used when no URL is configured
const DefaultBackendURL = "http://localhost:8000"

// getRetries is the number of attempts for idempotent GETs rate limited with 429
const getRetries = 3

const defaultRetryBaseDelay = 1 * time.Second

// AttemptHeader carries a per-attempt id on submissions. The standard
// Idempotency-Key names are avoided: net/http replays requests carrying them.
const AttemptHeader = "X-Checkout-Attempt"

// NewBackendClient creates a backend client
func NewBackendClient(config *BackendConfig) *BackendClient {
	if config == nil {
		config = &BackendConfig{}
	}

	baseURL := strings.TrimRight(config.URL, "/")
	if baseURL == "" {
		baseURL = DefaultBackendURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	retryDelay := config.RetryBaseDelay
	if retryDelay == 0 {
		retryDelay = defaultRetryBaseDelay
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &BackendClient{
		baseURL:      baseURL,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		logger:       logger,
		retryDelay:   retryDelay,
	}
}

var _ types.Backend = (*BackendClient)(nil)

// CreateIntent creates a purchase intent
func (c *BackendClient) CreateIntent(ctx context.Context, req types.IntentRequest) (*types.CreatedIntent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var w createdIntentWire
	if err := c.post(ctx, "create intent", "/api/payment/intent/", req, nil, &w); err != nil {
		return nil, err
	}
	w.CreatedIntent.IntentID = string(w.IntentID)
	return &w.CreatedIntent, nil
}

// SelectPaymentMethod records the chosen rail
func (c *BackendClient) SelectPaymentMethod(ctx context.Context, intentID string, method types.Method) error {
	return c.post(ctx, "select method", intentPath(intentID, "select"), selectMethodRequest{Method: method}, nil, nil)
}

// PrepareBalancePayment asks the backend to build the balance-rail authorization
func (c *BackendClient) PrepareBalancePayment(ctx context.Context, intentID string) (*types.PreparedAuthorization, error) {
	var w preparedAuthorizationWire
	if err := c.post(ctx, "prepare balance payment", intentPath(intentID, "pay-with-balance"), struct{}{}, nil, &w); err != nil {
		return nil, err
	}
	w.PreparedAuthorization.IntentID = string(w.IntentID)
	if w.PreparedAuthorization.IntentID == "" {
		w.PreparedAuthorization.IntentID = intentID
	}
	w.PreparedAuthorization.FetchedAt = time.Now()
	return &w.PreparedAuthorization, nil
}

// SubmitSignedPayment presents a signed payment. It is never retried here.
func (c *BackendClient) SubmitSignedPayment(ctx context.Context, intentID string, signed types.SignedPayment) (*types.SubmitReceipt, error) {
	headers := map[string]string{AttemptHeader: uuid.NewString()}
	var w submitReceiptWire
	if err := c.post(ctx, "submit payment", intentPath(intentID, "submit"), signed, headers, &w); err != nil {
		return nil, err
	}
	w.SubmitReceipt.IntentID = string(w.IntentID)
	return &w.SubmitReceipt, nil
}

// GetIntentStatus reads an intent's status
func (c *BackendClient) GetIntentStatus(ctx context.Context, intentID string) (*types.IntentStatusReport, error) {
	var w intentStatusWire
	if err := c.get(ctx, "intent status", intentPath(intentID, "status"), &w); err != nil {
		return nil, err
	}
	w.IntentStatusReport.IntentID = string(w.IntentID)
	w.IntentStatusReport.PurchaseID = string(w.PurchaseID)
	return &w.IntentStatusReport, nil
}

// InitiateConversionWidget starts a card-to-stablecoin conversion for an intent
func (c *BackendClient) InitiateConversionWidget(ctx context.Context, intentID string) (*types.ConversionSession, error) {
	var w conversionSessionWire
	path := "/api/coinbase/onramp/" + url.PathEscape(intentID) + "/"
	if err := c.post(ctx, "initiate conversion", path, struct{}{}, nil, &w); err != nil {
		return nil, err
	}
	w.ConversionSession.TransactionID = string(w.TransactionID)
	return &w.ConversionSession, nil
}

// GetConversionStatus reads a conversion's status
func (c *BackendClient) GetConversionStatus(ctx context.Context, conversionTxID string) (*types.ConversionStatusReport, error) {
	var w conversionStatusWire
	path := "/api/coinbase/status/" + url.PathEscape(conversionTxID) + "/"
	if err := c.get(ctx, "conversion status", path, &w); err != nil {
		return nil, err
	}
	w.ConversionStatusReport.TransactionID = string(w.TransactionID)
	return &w.ConversionStatusReport, nil
}

// CompleteConversion tells the backend the widget finished
func (c *BackendClient) CompleteConversion(ctx context.Context, conversionTxID string) error {
	path := "/api/coinbase/complete/" + url.PathEscape(conversionTxID) + "/"
	return c.post(ctx, "complete conversion", path, struct{}{}, nil, nil)
}

// GetBalance reads the served balance
func (c *BackendClient) GetBalance(ctx context.Context) (*types.BalanceReport, error) {
	var report types.BalanceReport
	if err := c.get(ctx, "balance", "/api/balance/", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// SyncBalance requests an authoritative resync
func (c *BackendClient) SyncBalance(ctx context.Context) (*types.BalanceReport, error) {
	var report types.BalanceReport
	if err := c.post(ctx, "sync balance", "/api/balance/sync/", struct{}{}, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ClearCart empties the buyer's cart
func (c *BackendClient) ClearCart(ctx context.Context) error {
	return c.post(ctx, "clear cart", "/api/cart/clear/", struct{}{}, nil, nil)
}

// GetLibrary lists owned items across every content group
func (c *BackendClient) GetLibrary(ctx context.Context) ([]types.LibraryEntry, error) {
	var groups map[string][]libraryItemWire
	if err := c.get(ctx, "library", "/api/library/", &groups); err != nil {
		return nil, err
	}
	var entries []types.LibraryEntry
	for _, items := range groups {
		for _, it := range items {
			entries = append(entries, types.LibraryEntry{
				ContentID:   string(it.ID),
				ChapterID:   string(it.ChapterID),
				IntentID:    string(it.IntentID),
				MintAddress: it.MintAddress,
			})
		}
	}
	return entries, nil
}

func intentPath(intentID, action string) string {
	return "/api/payment/intent/" + url.PathEscape(intentID) + "/" + action + "/"
}

// ============================================================================
// Request plumbing
// ============================================================================

func (c *BackendClient) get(ctx context.Context, op, path string, out interface{}) error {
	var lastErr error

	for attempt := range getRetries {
		status, err := c.do(ctx, op, http.MethodGet, path, nil, nil, out)
		if err == nil {
			return nil
		}
		lastErr = err

		// Retry on 429 with exponential backoff, except on the last attempt
		if status == http.StatusTooManyRequests && attempt < getRetries-1 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt))
			c.logger.Debug("rate limited, backing off", "op", op, "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return &types.TransportError{Op: op, Err: ctx.Err()}
			}
		}
		return err
	}
	return lastErr
}

func (c *BackendClient) post(ctx context.Context, op, path string, in interface{}, headers map[string]string, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	_, err = c.do(ctx, op, http.MethodPost, path, body, headers, out)
	return err
}

// do performs one request. Failures where the request may have reached the
// backend come back as *types.TransportError; backend-produced errors as
// *types.BackendError.
func (c *BackendClient) do(ctx context.Context, op, method, path string, body []byte, headers map[string]string, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.authProvider != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range authHeaders {
			req.Header.Set(k, v)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &types.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &types.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(responseBody, out); err != nil {
			// A 2xx with an unreadable body means the response was cut short
			return resp.StatusCode, &types.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return resp.StatusCode, nil
	}

	var eb errorBody
	decodeErr := json.Unmarshal(responseBody, &eb)
	if decodeErr != nil && isGatewayStatus(resp.StatusCode) {
		return resp.StatusCode, &types.TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	be := &types.BackendError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Code:       eb.Code,
		Message:    eb.Error,
		Reason:     firstNonEmpty(eb.FailureReason, eb.Message),
	}
	if decodeErr != nil {
		be.Message = strings.TrimSpace(string(responseBody))
	}
	c.logger.Debug("backend returned error", "op", op, "status", resp.StatusCode, "code", be.Code)
	return resp.StatusCode, be
}

func isGatewayStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
