package types

import (
	"errors"
	"fmt"
)

// Error codes surfaced to the UI
const (
	ErrCodeIntentCreationFailed   = "intent_creation_failed"
	ErrCodeMethodUnavailable      = "method_unavailable"
	ErrCodeSessionMismatch        = "session_mismatch"
	ErrCodeUserCancelledSigning   = "user_cancelled_signing"
	ErrCodeSubmissionNetworkError = "submission_network_error"
	ErrCodeBackendRejected        = "backend_rejected"
	ErrCodeConversionFailed       = "conversion_failed"
	ErrCodePollExhausted          = "poll_exhausted"
	ErrCodeAuthorizationExpired   = "authorization_expired"
	ErrCodeInvalidState           = "invalid_state"
	ErrCodeDuplicateSubmission    = "duplicate_submission"
)

// ErrStatusRegression is returned when an intent status would move backwards
var ErrStatusRegression = errors.New("intent status regression")

// CheckoutError is a classified checkout failure
type CheckoutError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`
}

func (e *CheckoutError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

// NewCheckoutError creates a checkout error. Retryability follows the code:
// only intent creation and expired authorizations can be blindly retried.
func NewCheckoutError(code, message string, err error) *CheckoutError {
	return &CheckoutError{
		Code:      code,
		Message:   message,
		Retryable: code == ErrCodeIntentCreationFailed || code == ErrCodeAuthorizationExpired,
		Err:       err,
	}
}

// NewRejectedError creates a backend_rejected error carrying the server reason
func NewRejectedError(message, reason string) *CheckoutError {
	return &CheckoutError{
		Code:    ErrCodeBackendRejected,
		Message: message,
		Reason:  reason,
	}
}

// CodeOf returns the checkout error code in err's chain, or "" if none
func CodeOf(err error) string {
	var ce *CheckoutError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// HasCode reports whether err carries the given checkout error code
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// TransportError marks a failure where the request may or may not have reached
// the backend: connection refused or reset, timeouts, truncated bodies and
// gateway errors without a backend-produced body.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transport failure (%d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is a transport-level failure
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// BackendError is a backend-produced, non-2xx response
type BackendError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Reason     string
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s failed (%d)", e.Op, e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// AsBackendError extracts a BackendError from err's chain
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
