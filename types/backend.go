// Package types holds the data model and collaborator contracts shared by the
// checkout components: purchase intents, balance snapshots, prepared
// authorizations, conversion sessions and their error taxonomy.
package types

import "context"

// Backend is the ledger/order service consumed by the checkout flows.
// Implementations must return *TransportError for failures where the request
// may have reached the service, and *BackendError for service-produced errors.
type Backend interface {
	IntentBackend
	AuthorizationSource
	SettlementBackend
	ConversionBackend
	BalanceBackend
	CartBackend
	LibraryBackend
}

// IntentBackend creates intents and records the chosen rail
type IntentBackend interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*CreatedIntent, error)
	SelectPaymentMethod(ctx context.Context, intentID string, method Method) error
	GetIntentStatus(ctx context.Context, intentID string) (*IntentStatusReport, error)
}

// AuthorizationSource prepares balance-rail authorizations
type AuthorizationSource interface {
	PrepareBalancePayment(ctx context.Context, intentID string) (*PreparedAuthorization, error)
}

// SettlementBackend accepts signed payments and reports their status
type SettlementBackend interface {
	SubmitSignedPayment(ctx context.Context, intentID string, signed SignedPayment) (*SubmitReceipt, error)
	GetIntentStatus(ctx context.Context, intentID string) (*IntentStatusReport, error)
}

// ConversionBackend drives the conversion widget rail
type ConversionBackend interface {
	InitiateConversionWidget(ctx context.Context, intentID string) (*ConversionSession, error)
	GetConversionStatus(ctx context.Context, conversionTxID string) (*ConversionStatusReport, error)
	CompleteConversion(ctx context.Context, conversionTxID string) error
}

// BalanceBackend serves and resyncs the cached balance
type BalanceBackend interface {
	GetBalance(ctx context.Context) (*BalanceReport, error)
	SyncBalance(ctx context.Context) (*BalanceReport, error)
}

// CartBackend clears the buyer's cart after a cart purchase settles
type CartBackend interface {
	ClearCart(ctx context.Context) error
}

// LibraryBackend lists owned items
type LibraryBackend interface {
	GetLibrary(ctx context.Context) ([]LibraryEntry, error)
}
