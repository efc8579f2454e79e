package checkout

import "github.com/renaissblock/checkout/types"

// State is the coordinator's position in a checkout
type State string

const (
	StateIdle            State = "idle"
	StateCreatingIntent  State = "creating_intent"
	StateSelectingMethod State = "selecting_method"
	StateConfirming      State = "confirming"
	StateSigning         State = "signing"
	StateSubmitting      State = "submitting"
	StateReconciling     State = "reconciling"
	StateDelegated       State = "delegated"
	StateSuccess         State = "success"
	StateError           State = "error"
)

// Outcome is the terminal result of an intent
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeCancel  Outcome = "cancel"
)

// Event is emitted exactly once per intent when it reaches a terminal outcome.
type Event struct {
	IntentID      string
	Outcome       Outcome
	Method        types.Method
	SettlementRef string
	MintAddress   string
	// Confirmed is false when success was assumed after recovery polling
	// ran out without a definitive status.
	Confirmed bool
	Err       error
}

// StateChange describes one coordinator transition
type StateChange struct {
	IntentID string
	From     State
	To       State
	Err      error
}
