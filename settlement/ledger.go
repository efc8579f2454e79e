package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// LedgerKey derives the deduplication key of a signed payload
func LedgerKey(payload string) string {
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

// EntryStatus is the result of checking the ledger
type EntryStatus int

const (
	// EntryNew means the payload was never presented; the caller now owns it
	EntryNew EntryStatus = iota
	// EntryRecorded means a prior outcome exists and must be replayed
	EntryRecorded
	// EntryInFlight means another caller is presenting this payload
	EntryInFlight
	// EntryIntentBusy means a different payload for the same intent is in
	// flight or already settled
	EntryIntentBusy
)

type outcome struct {
	result *Result
	err    error
	at     time.Time
}

// Entry is a ledger lookup. Result and Err hold the replayed outcome of a
// recorded payload.
type Entry struct {
	Status EntryStatus
	Result *Result
	Err    error

	done chan struct{}
}

// Ledger records every signed payload presented to the backend. A payload is
// presented at most once: later presentations replay the first outcome.
// Failures are recorded too.
type Ledger struct {
	mu       sync.Mutex
	outcomes map[string]outcome
	inFlight map[string]chan struct{}
	intents  map[string]string // intent id -> key of its live or settled payload
	ttl      time.Duration
}

// NewLedger creates a ledger. A ttl of zero keeps entries for the process lifetime.
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{
		outcomes: make(map[string]outcome),
		inFlight: make(map[string]chan struct{}),
		intents:  make(map[string]string),
		ttl:      ttl,
	}
}

// CheckAndMark atomically checks key and marks it in flight when new.
// An EntryNew entry must be passed back to Record exactly once.
func (l *Ledger) CheckAndMark(key, intentID string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupExpiredLocked()

	if o, ok := l.outcomes[key]; ok {
		return Entry{Status: EntryRecorded, Result: o.result, Err: o.err}
	}
	if done, ok := l.inFlight[key]; ok {
		return Entry{Status: EntryInFlight, done: done}
	}
	if intentID != "" {
		if other, ok := l.intents[intentID]; ok && other != key {
			return Entry{Status: EntryIntentBusy}
		}
		l.intents[intentID] = key
	}

	done := make(chan struct{})
	l.inFlight[key] = done
	return Entry{Status: EntryNew, done: done}
}

// Wait blocks until an in-flight presentation finishes and returns its
// recorded entry. The error is non-nil only when ctx ends first.
func (l *Ledger) Wait(ctx context.Context, key string, e Entry) (Entry, error) {
	if e.done == nil {
		return e, nil
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.outcomes[key]
	return Entry{Status: EntryRecorded, Result: o.result, Err: o.err}, nil
}

// Record stores the outcome of a presentation and releases waiters.
// A failed outcome frees the intent for a new payload, but the payload
// itself stays marked.
func (l *Ledger) Record(key, intentID string, e Entry, result *Result, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.outcomes[key] = outcome{result: result, err: err, at: time.Now()}
	delete(l.inFlight, key)
	if err != nil && intentID != "" && l.intents[intentID] == key {
		delete(l.intents, intentID)
	}
	close(e.done)
}

// Seen reports whether key was ever presented
func (l *Ledger) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, recorded := l.outcomes[key]
	_, inFlight := l.inFlight[key]
	return recorded || inFlight
}

// cleanupExpiredLocked removes entries older than ttl. Must be called with lock held.
func (l *Ledger) cleanupExpiredLocked() {
	if l.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-l.ttl)
	for key, o := range l.outcomes {
		if o.at.Before(cutoff) {
			delete(l.outcomes, key)
			for intent, k := range l.intents {
				if k == key {
					delete(l.intents, intent)
				}
			}
		}
	}
}
