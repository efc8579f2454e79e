// Package minttrack follows a settled purchase until its ownership token is
// minted. Minting can lag settlement by minutes, so the tracker polls on a
// long interval and gives up softly.
package minttrack

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/renaissblock/checkout/poller"
	"github.com/renaissblock/checkout/types"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultCeiling  = 60 * time.Minute

	// PendingMessage is shown when the ceiling passes without a mint
	PendingMessage = "Your purchase is confirmed. The item will appear soon, check your library."
)

// Backend is what the tracker reads
type Backend interface {
	GetIntentStatus(ctx context.Context, intentID string) (*types.IntentStatusReport, error)
	GetLibrary(ctx context.Context) ([]types.LibraryEntry, error)
}

var errStop = errors.New("mint signal resolved")

// Result is the end of a tracking run
type Result struct {
	IntentID    string
	MintAddress string
	// Pending is set when the ceiling passed; the purchase itself is settled.
	Pending bool
	Message string
	Polls   int
}

// Tracker polls for mint completion
type Tracker struct {
	backend  Backend
	interval time.Duration
	ceiling  time.Duration
	logger   *slog.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

func WithInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

func WithCeiling(d time.Duration) Option {
	return func(t *Tracker) { t.ceiling = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates a tracker
func NewTracker(backend Backend, opts ...Option) *Tracker {
	t := &Tracker{
		backend:  backend,
		interval: DefaultInterval,
		ceiling:  DefaultCeiling,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track waits for intentID to be minted. Items named by contentIDs count as
// minted once the library lists them.
func (t *Tracker) Track(ctx context.Context, intentID string, contentIDs ...string) (*Result, error) {
	interval := t.interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ceiling := t.ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	attempts := int(ceiling / interval)
	if attempts < 1 {
		attempts = 1
	}

	var found *Result
	var rejected error
	check := func(ctx context.Context, attempt int) (poller.Outcome, error) {
		res, err := t.probe(ctx, intentID, contentIDs)
		if err != nil {
			rejected = err
			return poller.OutcomeFailure, err
		}
		if res != nil {
			res.Polls = attempt
			found = res
			return poller.OutcomeSuccess, nil
		}
		return poller.OutcomePending, nil
	}

	// The ceiling is wall-clock: slow probes must not stretch it.
	cctx, stop := context.WithTimeout(ctx, ceiling)
	defer stop()

	cycle := poller.Start(cctx, check, poller.Options{Interval: interval, MaxAttempts: attempts})
	defer cycle.Cancel()

	res, err := cycle.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Cancelled && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	switch res.Outcome {
	case poller.OutcomeSuccess:
		t.logger.Info("mint observed", "intent_id", intentID, "mint", found.MintAddress)
		return found, nil
	case poller.OutcomeFailure:
		return nil, rejected
	}

	t.logger.Info("mint not observed before ceiling", "intent_id", intentID, "attempt", res.Attempts)
	return &Result{IntentID: intentID, Pending: true, Message: PendingMessage, Polls: res.Attempts}, nil
}

func (t *Tracker) probe(ctx context.Context, intentID string, contentIDs []string) (*Result, error) {
	g, gctx := errgroup.WithContext(ctx)

	var status *types.IntentStatusReport
	var listed *types.LibraryEntry

	g.Go(func() error {
		rep, err := t.backend.GetIntentStatus(gctx, intentID)
		if err != nil {
			return nil
		}
		if rep.MintAddress != "" || rep.Status.Rejected() {
			status = rep
			return errStop
		}
		return nil
	})
	g.Go(func() error {
		entries, err := t.backend.GetLibrary(gctx)
		if err != nil {
			return nil
		}
		for i := range entries {
			if owns(entries[i], intentID, contentIDs) {
				listed = &entries[i]
				return errStop
			}
		}
		return nil
	})
	_ = g.Wait()

	switch {
	case status != nil && status.MintAddress != "":
		return &Result{IntentID: intentID, MintAddress: status.MintAddress}, nil
	case listed != nil:
		return &Result{IntentID: intentID, MintAddress: listed.MintAddress}, nil
	case status != nil:
		return nil, types.NewRejectedError("purchase was not completed", status.FailureReason)
	}
	return nil, nil
}

func owns(e types.LibraryEntry, intentID string, contentIDs []string) bool {
	if e.IntentID != "" && e.IntentID == intentID {
		return true
	}
	for _, id := range contentIDs {
		if id != "" && (e.ContentID == id || e.ChapterID == id) {
			return true
		}
	}
	return false
}
