// Package poller provides owned, cancellable repeated checks.
//
// A Cycle is one in-flight reconciliation. It is returned by Start and must be
// cancelled by whoever started it. A Poller holds at most one active Cycle for
// a logical flow: starting a new one cancels the previous first.
package poller

import (
	"context"
	"sync"
	"time"
)

// Outcome is the state of a poll cycle
type Outcome int

const (
	// OutcomePending means no definitive answer yet
	OutcomePending Outcome = iota
	// OutcomeSuccess means the check reported completion
	OutcomeSuccess
	// OutcomeFailure means the check reported a terminal failure
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "terminal-failure"
	default:
		return "pending"
	}
}

// CheckFunc performs one attempt. Attempts are numbered from 1.
// Returning OutcomePending schedules another attempt, if the bound allows.
// An error with OutcomePending is treated as transient.
type CheckFunc func(ctx context.Context, attempt int) (Outcome, error)

// Options configures a poll cycle
type Options struct {
	// Interval between attempts. The first attempt runs after one interval.
	Interval time.Duration
	// MaxAttempts bounds the cycle. Zero means unbounded.
	MaxAttempts int
	// Immediate runs the first attempt without waiting.
	Immediate bool
}

// Result summarizes a finished cycle
type Result struct {
	Outcome   Outcome
	Attempts  int
	Exhausted bool
	Cancelled bool
	Err       error
}

// Cycle is a single owned poll loop
type Cycle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result Result
}

// Start launches a poll cycle on its own goroutine
func Start(ctx context.Context, check CheckFunc, opts Options) *Cycle {
	ctx, cancel := context.WithCancel(ctx)
	c := &Cycle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx, check, opts)
	return c
}

func (c *Cycle) run(ctx context.Context, check CheckFunc, opts Options) {
	defer close(c.done)
	defer c.cancel()

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	first := interval
	if opts.Immediate {
		first = 0
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			c.finish(Result{Outcome: OutcomePending, Attempts: attempt - 1, Cancelled: true, Err: ctx.Err()})
			return
		case <-timer.C:
		}

		// Cancellation may race the timer; it wins.
		if ctx.Err() != nil {
			c.finish(Result{Outcome: OutcomePending, Attempts: attempt - 1, Cancelled: true, Err: ctx.Err()})
			return
		}

		c.mu.Lock()
		c.result.Attempts = attempt
		c.mu.Unlock()

		outcome, err := check(ctx, attempt)
		if outcome != OutcomePending {
			c.finish(Result{Outcome: outcome, Attempts: attempt, Err: err})
			return
		}
		if ctx.Err() != nil {
			c.finish(Result{Outcome: OutcomePending, Attempts: attempt, Cancelled: true, Err: ctx.Err()})
			return
		}
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			c.finish(Result{Outcome: OutcomePending, Attempts: attempt, Exhausted: true, Err: err})
			return
		}
		timer.Reset(interval)
	}
}

func (c *Cycle) finish(r Result) {
	c.mu.Lock()
	c.result = r
	c.mu.Unlock()
}

// Cancel stops the cycle and waits until its goroutine exits.
// No check runs after Cancel returns. Safe to call more than once.
func (c *Cycle) Cancel() {
	c.cancel()
	<-c.done
}

// Done is closed when the cycle finishes for any reason
func (c *Cycle) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the cycle finishes or ctx is cancelled.
// Cancelling ctx does not cancel the cycle.
func (c *Cycle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the current or final result
func (c *Cycle) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Attempts returns how many checks have started
func (c *Cycle) Attempts() int {
	return c.Result().Attempts
}

// Poller owns the single active cycle of one logical flow
type Poller struct {
	mu     sync.Mutex
	active *Cycle
}

// Start cancels any previous cycle of this flow, then starts a new one
func (p *Poller) Start(ctx context.Context, check CheckFunc, opts Options) *Cycle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		p.active.Cancel()
	}
	p.active = Start(ctx, check, opts)
	return p.active
}

// Stop cancels the active cycle, if any
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		p.active.Cancel()
		p.active = nil
	}
}

// Active returns the current cycle, or nil
func (p *Poller) Active() *Cycle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Running reports whether the flow has an unfinished cycle
func (p *Poller) Running() bool {
	c := p.Active()
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
