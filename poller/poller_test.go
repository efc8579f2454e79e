package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitResult(t *testing.T, c *Cycle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	require.NoError(t, err, "cycle did not finish in time")
	return res
}

func TestCycleSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := Start(context.Background(), func(ctx context.Context, attempt int) (Outcome, error) {
		calls.Add(1)
		if attempt == 3 {
			return OutcomeSuccess, nil
		}
		return OutcomePending, nil
	}, Options{Interval: time.Millisecond, MaxAttempts: 10})

	res := waitResult(t, c)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.Exhausted)
	assert.False(t, res.Cancelled)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCycleTerminalFailure(t *testing.T) {
	boom := errors.New("declined")
	c := Start(context.Background(), func(ctx context.Context, attempt int) (Outcome, error) {
		return OutcomeFailure, boom
	}, Options{Interval: time.Millisecond})

	res := waitResult(t, c)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 1, res.Attempts)
}

func TestCycleExhausts(t *testing.T) {
	transient := errors.New("timeout")
	c := Start(context.Background(), func(ctx context.Context, attempt int) (Outcome, error) {
		return OutcomePending, transient
	}, Options{Interval: time.Millisecond, MaxAttempts: 4})

	res := waitResult(t, c)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 4, res.Attempts)
	assert.ErrorIs(t, res.Err, transient)
}

func TestCycleImmediate(t *testing.T) {
	start := time.Now()
	c := Start(context.Background(), func(ctx context.Context, attempt int) (Outcome, error) {
		return OutcomeSuccess, nil
	}, Options{Interval: time.Hour, Immediate: true})

	res := waitResult(t, c)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCancelStopsChecks(t *testing.T) {
	var calls atomic.Int32
	c := Start(context.Background(), func(ctx context.Context, attempt int) (Outcome, error) {
		calls.Add(1)
		return OutcomePending, nil
	}, Options{Interval: 5 * time.Millisecond})

	time.Sleep(30 * time.Millisecond)
	c.Cancel()
	after := calls.Load()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no check may run after Cancel returns")

	res := c.Result()
	assert.True(t, res.Cancelled)
	assert.Equal(t, OutcomePending, res.Outcome)

	// second cancel is a no-op
	c.Cancel()
}

func TestCancelBeforeFirstAttempt(t *testing.T) {
	c := Start(context.Background(), func(ctx context.Context, attempt int) (Outcome, error) {
		t.Fatal("check must not run")
		return OutcomePending, nil
	}, Options{Interval: time.Hour})

	c.Cancel()
	res := c.Result()
	assert.True(t, res.Cancelled)
	assert.Equal(t, 0, res.Attempts)
}

func TestParentContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := Start(ctx, func(ctx context.Context, attempt int) (Outcome, error) {
		return OutcomePending, nil
	}, Options{Interval: time.Millisecond})

	cancel()
	res := waitResult(t, c)
	assert.True(t, res.Cancelled)
}

func TestWaitContextDoesNotCancelCycle(t *testing.T) {
	c := Start(context.Background(), func(ctx context.Context, attempt int) (Outcome, error) {
		return OutcomePending, nil
	}, Options{Interval: time.Millisecond})
	defer c.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-c.Done():
		t.Fatal("cycle finished though only the waiter gave up")
	default:
	}
}

func TestPollerReplacesActiveCycle(t *testing.T) {
	var p Poller
	var firstCalls atomic.Int32

	first := p.Start(context.Background(), func(ctx context.Context, attempt int) (Outcome, error) {
		firstCalls.Add(1)
		return OutcomePending, nil
	}, Options{Interval: time.Millisecond})

	time.Sleep(10 * time.Millisecond)
	second := p.Start(context.Background(), func(ctx context.Context, attempt int) (Outcome, error) {
		return OutcomePending, nil
	}, Options{Interval: time.Millisecond})

	select {
	case <-first.Done():
	default:
		t.Fatal("previous cycle still running after Start")
	}
	assert.True(t, first.Result().Cancelled)

	frozen := firstCalls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, frozen, firstCalls.Load())

	assert.Same(t, second, p.Active())
	assert.True(t, p.Running())

	p.Stop()
	assert.Nil(t, p.Active())
	assert.False(t, p.Running())
	assert.True(t, second.Result().Cancelled)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "pending", OutcomePending.String())
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "terminal-failure", OutcomeFailure.String())
}
