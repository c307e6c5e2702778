package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer fires as soon as it is started and records every delay.
type instantTimer struct {
	starts []time.Duration
	c      chan time.Time
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (f *instantTimer) Start(d time.Duration) {
	f.starts = append(f.starts, d)
	f.c <- time.Time{}
}
func (f *instantTimer) Stop()               {}
func (f *instantTimer) C() <-chan time.Time { return f.c }

func withTimer(p Policy, tm *instantTimer) Policy {
	p.newTimer = func() backoff.Timer { return tm }
	return p
}

var errFlaky = Transient(errors.New("503 service unavailable"))

func TestDelaySchedule(t *testing.T) {
	p := Default()

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))

	p.Rand = func() float64 { return 1 }
	assert.Equal(t, 1300*time.Millisecond, p.Delay(1))
	assert.Equal(t, 2600*time.Millisecond, p.Delay(2))

	assert.Zero(t, p.Delay(0))
}

func TestFixedPolicyHasNoGrowth(t *testing.T) {
	p := Fixed(2*time.Second, 5)
	for n := 1; n <= 4; n++ {
		assert.Equal(t, 2*time.Second, p.Delay(n), "retry %d", n)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	tm := newInstantTimer()
	p := Default()
	p.Rand = func() float64 { return 0.5 }
	p = withTimer(p, tm)

	var attempts int
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "no 4th attempt after success")
	assert.Equal(t, []time.Duration{1150 * time.Millisecond, 2300 * time.Millisecond}, tm.starts)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	tm := newInstantTimer()
	p := withTimer(Default(), tm)

	_ = p.Do(context.Background(), func(context.Context) error { return errFlaky })

	require.Len(t, tm.starts, 2)
	assert.GreaterOrEqual(t, tm.starts[0], time.Second)
	assert.Less(t, tm.starts[0], 1300*time.Millisecond)
	assert.GreaterOrEqual(t, tm.starts[1], 2*time.Second)
	assert.Less(t, tm.starts[1], 2600*time.Millisecond)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	tm := newInstantTimer()
	p := withTimer(Default(), tm)

	var attempts int
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		return errFlaky
	})

	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, errFlaky)
}

func TestTerminalErrorIsNotRetried(t *testing.T) {
	tm := newInstantTimer()
	p := withTimer(Default(), tm)
	terminal := errors.New("400 bad request")

	var attempts int
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		return terminal
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, terminal)
	assert.Empty(t, tm.starts)
}

func TestOnRetryReportsAttempts(t *testing.T) {
	tm := newInstantTimer()
	p := withTimer(Default(), tm)
	var seen []int
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { seen = append(seen, attempt) }

	_ = p.Do(context.Background(), func(context.Context) error { return errFlaky })
	assert.Equal(t, []int{1, 2}, seen)
}

func TestSingleAttemptPolicy(t *testing.T) {
	var attempts int
	err := Policy{}.Do(context.Background(), func(context.Context) error {
		attempts++
		return errFlaky
	})
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, errFlaky)
}

func TestContextCancelStopsRetrying(t *testing.T) {
	mock := clock.NewMock()
	p := Default()
	p.Clock = mock
	ctx, cancel := context.WithCancel(context.Background())

	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			attempts.Add(1)
			return errFlaky
		})
	}()

	require.Eventually(t, func() bool { return attempts.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	assert.Equal(t, int32(1), attempts.Load())
}

func TestMockClockDrivesWaits(t *testing.T) {
	mock := clock.NewMock()
	p := Fixed(time.Second, 2)
	p.Clock = mock

	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- p.Do(context.Background(), func(context.Context) error {
			if attempts.Add(1) == 1 {
				return errFlaky
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return attempts.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, <-done)
}

func TestDoValue(t *testing.T) {
	tm := newInstantTimer()
	p := withTimer(Default(), tm)

	calls := 0
	got, err := DoValue(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errFlaky
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(errFlaky))
	assert.True(t, IsRetriable(fmt.Errorf("wrapped: %w", errFlaky)))
	assert.False(t, IsRetriable(errors.New("plain")))
	assert.False(t, IsRetriable(nil))
	assert.Nil(t, Transient(nil))
}
