// Package retry implements the shared retry policy: a bounded number of
// attempts with exponential backoff and upward-only jitter, retrying only
// errors that declare themselves retriable.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// Retriable is implemented by errors that know whether another attempt may
// succeed.
type Retriable interface {
	Retriable() bool
}

// IsRetriable reports whether any error in err's chain is retriable.
func IsRetriable(err error) bool {
	var r Retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return false
}

type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retriable() bool { return true }

// Transient marks err as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts includes the first attempt. Values below 1 mean 1.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration
	// Multiplier grows the delay per retry; 0 means 2.
	Multiplier float64
	// Jitter is the maximum upward fraction added to each delay.
	Jitter float64

	Clock clock.Clock
	// Rand returns a value in [0,1); nil uses math/rand.
	Rand func() float64
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, delay time.Duration, err error)

	newTimer func() backoff.Timer
}

// Default is the bulk-operation policy: 3 attempts, 1s then 2s, +≤30% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Jitter:      0.3,
	}
}

// Fixed retries with a constant delay and no jitter.
func Fixed(delay time.Duration, attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   delay,
		Multiplier:  1,
	}
}

// Delay returns the wait before retry number n (n=1 is the second attempt).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.Jitter > 0 {
		d += d * p.Jitter * p.random()
	}
	return time.Duration(math.Round(d))
}

// Do runs op until it succeeds, returns a non-retriable error, the attempts
// run out or ctx is done. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	if attempts == 1 {
		return op(ctx)
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil || IsRetriable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, d time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, d, err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&jitterBackOff{policy: p}, uint64(attempts-1)), ctx)
	return backoff.RetryNotifyWithTimer(operation, b, notify, p.timer())
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

func (p Policy) timer() backoff.Timer {
	if p.newTimer != nil {
		return p.newTimer()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &clockTimer{clk: clk}
}

type jitterBackOff struct {
	policy  Policy
	retries int
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	b.retries++
	return b.policy.Delay(b.retries)
}

func (b *jitterBackOff) Reset() { b.retries = 0 }

// clockTimer adapts a clock.Clock to backoff.Timer.
type clockTimer struct {
	clk   clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clk.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
