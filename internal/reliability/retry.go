package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// Policy decides whether a failed attempt is tried again and after how long.
// attempt is zero based and counts the attempts already made.
type Policy interface {
	Next(attempt int, err error) (time.Duration, bool)
}

// ExponentialBackoff doubles (by Multiplier) the delay after every failure.
type ExponentialBackoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	Jitter      bool
}

// NewExponentialBackoff returns a jittered exponential policy.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial:     initial,
		Max:         max,
		Multiplier:  multiplier,
		MaxAttempts: maxAttempts,
		Jitter:      true,
	}
}

// DefaultSendPolicy is used by the broker transports for outbound sends.
func DefaultSendPolicy() *ExponentialBackoff {
	return NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 4)
}

func (e *ExponentialBackoff) Next(attempt int, err error) (time.Duration, bool) {
	if attempt >= e.MaxAttempts || IsPermanent(err) {
		return 0, false
	}
	return e.Delay(attempt), true
}

// Delay is the wait before attempt+1, capped at Max.
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := float64(e.Initial) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	if e.Jitter {
		// +-15%
		delay = delay*0.85 + rand.Float64()*0.3*delay
	}
	return time.Duration(delay)
}

// FixedDelay waits the same Delay between attempts.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxAttempts}
}

func (f *FixedDelay) Next(attempt int, err error) (time.Duration, bool) {
	if attempt >= f.MaxAttempts || IsPermanent(err) {
		return 0, false
	}
	return f.Delay, true
}

// Retry runs fn until it succeeds, the policy gives up or ctx ends.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	return RetryWithClock(ctx, clock.New(), policy, fn)
}

// RetryWithClock is Retry with the waits taken from clk.
func RetryWithClock(ctx context.Context, clk clock.Clock, policy Policy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		delay, ok := policy.Next(attempt, err)
		if !ok {
			if IsPermanent(err) {
				return err
			}
			return &RetryError{Op: "retry", Attempts: attempt + 1, Err: err}
		}

		timer := clk.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
