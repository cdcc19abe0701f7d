package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen        = errors.New("circuit breaker: circuit is open")
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
)

// BreakerError is returned by CircuitBreaker.Execute when a call is rejected.
type BreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s: %d consecutive failures, next attempt at %s",
		e.Name, e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *BreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError wraps the last failure once a policy gives up.
type RetryError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.Err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
