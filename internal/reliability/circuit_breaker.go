package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing broker until Timeout has passed,
// then lets a limited number of probes through.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    State
	failures int
	probes   int
	passed   int
	openedAt time.Time

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	clock            clock.Clock
	logger           *slog.Logger
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.failureThreshold = n }
}

// WithSuccessThreshold sets how many half-open probes must pass to close.
func WithSuccessThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.successThreshold = n }
}

func WithTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.timeout = d }
}

func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.name = name }
}

func WithBreakerClock(clk clock.Clock) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.clock = clk }
}

func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = logger }
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		timeout:          30 * time.Second,
		clock:            clock.New(),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute calls fn unless the circuit is open. Errors marked Permanent do
// not count as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current state, moving open to half-open once the
// timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()

	switch cb.state {
	case StateOpen:
		return &BreakerError{
			Name:      cb.name,
			State:     cb.state,
			Failures:  cb.failures,
			NextRetry: cb.openedAt.Add(cb.timeout),
		}
	case StateHalfOpen:
		if cb.probes >= cb.successThreshold {
			return &BreakerError{
				Name:      cb.name,
				State:     cb.state,
				Failures:  cb.failures,
				NextRetry: cb.clock.Now().Add(cb.timeout),
			}
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && !IsPermanent(err) {
		cb.failures++
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, err.Error())
			}
		case StateHalfOpen:
			cb.transition(StateOpen, err.Error())
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.passed++
		if cb.passed >= cb.successThreshold {
			cb.transition(StateClosed, "probes succeeded")
		}
	}
}

func (cb *CircuitBreaker) refresh() {
	if cb.state == StateOpen && !cb.clock.Now().Before(cb.openedAt.Add(cb.timeout)) {
		cb.transition(StateHalfOpen, "timeout elapsed")
	}
}

func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.probes = 0
	cb.passed = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.clock.Now()
	case StateClosed:
		cb.failures = 0
	}
	if from != to {
		cb.logger.Info("circuit breaker state changed",
			"name", cb.name,
			"from", from.String(),
			"to", to.String(),
			"reason", reason)
	}
}
