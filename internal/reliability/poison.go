package reliability

import (
	"strconv"

	"github.com/glimte/mmate-bus/contracts"
)

// Action is what a transport does with a message whose handling failed.
type Action int

const (
	ActionRetry Action = iota
	ActionErrorQueue
)

func (a Action) String() string {
	if a == ActionErrorQueue {
		return "error-queue"
	}
	return "retry"
}

// PoisonPolicy moves a message to the error queue once it has failed
// MaxAttempts times. Zero or less means a single attempt.
type PoisonPolicy struct {
	MaxAttempts int
}

// DefaultPoisonPolicy gives every message five attempts.
func DefaultPoisonPolicy() PoisonPolicy {
	return PoisonPolicy{MaxAttempts: 5}
}

// Decide takes the number of failed attempts including the current one.
func (p PoisonPolicy) Decide(failedAttempts int) Action {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	if failedAttempts >= limit {
		return ActionErrorQueue
	}
	return ActionRetry
}

// Annotate returns a copy of env carrying the failure reason and attempt
// count, as stored in the error queue.
func Annotate(env *contracts.Envelope, cause error, failedAttempts int) *contracts.Envelope {
	out := env.Clone()
	if cause != nil {
		out.SetHeader(contracts.HeaderFailureReason, cause.Error())
	}
	out.SetHeader(contracts.HeaderFailureAttempts, strconv.Itoa(failedAttempts))
	return out
}

// Attempts reads the failure count previously written by Annotate.
func Attempts(env *contracts.Envelope) int {
	n, err := strconv.Atoi(env.Header(contracts.HeaderFailureAttempts))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
