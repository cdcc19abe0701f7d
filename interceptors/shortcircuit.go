package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrShortCircuit is returned when an interceptor wants to short-circuit the chain
var ErrShortCircuit = errors.New("interceptor chain short-circuited")

// ShortCircuitError represents a short-circuit with a reason. The bus acknowledges
// short-circuited envelopes without reporting a failure.
type ShortCircuitError struct {
	Reason string
}

// Error implements the error interface
func (e *ShortCircuitError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return ErrShortCircuit.Error()
}

// Is makes errors.Is(err, ErrShortCircuit) hold for every ShortCircuitError
func (e *ShortCircuitError) Is(target error) bool {
	return target == ErrShortCircuit
}

// IsShortCircuit checks if an error is a short-circuit error
func IsShortCircuit(err error) bool {
	return err != nil && errors.Is(err, ErrShortCircuit)
}

// DuplicateDetector defines the interface for duplicate detection
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor drops envelopes whose id was already processed.
// Deferred redelivery is at-least-once, so this is the usual companion of Defer.
type DuplicateDetectionInterceptor struct {
	detector DuplicateDetector
	logger   *slog.Logger
}

// NewDuplicateDetectionInterceptor creates a new duplicate detection interceptor
func NewDuplicateDetectionInterceptor(detector DuplicateDetector, logger *slog.Logger) *DuplicateDetectionInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateDetectionInterceptor{detector: detector, logger: logger}
}

// Intercept implements Interceptor
func (i *DuplicateDetectionInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error {
	isDuplicate, err := i.detector.IsDuplicate(ctx, env.ID)
	if err != nil {
		return fmt.Errorf("duplicate check failed: %w", err)
	}

	if isDuplicate {
		i.logger.Warn("duplicate message dropped", "messageId", env.ID, "messageType", env.Type)
		return &ShortCircuitError{Reason: "duplicate message detected"}
	}

	if err := next.Handle(ctx, env); err != nil {
		return err
	}

	// A message handled later comes back with the same id and must not be dropped.
	if DispatchState(ctx) == messaging.StateDeferred.String() {
		return nil
	}
	return i.detector.MarkProcessed(ctx, env.ID)
}

// Name implements Interceptor
func (i *DuplicateDetectionInterceptor) Name() string {
	return "DuplicateDetectionInterceptor"
}

// LRUDuplicateDetector remembers the most recently processed message ids
type LRUDuplicateDetector struct {
	seen *lru.Cache[string, struct{}]
}

// NewLRUDuplicateDetector remembers up to size message ids
func NewLRUDuplicateDetector(size int) (*LRUDuplicateDetector, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create duplicate cache: %w", err)
	}
	return &LRUDuplicateDetector{seen: cache}, nil
}

// IsDuplicate implements DuplicateDetector
func (d *LRUDuplicateDetector) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	return d.seen.Contains(messageID), nil
}

// MarkProcessed implements DuplicateDetector
func (d *LRUDuplicateDetector) MarkProcessed(ctx context.Context, messageID string) error {
	d.seen.Add(messageID, struct{}{})
	return nil
}

// Len returns the number of remembered ids
func (d *LRUDuplicateDetector) Len() int {
	return d.seen.Len()
}
