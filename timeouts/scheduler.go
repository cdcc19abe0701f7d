// Package timeouts schedules messages for delivery at a future time.
//
// The Scheduler hands entries to a Persister and asks it for due entries; the
// Poller drives the Scheduler from a dedicated goroutine and passes every due entry
// to a dispatch function, usually the transport send of the bus.
//
// Removal of due entries is at-least-once: an entry handed out by PollDue can be
// delivered again after a crash, so handlers of deferred messages must be idempotent.
package timeouts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/google/uuid"
)

// Entry is a message waiting for its due time
type Entry struct {
	ID          string
	Endpoint    string
	Destination contracts.Address
	DueTime     time.Time
	Envelope    *contracts.Envelope
}

// Persister stores deferred entries durably
type Persister interface {
	// Store saves an entry.
	Store(ctx context.Context, entry Entry) error
	// NextDueChunk removes and returns the endpoint's entries due at or before
	// upperBound, ordered by due time, together with the due time of the earliest
	// remaining entry (zero when none remain).
	NextDueChunk(ctx context.Context, endpoint string, upperBound time.Time) ([]Entry, time.Time, error)
}

// Scheduler defers envelopes for one endpoint
type Scheduler struct {
	endpoint  string
	persister Persister
	logger    *slog.Logger
	wake      chan struct{}
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler creates a scheduler storing entries for endpoint in persister
func NewScheduler(endpoint string, persister Persister, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		endpoint:  endpoint,
		persister: persister,
		logger:    slog.Default(),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Endpoint returns the endpoint the scheduler stores entries for
func (s *Scheduler) Endpoint() string {
	return s.endpoint
}

// Defer stores env for delivery to destination at dueTime
func (s *Scheduler) Defer(ctx context.Context, env *contracts.Envelope, destination contracts.Address, dueTime time.Time) error {
	if env == nil {
		return &contracts.SchedulingError{Op: "defer", DueTime: dueTime, Err: fmt.Errorf("envelope cannot be nil")}
	}

	entry := Entry{
		ID:          uuid.New().String(),
		Endpoint:    s.endpoint,
		Destination: destination,
		DueTime:     dueTime.UTC(),
		Envelope:    env.Clone(),
	}

	if err := s.persister.Store(ctx, entry); err != nil {
		return &contracts.SchedulingError{Op: "defer", MessageID: env.ID, DueTime: entry.DueTime, Err: err}
	}

	s.logger.Debug("message deferred",
		"messageId", env.ID,
		"destination", destination.String(),
		"dueTime", entry.DueTime,
	)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Reschedule stores an entry again, for example after a failed redelivery
func (s *Scheduler) Reschedule(ctx context.Context, entry Entry, dueTime time.Time) error {
	entry.DueTime = dueTime.UTC()
	if err := s.persister.Store(ctx, entry); err != nil {
		return &contracts.SchedulingError{Op: "reschedule", MessageID: entry.Envelope.ID, DueTime: entry.DueTime, Err: err}
	}
	return nil
}

// PollDue removes and returns every entry due at or before now. The returned time
// is when to poll next: the earliest remaining due time, capped at now+horizon.
func (s *Scheduler) PollDue(ctx context.Context, now time.Time, horizon time.Duration) ([]Entry, time.Time, error) {
	limit := now.Add(horizon)

	entries, nextDue, err := s.persister.NextDueChunk(ctx, s.endpoint, now)
	if err != nil {
		return nil, limit, fmt.Errorf("failed to poll due timeouts: %w", err)
	}

	next := limit
	if !nextDue.IsZero() && nextDue.Before(limit) {
		next = nextDue
	}
	return entries, next, nil
}

// Wake signals that an entry was added and the poller may need to wake earlier
func (s *Scheduler) Wake() <-chan struct{} {
	return s.wake
}
