package timeouts

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// DispatchFunc delivers a due entry
type DispatchFunc func(ctx context.Context, entry Entry) error

// Poller periodically moves due entries from a Scheduler to a DispatchFunc
type Poller struct {
	scheduler  *Scheduler
	dispatch   DispatchFunc
	clock      clock.Clock
	interval   time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

// PollerOption configures a Poller
type PollerOption func(*Poller)

// WithClock sets the clock, mainly for tests
func WithClock(c clock.Clock) PollerOption {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithPollInterval sets the longest time between two polls
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRetryDelay sets how long a failed redelivery waits before the next attempt
func WithRetryDelay(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithPollerLogger sets the logger
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a poller for scheduler
func NewPoller(scheduler *Scheduler, dispatch DispatchFunc, opts ...PollerOption) *Poller {
	p := &Poller{
		scheduler:  scheduler,
		dispatch:   dispatch,
		clock:      clock.New(),
		interval:   time.Second,
		retryDelay: 5 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled. It wakes at the earlier of the poll interval
// and the next known due time, or as soon as a new entry is deferred.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("timeout poller started", "endpoint", p.scheduler.Endpoint(), "interval", p.interval)
	defer p.logger.Info("timeout poller stopped", "endpoint", p.scheduler.Endpoint())

	for {
		next := p.Poll(ctx)

		wait := next.Sub(p.clock.Now())
		if wait < 0 {
			wait = 0
		}
		if wait > p.interval {
			wait = p.interval
		}

		timer := p.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-p.scheduler.Wake():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Poll dispatches every due entry once and returns when to poll next
func (p *Poller) Poll(ctx context.Context) time.Time {
	now := p.clock.Now()

	entries, next, err := p.scheduler.PollDue(ctx, now, p.interval)
	if err != nil {
		p.logger.Error("failed to poll timeouts", "error", err)
		return now.Add(p.interval)
	}

	for _, entry := range entries {
		if err := p.dispatch(ctx, entry); err != nil {
			retryAt := now.Add(p.retryDelay)
			p.logger.Error("failed to dispatch deferred message",
				"messageId", entry.Envelope.ID,
				"destination", entry.Destination.String(),
				"retryAt", retryAt,
				"error", err,
			)
			if err := p.scheduler.Reschedule(ctx, entry, retryAt); err != nil {
				p.logger.Error("failed to reschedule deferred message", "messageId", entry.Envelope.ID, "error", err)
				continue
			}
			if retryAt.Before(next) {
				next = retryAt
			}
			continue
		}

		p.logger.Debug("deferred message dispatched",
			"messageId", entry.Envelope.ID,
			"destination", entry.Destination.String(),
		)
	}

	return next
}
