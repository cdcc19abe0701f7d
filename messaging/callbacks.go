package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glimte/mmate-bus/contracts"
)

var (
	// ErrCallbackExpired is returned by Wait when no reply arrived before the
	// registry's time-to-live
	ErrCallbackExpired = errors.New("callback expired before a reply arrived")
	// ErrNotCompletion is returned by WaitReturnCode for replies that are not
	// completion messages
	ErrNotCompletion = errors.New("reply is not a completion message")
	// ErrReplyNotTracked is returned by Wait on handles of replies and other sends
	// that do not wait for an answer
	ErrReplyNotTracked = errors.New("send does not track a reply")
)

type pendingCallback struct {
	reply        chan *contracts.Envelope
	registeredAt time.Time
}

// CallbackRegistry matches inbound replies to the sends that caused them. Sends
// sharing a correlation id all wait on the same key and all receive its reply.
type CallbackRegistry struct {
	pending map[string][]*pendingCallback
	clock   clock.Clock
	ttl     time.Duration
	logger  *slog.Logger
	mu      sync.Mutex
}

// CallbackOption configures a CallbackRegistry
type CallbackOption func(*CallbackRegistry)

// WithCallbackTTL sets how long a send waits for its reply before being dropped
func WithCallbackTTL(ttl time.Duration) CallbackOption {
	return func(r *CallbackRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithCallbackClock sets the clock used for expiry
func WithCallbackClock(c clock.Clock) CallbackOption {
	return func(r *CallbackRegistry) {
		r.clock = c
	}
}

// WithCallbackLogger sets the logger
func WithCallbackLogger(logger *slog.Logger) CallbackOption {
	return func(r *CallbackRegistry) {
		r.logger = logger
	}
}

// NewCallbackRegistry creates an empty registry
func NewCallbackRegistry(opts ...CallbackOption) *CallbackRegistry {
	r := &CallbackRegistry{
		pending: make(map[string][]*pendingCallback),
		clock:   clock.New(),
		ttl:     5 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register tracks a sent envelope. Replies are matched on the envelope's explicit
// correlation id, or on its message id when it has none.
func (r *CallbackRegistry) Register(env *contracts.Envelope, destinations []contracts.Address) *SendHandle {
	key := env.CorrelationID
	if key == "" {
		key = env.ID
	}

	pc := &pendingCallback{
		reply:        make(chan *contracts.Envelope, 1),
		registeredAt: r.clock.Now(),
	}

	r.mu.Lock()
	r.pending[key] = append(r.pending[key], pc)
	r.mu.Unlock()

	return &SendHandle{
		MessageID:      env.ID,
		CorrelationKey: key,
		Destinations:   append([]contracts.Address(nil), destinations...),
		registry:       r,
		pending:        pc,
		reply:          pc.reply,
	}
}

// Complete delivers a reply envelope to every handle waiting on its correlation id.
// It reports whether any handle was waiting for it.
func (r *CallbackRegistry) Complete(env *contracts.Envelope) bool {
	if env == nil || env.Intent != contracts.IntentReply || env.CorrelationID == "" {
		return false
	}

	r.mu.Lock()
	waiters := r.pending[env.CorrelationID]
	delete(r.pending, env.CorrelationID)
	r.mu.Unlock()

	if len(waiters) == 0 {
		return false
	}

	for _, pc := range waiters {
		pc.reply <- env.Clone()
		close(pc.reply)
	}

	r.logger.Debug("reply matched pending send",
		"correlationId", env.CorrelationID,
		"messageId", env.ID,
		"waiters", len(waiters),
	)
	return true
}

func (r *CallbackRegistry) cancel(key string, pc *pendingCallback) {
	r.mu.Lock()
	waiters := r.pending[key]
	found := false
	for i, w := range waiters {
		if w == pc {
			waiters = append(waiters[:i:i], waiters[i+1:]...)
			found = true
			break
		}
	}
	if len(waiters) == 0 {
		delete(r.pending, key)
	} else {
		r.pending[key] = waiters
	}
	r.mu.Unlock()

	if found {
		close(pc.reply)
	}
}

// CleanupExpired drops callbacks older than the time-to-live and returns how many
func (r *CallbackRegistry) CleanupExpired() int {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []*pendingCallback
	for key, waiters := range r.pending {
		live := waiters[:0]
		for _, pc := range waiters {
			if now.Sub(pc.registeredAt) > r.ttl {
				expired = append(expired, pc)
			} else {
				live = append(live, pc)
			}
		}
		if len(live) == 0 {
			delete(r.pending, key)
		} else {
			r.pending[key] = live
		}
	}
	r.mu.Unlock()

	for _, pc := range expired {
		close(pc.reply)
	}
	if len(expired) > 0 {
		r.logger.Debug("expired pending callbacks", "count", len(expired))
	}
	return len(expired)
}

// Pending returns the number of sends still waiting for a reply
func (r *CallbackRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, waiters := range r.pending {
		n += len(waiters)
	}
	return n
}

// Run removes expired callbacks periodically until ctx is done
func (r *CallbackRegistry) Run(ctx context.Context) error {
	interval := r.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.CleanupExpired()
		}
	}
}

// SendHandle represents an accepted send. It never blocks the sender; callers that
// expect a reply wait on it explicitly.
type SendHandle struct {
	MessageID      string
	CorrelationKey string
	Destinations   []contracts.Address

	registry *CallbackRegistry
	pending  *pendingCallback
	reply    chan *contracts.Envelope
}

// UntrackedHandle describes a send whose answers are not awaited
func UntrackedHandle(env *contracts.Envelope, destinations []contracts.Address) *SendHandle {
	return &SendHandle{
		MessageID:      env.ID,
		CorrelationKey: env.CorrelationID,
		Destinations:   append([]contracts.Address(nil), destinations...),
	}
}

// Wait blocks until the correlated reply arrives, the callback expires or ctx is done
func (h *SendHandle) Wait(ctx context.Context) (*contracts.Envelope, error) {
	if h.reply == nil {
		return nil, ErrReplyNotTracked
	}
	select {
	case env, ok := <-h.reply:
		if !ok {
			return nil, ErrCallbackExpired
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitReturnCode waits for a reply produced by Return and decodes its code
func (h *SendHandle) WaitReturnCode(ctx context.Context) (int64, error) {
	env, err := h.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if env.Type != contracts.CompletionMessageType {
		return 0, fmt.Errorf("%w: got %s", ErrNotCompletion, env.Type)
	}

	var completion contracts.CompletionMessage
	if err := json.Unmarshal(env.Body, &completion); err != nil {
		return 0, fmt.Errorf("failed to decode completion message: %w", err)
	}
	return completion.ReturnCode, nil
}

// Cancel stops waiting for a reply; later replies are dispatched to handlers only
func (h *SendHandle) Cancel() {
	if h.registry != nil {
		h.registry.cancel(h.CorrelationKey, h.pending)
	}
}
