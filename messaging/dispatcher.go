package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
)

// DispatchState is the pipeline state of one inbound envelope
type DispatchState int

const (
	StateReceived DispatchState = iota
	StateDispatching
	StateCompleted
	StateDeferred
	StateForwarded
	StateFailed
)

func (s DispatchState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDispatching:
		return "dispatching"
	case StateCompleted:
		return "completed"
	case StateDeferred:
		return "deferred"
	case StateForwarded:
		return "forwarded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("DispatchState(%d)", int(s))
	}
}

// TypeCatalog decodes message bodies and knows the type hierarchy
type TypeCatalog interface {
	Decode(typeName string, body json.RawMessage) (interface{}, error)
	Hierarchy(typeName string) []string
}

// RegistrationID identifies a handler registration
type RegistrationID uint64

type registration struct {
	id          RegistrationID
	messageType string
	handler     Handler
}

// Dispatcher runs the handlers registered for an envelope's type, in registration
// order, honouring the pipeline control flags of the message context
type Dispatcher struct {
	catalog  TypeCatalog
	handlers []registration
	nextID   RegistrationID
	mu       sync.RWMutex
	logger   *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher decoding bodies with catalog
func NewDispatcher(catalog TypeCatalog, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		catalog: catalog,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Register adds a handler for messageType, which may be a concrete message type or
// a contract
func (d *Dispatcher) Register(messageType string, handler Handler) (RegistrationID, error) {
	if messageType == "" {
		return 0, fmt.Errorf("messageType cannot be empty")
	}
	if handler == nil {
		return 0, fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.handlers = append(d.handlers, registration{id: d.nextID, messageType: messageType, handler: handler})

	d.logger.Info("registered message handler", "messageType", messageType, "position", len(d.handlers))
	return d.nextID, nil
}

// Unregister removes a registration; it reports whether one was found
func (d *Dispatcher) Unregister(id RegistrationID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, reg := range d.handlers {
		if reg.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			d.logger.Info("unregistered message handler", "messageType", reg.messageType)
			return true
		}
	}
	return false
}

// HandlerCount returns the number of handlers that would run for messageType
func (d *Dispatcher) HandlerCount(messageType string) int {
	return len(d.handlersFor(messageType))
}

func (d *Dispatcher) handlersFor(messageType string) []registration {
	types := make(map[string]struct{})
	for _, name := range d.catalog.Hierarchy(messageType) {
		types[name] = struct{}{}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var matched []registration
	for _, reg := range d.handlers {
		if _, ok := types[reg.messageType]; ok {
			matched = append(matched, reg)
		}
	}
	return matched
}

// Dispatch runs the pipeline for the envelope of mc. Handler failures are returned
// as *contracts.HandlerError with StateFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, mc *MessageContext) (DispatchState, error) {
	env := mc.Envelope()
	if env == nil {
		return StateFailed, fmt.Errorf("envelope cannot be nil")
	}

	handlers := d.handlersFor(env.Type)
	if len(handlers) == 0 {
		d.logger.Warn("no handlers registered for message type",
			"messageType", env.Type,
			"messageId", env.ID,
		)
		return StateCompleted, nil
	}

	msg, err := d.catalog.Decode(env.Type, env.Body)
	if err != nil {
		return StateFailed, fmt.Errorf("failed to decode message %s: %w", env.ID, err)
	}

	ctx = WithMessageContext(ctx, mc)

	for i, reg := range handlers {
		if err := invoke(ctx, reg.handler, msg); err != nil {
			d.logger.Error("message handler failed",
				"messageType", env.Type,
				"messageId", env.ID,
				"handler", i,
				"error", err,
			)
			return StateFailed, &contracts.HandlerError{
				MessageID:   env.ID,
				MessageType: env.Type,
				Handler:     i,
				Err:         err,
			}
		}

		if mc.HandledLater() {
			d.logger.Debug("message will be handled later", "messageId", env.ID, "handler", i)
			return StateDeferred, nil
		}

		if !mc.ContinueDispatching() {
			d.logger.Debug("dispatching stopped by handler", "messageId", env.ID, "handler", i)
			break
		}
	}

	if len(mc.forwarded) > 0 {
		return StateForwarded, nil
	}
	return StateCompleted, nil
}

func invoke(ctx context.Context, handler Handler, msg interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, msg)
}

// Forward sends the envelope handled in ctx, unchanged, to destination
func Forward(ctx context.Context, transport Transport, destination contracts.Address) error {
	mc, ok := MessageContextFrom(ctx)
	if !ok {
		return contracts.ErrNoCurrentMessage
	}

	if err := transport.Send(ctx, destination, mc.Envelope().Clone()); err != nil {
		return fmt.Errorf("failed to forward message %s to %s: %w", mc.Envelope().ID, destination, err)
	}
	mc.markForwarded(destination)
	return nil
}
