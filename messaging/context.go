package messaging

import (
	"context"

	"github.com/glimte/mmate-bus/contracts"
)

type contextKey string

const messageContextKey contextKey = "mmate.message-context"

// MessageContext is the state of handling one inbound envelope. A new value is
// created for every envelope, so nothing set while handling one message can reach
// another. It is not safe for concurrent use by several goroutines.
type MessageContext struct {
	envelope            *contracts.Envelope
	outgoingHeaders     map[string]string
	continueDispatching bool
	handleLater         bool
	forwarded           []contracts.Address
}

// NewMessageContext creates the context for handling env
func NewMessageContext(env *contracts.Envelope) *MessageContext {
	return &MessageContext{
		envelope:            env,
		outgoingHeaders:     make(map[string]string),
		continueDispatching: true,
	}
}

// WithMessageContext returns a child context carrying mc
func WithMessageContext(ctx context.Context, mc *MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey, mc)
}

// MessageContextFrom returns the MessageContext carried by ctx, if any
func MessageContextFrom(ctx context.Context) (*MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey).(*MessageContext)
	return mc, ok && mc != nil
}

// Envelope returns the envelope being handled
func (mc *MessageContext) Envelope() *contracts.Envelope {
	return mc.envelope
}

// OutgoingHeaders returns the live header map merged into every envelope sent while
// this message is handled
func (mc *MessageContext) OutgoingHeaders() map[string]string {
	return mc.outgoingHeaders
}

// DoNotContinueDispatching stops the pipeline after the running handler
func (mc *MessageContext) DoNotContinueDispatching() {
	mc.continueDispatching = false
}

// ContinueDispatching reports whether remaining handlers should run
func (mc *MessageContext) ContinueDispatching() bool {
	return mc.continueDispatching
}

// HandleLater stops the pipeline and requeues the envelope unchanged
func (mc *MessageContext) HandleLater() {
	mc.handleLater = true
}

// HandledLater reports whether HandleLater was called
func (mc *MessageContext) HandledLater() bool {
	return mc.handleLater
}

func (mc *MessageContext) markForwarded(dest contracts.Address) {
	mc.forwarded = append(mc.forwarded, dest)
}

// Forwarded returns the destinations the envelope was forwarded to
func (mc *MessageContext) Forwarded() []contracts.Address {
	return append([]contracts.Address(nil), mc.forwarded...)
}

// Snapshot returns a read-only copy of the current envelope's metadata
func (mc *MessageContext) Snapshot() CurrentMessage {
	headers := make(map[string]string, len(mc.envelope.Headers))
	for k, v := range mc.envelope.Headers {
		headers[k] = v
	}
	return CurrentMessage{
		ID:            mc.envelope.ID,
		Type:          mc.envelope.Type,
		CorrelationID: mc.envelope.CorrelationID,
		ReplyTo:       mc.envelope.ReplyTo,
		Headers:       headers,
	}
}

// CurrentMessage describes the envelope a handler is processing
type CurrentMessage struct {
	ID            string
	Type          string
	CorrelationID string
	ReplyTo       string
	Headers       map[string]string
}

// CurrentMessageContext returns a snapshot of the message being handled in ctx
func CurrentMessageContext(ctx context.Context) (CurrentMessage, error) {
	mc, ok := MessageContextFrom(ctx)
	if !ok {
		return CurrentMessage{}, contracts.ErrNoCurrentMessage
	}
	return mc.Snapshot(), nil
}
