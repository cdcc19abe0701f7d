package messaging

import (
	"context"
	"errors"

	"github.com/glimte/mmate-bus/contracts"
)

// ErrTransportClosed is returned by Receive after the transport was closed
var ErrTransportClosed = errors.New("transport closed")

// Transport moves envelopes between endpoint addresses. Implementations must keep
// envelope ids and headers unchanged.
type Transport interface {
	// Send enqueues an envelope for destination
	Send(ctx context.Context, destination contracts.Address, envelope *contracts.Envelope) error

	// Receive blocks until an envelope arrives on the local input queue or ctx is done
	Receive(ctx context.Context) (Delivery, error)

	// Close releases all resources
	Close() error
}

// Delivery is one received envelope awaiting an outcome
type Delivery interface {
	// Envelope returns the received envelope
	Envelope() *contracts.Envelope

	// Ack marks the envelope as processed
	Ack() error

	// Reject reports a processing failure; the transport applies its retry and
	// poison message policy
	Reject(cause error) error
}
