// Package inmemory is a messaging.Transport backed by process-local queues.
// Every endpoint attached to the same Network can reach the others by
// address. It is used by tests and single-process deployments.
package inmemory

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
)

// ErrorQueueSuffix names the queue poison messages are moved to.
const ErrorQueueSuffix = ".error"

// Network is a set of named queues shared by in-memory transports.
type Network struct {
	mu     sync.Mutex
	queues map[string]*queue
	poison reliability.PoisonPolicy
	logger *slog.Logger
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithPoisonPolicy sets when rejected deliveries move to the error queue.
func WithPoisonPolicy(policy reliability.PoisonPolicy) NetworkOption {
	return func(n *Network) {
		n.poison = policy
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) NetworkOption {
	return func(n *Network) {
		n.logger = logger
	}
}

// NewNetwork creates an empty network of queues.
func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		queues: make(map[string]*queue),
		poison: reliability.DefaultPoisonPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Transport returns a transport whose input queue is address.
func (n *Network) Transport(address contracts.Address) *Transport {
	return &Transport{
		network: n,
		input:   address,
		queue:   n.queue(address),
		done:    make(chan struct{}),
	}
}

// Pending returns copies of the envelopes waiting on address.
func (n *Network) Pending(address contracts.Address) []*contracts.Envelope {
	return n.queue(address).snapshot()
}

// Failed returns copies of the envelopes in the error queue of address.
func (n *Network) Failed(address contracts.Address) []*contracts.Envelope {
	return n.queue(ErrorAddress(address)).snapshot()
}

// ErrorAddress is the error queue paired with address.
func ErrorAddress(address contracts.Address) contracts.Address {
	return contracts.Address{Queue: address.Queue + ErrorQueueSuffix, Machine: address.Machine}
}

func (n *Network) queue(address contracts.Address) *queue {
	key := strings.ToLower(address.String())
	n.mu.Lock()
	defer n.mu.Unlock()
	q, ok := n.queues[key]
	if !ok {
		q = newQueue()
		n.queues[key] = q
	}
	return q
}

// Transport implements messaging.Transport on a Network.
type Transport struct {
	network *Network
	input   contracts.Address
	queue   *queue

	closeOnce sync.Once
	done      chan struct{}
}

// Send enqueues a copy of envelope on destination.
func (t *Transport) Send(ctx context.Context, destination contracts.Address, envelope *contracts.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.done:
		return messaging.ErrTransportClosed
	default:
	}
	t.network.queue(destination).push(item{envelope: envelope.Clone()})
	return nil
}

// Receive blocks until an envelope is available on the input queue.
func (t *Transport) Receive(ctx context.Context) (messaging.Delivery, error) {
	for {
		it, ok, wait := t.queue.pop()
		if ok {
			return &delivery{transport: t, item: it}, nil
		}
		select {
		case <-wait:
		case <-t.done:
			return nil, messaging.ErrTransportClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close unblocks Receive. Queued envelopes stay on the network.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

type delivery struct {
	transport *Transport
	item      item

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.item.envelope
}

func (d *delivery) Ack() error {
	d.settle()
	return nil
}

func (d *delivery) Reject(cause error) error {
	if !d.settle() {
		return nil
	}

	t := d.transport
	attempts := d.item.attempts + 1
	if t.network.poison.Decide(attempts) == reliability.ActionErrorQueue {
		failed := reliability.Annotate(d.item.envelope, cause, attempts)
		t.network.queue(ErrorAddress(t.input)).push(item{envelope: failed, attempts: attempts})
		t.network.logger.Warn("message moved to error queue",
			"queue", t.input.String(),
			"messageId", failed.ID,
			"attempts", attempts,
			"error", cause)
		return nil
	}
	t.queue.push(item{envelope: d.item.envelope, attempts: attempts})
	return nil
}

// settle reports whether this call was the first outcome.
func (d *delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

type item struct {
	envelope *contracts.Envelope
	attempts int
}

type queue struct {
	mu     sync.Mutex
	items  []item
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{})}
}

func (q *queue) push(it item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, it)
	close(q.notify)
	q.notify = make(chan struct{})
}

// pop returns the head of the queue, or a channel closed on the next push.
func (q *queue) pop() (item, bool, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item{}, false, q.notify
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	return it, true, nil
}

func (q *queue) snapshot() []*contracts.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*contracts.Envelope, len(q.items))
	for i, it := range q.items {
		out[i] = it.envelope.Clone()
	}
	return out
}
