package rabbitmq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrorQueueSuffix names the queue poison messages are moved to.
const ErrorQueueSuffix = ".error"

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// ErrorQueueName returns the error queue paired with an input queue.
func ErrorQueueName(queue string) string {
	return queue + ErrorQueueSuffix
}

// EndpointQueues returns the durable input and error queues of an endpoint.
func EndpointQueues(input string) ([]QueueDeclaration, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("%w: empty input queue", ErrInvalidTopology)
	}
	return []QueueDeclaration{
		{Name: input, Durable: true},
		{Name: ErrorQueueName(input), Durable: true},
	}, nil
}

// Topology declares queues on the broker.
type Topology struct {
	pool *ChannelPool
}

func NewTopology(pool *ChannelPool) *Topology {
	return &Topology{pool: pool}
}

// Declare declares every queue. Declaring an existing queue with the same
// arguments is a no-op on the broker.
func (t *Topology) Declare(ctx context.Context, queues ...QueueDeclaration) error {
	return t.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, q := range queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, q.Arguments); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.Name, err)
			}
		}
		return nil
	})
}
