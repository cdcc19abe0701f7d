package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer reads one queue with manual acknowledgement. When the channel
// is lost it subscribes again on the next call to Next.
type Consumer struct {
	manager       *ConnectionManager
	queue         string
	prefetchCount int
	consumerTag   string
	retryDelay    time.Duration
	logger        *slog.Logger

	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

func NewConsumer(manager *ConnectionManager, queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		queue:         queue,
		prefetchCount: 10,
		retryDelay:    time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Next blocks for the next delivery.
func (c *Consumer) Next(ctx context.Context) (amqp.Delivery, error) {
	for {
		deliveries, err := c.subscription()
		if err != nil {
			if err == ErrConsumerClosed {
				return amqp.Delivery{}, err
			}
			c.logger.Warn("consumer subscribe failed", "queue", c.queue, "error", err)
			select {
			case <-time.After(c.retryDelay):
				continue
			case <-ctx.Done():
				return amqp.Delivery{}, ctx.Err()
			}
		}

		select {
		case d, ok := <-deliveries:
			if ok {
				return d, nil
			}
			c.reset()
		case <-ctx.Done():
			return amqp.Delivery{}, ctx.Err()
		}
	}
}

// Close cancels the subscription.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch.Close()
	}
	return nil
}

func (c *Consumer) subscription() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConsumerClosed
	}
	if c.deliveries != nil {
		return c.deliveries, nil
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, &ConsumerError{Queue: c.queue, Op: "open channel", Err: err}
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, &ConsumerError{Queue: c.queue, Op: "qos", Err: err}
	}
	deliveries, err := ch.Consume(c.queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, &ConsumerError{Queue: c.queue, Op: "consume", Err: err}
	}

	c.ch = ch
	c.deliveries = deliveries
	c.logger.Debug("consuming", "queue", c.queue, "prefetch", c.prefetchCount)
	return deliveries, nil
}

func (c *Consumer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = nil
	c.deliveries = nil
}
