// Package rabbitmq implements messaging.Transport on a RabbitMQ broker.
// Each endpoint address maps to a durable queue of the same name with a
// companion error queue. Envelopes travel as JSON bodies.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
)

// AttemptsHeader counts failed processing attempts across redeliveries.
const AttemptsHeader = "x-mmate-attempts"

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	input     contracts.Address
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	breaker   *reliability.CircuitBreaker
	send      reliability.Policy
	poison    reliability.PoisonPolicy
	logger    *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	SendPolicy        reliability.Policy
	PoisonPolicy      reliability.PoisonPolicy
	BreakerOptions    []reliability.CircuitBreakerOption
	SingleActive      bool
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions configures the connection manager.
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions configures the confirming publisher.
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions configures the input queue consumer.
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithSendPolicy sets the retry policy for outbound publishes.
func WithSendPolicy(policy reliability.Policy) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.SendPolicy = policy
	}
}

// WithPoisonPolicy sets how many failed attempts move a message to the
// error queue.
func WithPoisonPolicy(policy reliability.PoisonPolicy) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoisonPolicy = policy
	}
}

// WithBreakerOptions configures the circuit breaker guarding sends.
func WithBreakerOptions(opts ...reliability.CircuitBreakerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.BreakerOptions = append(cfg.BreakerOptions, opts...)
	}
}

// WithSingleActiveConsumer declares the input queue with
// x-single-active-consumer for strict ordering across instances.
func WithSingleActiveConsumer(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.SingleActive = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker and declares the queues of input.
func NewTransport(ctx context.Context, url string, input contracts.Address, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		SendPolicy:   reliability.DefaultSendPolicy(),
		PoisonPolicy: reliability.DefaultPoisonPolicy(),
		Logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.Logger.With("transport", "rabbitmq", "queue", input.Queue)

	manager := rabbitmq.NewConnectionManager(url,
		append([]rabbitmq.ConnectionOption{
			rabbitmq.WithLogger(logger),
			rabbitmq.WithConnectionName(input.String()),
		}, cfg.ConnectionOptions...)...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)

	queues, err := rabbitmq.EndpointQueues(input.Queue)
	if err != nil {
		manager.Close()
		return nil, err
	}
	if cfg.SingleActive {
		queues[0].Arguments = amqp.Table{"x-single-active-consumer": true}
	}
	if err := rabbitmq.NewTopology(pool).Declare(ctx, queues...); err != nil {
		pool.Close()
		manager.Close()
		return nil, fmt.Errorf("failed to declare endpoint queues: %w", err)
	}

	return &Transport{
		input:     input,
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, cfg.PublisherOptions...),
		consumer: rabbitmq.NewConsumer(manager, input.Queue,
			append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, cfg.ConsumerOptions...)...),
		breaker: reliability.NewCircuitBreaker(
			append([]reliability.CircuitBreakerOption{
				reliability.WithName("rabbitmq-send"),
				reliability.WithBreakerLogger(logger),
			}, cfg.BreakerOptions...)...),
		send:   cfg.SendPolicy,
		poison: cfg.PoisonPolicy,
		logger: logger,
	}, nil
}

// Send publishes envelope to the queue of destination. The machine part of
// the address is not used; all endpoints share the broker.
func (t *Transport) Send(ctx context.Context, destination contracts.Address, envelope *contracts.Envelope) error {
	msg, err := toPublishing(envelope, 0)
	if err != nil {
		return err
	}
	return t.publish(ctx, destination.Queue, msg)
}

// Receive blocks for the next envelope on the input queue. Bodies that are
// not envelopes go straight to the error queue.
func (t *Transport) Receive(ctx context.Context) (messaging.Delivery, error) {
	for {
		d, err := t.consumer.Next(ctx)
		if err != nil {
			if err == rabbitmq.ErrConsumerClosed {
				return nil, messaging.ErrTransportClosed
			}
			return nil, err
		}

		env, err := contracts.UnmarshalEnvelope(d.Body)
		if err != nil {
			t.logger.Error("undecodable message moved to error queue", "messageId", d.MessageId, "error", err)
			raw := amqp.Publishing{
				MessageId:    d.MessageId,
				ContentType:  d.ContentType,
				DeliveryMode: amqp.Persistent,
				Headers:      amqp.Table{"x-mmate-failure-reason": err.Error()},
				Body:         d.Body,
			}
			if err := t.publish(ctx, rabbitmq.ErrorQueueName(t.input.Queue), raw); err != nil {
				_ = d.Nack(false, true)
				return nil, err
			}
			_ = d.Ack(false)
			continue
		}

		return &delivery{transport: t, raw: d, envelope: env}, nil
	}
}

// IsConnected reports whether the broker connection is up.
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close stops consuming and closes the connection.
func (t *Transport) Close() error {
	t.consumer.Close()
	t.pool.Close()
	return t.manager.Close()
}

func (t *Transport) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	return t.breaker.Execute(ctx, func() error {
		return reliability.Retry(ctx, t.send, func() error {
			return t.publisher.Publish(ctx, queue, msg)
		})
	})
}

type delivery struct {
	transport *Transport
	raw       amqp.Delivery
	envelope  *contracts.Envelope
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.envelope
}

func (d *delivery) Ack() error {
	return d.raw.Ack(false)
}

// Reject republishes the envelope with an increased attempt count, or moves
// it to the error queue once the poison policy says so. The original
// delivery is acked after the copy is safely published.
func (d *delivery) Reject(cause error) error {
	t := d.transport
	ctx := context.Background()
	attempts := attemptsOf(d.raw.Headers) + 1

	queue := t.input.Queue
	env := d.envelope
	if t.poison.Decide(attempts) == reliability.ActionErrorQueue {
		queue = rabbitmq.ErrorQueueName(t.input.Queue)
		env = reliability.Annotate(env, cause, attempts)
		t.logger.Warn("message moved to error queue",
			"messageId", env.ID,
			"messageType", env.Type,
			"attempts", attempts,
			"error", cause)
	}

	msg, err := toPublishing(env, attempts)
	if err != nil {
		return d.raw.Nack(false, true)
	}
	if err := t.publish(ctx, queue, msg); err != nil {
		t.logger.Error("failed to requeue rejected message", "messageId", env.ID, "error", err)
		return d.raw.Nack(false, true)
	}
	return d.raw.Ack(false)
}

func toPublishing(env *contracts.Envelope, attempts int) (amqp.Publishing, error) {
	body, err := env.Marshal()
	if err != nil {
		return amqp.Publishing{}, err
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Type:          env.Type,
		Timestamp:     env.Timestamp,
		Body:          body,
	}
	if attempts > 0 {
		msg.Headers = amqp.Table{AttemptsHeader: int32(attempts)}
	}
	if at, ok := env.ExpiresAt(); ok {
		// the broker drops expired messages before they reach a consumer
		ms := time.Until(at).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		msg.Expiration = strconv.FormatInt(ms, 10)
	}
	return msg, nil
}

func attemptsOf(headers amqp.Table) int {
	switch v := headers[AttemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
