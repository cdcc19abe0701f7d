// Package nats implements messaging.Transport on core NATS. Each endpoint
// queue maps to the subject "mmate.<queue>" consumed through a queue group,
// so several instances of an endpoint share its input.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
)

const (
	SubjectPrefix    = "mmate."
	ErrorSuffix      = ".error"
	AttemptsHeader   = "Mmate-Attempts"
	MessageIDHeader  = "Mmate-Message-Id"
	defaultQueueName = "mmate"
)

// Config holds the NATS connection settings.
type Config struct {
	URL            string
	Name           string
	Token          string
	User           string
	Password       string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// DefaultConfig returns unlimited reconnects against the local server.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c Config) options() []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.Timeout(c.ConnectTimeout),
	}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	}
	if c.User != "" {
		opts = append(opts, nats.UserInfo(c.User, c.Password))
	}
	return opts
}

// Option configures the transport.
type Option func(*Transport)

// WithPoisonPolicy sets when rejected deliveries move to the error subject.
func WithPoisonPolicy(policy reliability.PoisonPolicy) Option {
	return func(t *Transport) {
		t.poison = policy
	}
}

// WithSendPolicy sets the retry policy for publishes.
func WithSendPolicy(policy reliability.Policy) Option {
	return func(t *Transport) {
		t.send = policy
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Transport implements messaging.Transport for NATS
type Transport struct {
	conn   *nats.Conn
	owned  bool
	input  contracts.Address
	sub    *nats.Subscription
	send   reliability.Policy
	poison reliability.PoisonPolicy
	logger *slog.Logger
}

// NewTransport connects with cfg and subscribes to the subject of input.
func NewTransport(cfg Config, input contracts.Address, opts ...Option) (*Transport, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = input.String()
	}
	conn, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	t, err := NewTransportFromConn(conn, input, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.owned = true
	return t, nil
}

// NewTransportFromConn uses an existing connection, which Close leaves open.
func NewTransportFromConn(conn *nats.Conn, input contracts.Address, opts ...Option) (*Transport, error) {
	t := &Transport{
		conn:   conn,
		input:  input,
		send:   reliability.DefaultSendPolicy(),
		poison: reliability.DefaultPoisonPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("transport", "nats", "queue", input.Queue)

	sub, err := conn.QueueSubscribeSync(Subject(input), QueueGroup(input))
	if err != nil {
		return nil, fmt.Errorf("nats queue subscribe: %w", err)
	}
	t.sub = sub
	return t, nil
}

// Subject maps an address to its NATS subject.
func Subject(address contracts.Address) string {
	return SubjectPrefix + sanitize(address.Queue)
}

// ErrorSubject is the subject poison messages of address are moved to.
func ErrorSubject(address contracts.Address) string {
	return Subject(address) + ErrorSuffix
}

// QueueGroup is shared by all instances consuming address.
func QueueGroup(address contracts.Address) string {
	if q := sanitize(address.Queue); q != "" {
		return q
	}
	return defaultQueueName
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

func (t *Transport) Send(ctx context.Context, destination contracts.Address, envelope *contracts.Envelope) error {
	msg, err := toMsg(Subject(destination), envelope, 0)
	if err != nil {
		return err
	}
	return t.publish(ctx, msg)
}

// Receive blocks for the next envelope. Undecodable payloads are moved to
// the error subject.
func (t *Transport) Receive(ctx context.Context) (messaging.Delivery, error) {
	for {
		msg, err := t.sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return nil, messaging.ErrTransportClosed
			}
			return nil, err
		}

		env, err := contracts.UnmarshalEnvelope(msg.Data)
		if err != nil {
			t.logger.Error("undecodable message moved to error subject", "error", err)
			raw := nats.NewMsg(ErrorSubject(t.input))
			raw.Data = msg.Data
			raw.Header.Set("Mmate-Failure-Reason", err.Error())
			if err := t.publish(ctx, raw); err != nil {
				return nil, err
			}
			continue
		}
		return &delivery{transport: t, envelope: env, attempts: attemptsOf(msg)}, nil
	}
}

// IsConnected reports whether the NATS connection is up.
func (t *Transport) IsConnected() bool {
	return t.conn.IsConnected()
}

// Close drops the subscription and, when the transport dialled it, the
// connection.
func (t *Transport) Close() error {
	err := t.sub.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	if t.owned {
		t.conn.Close()
	}
	return err
}

func (t *Transport) publish(ctx context.Context, msg *nats.Msg) error {
	return reliability.Retry(ctx, t.send, func() error {
		err := t.conn.PublishMsg(msg)
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrMaxPayload) {
			return reliability.Permanent(err)
		}
		return err
	})
}

type delivery struct {
	transport *Transport
	envelope  *contracts.Envelope
	attempts  int
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.envelope
}

// Ack is a no-op: core NATS has no acknowledgements.
func (d *delivery) Ack() error {
	return nil
}

// Reject republishes to the input subject or, once the poison policy says
// so, to the error subject.
func (d *delivery) Reject(cause error) error {
	t := d.transport
	attempts := d.attempts + 1

	subject := Subject(t.input)
	env := d.envelope
	if t.poison.Decide(attempts) == reliability.ActionErrorQueue {
		subject = ErrorSubject(t.input)
		env = reliability.Annotate(env, cause, attempts)
		t.logger.Warn("message moved to error subject",
			"messageId", env.ID,
			"attempts", attempts,
			"error", cause)
	}

	msg, err := toMsg(subject, env, attempts)
	if err != nil {
		return err
	}
	return t.publish(context.Background(), msg)
}

func toMsg(subject string, env *contracts.Envelope, attempts int) (*nats.Msg, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(MessageIDHeader, env.ID)
	if attempts > 0 {
		msg.Header.Set(AttemptsHeader, strconv.Itoa(attempts))
	}
	return msg, nil
}

func attemptsOf(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(AttemptsHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
