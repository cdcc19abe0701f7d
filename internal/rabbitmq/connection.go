package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/internal/reliability"
)

// ConnectionManager owns the AMQP connection and replaces it when the
// broker drops it.
type ConnectionManager struct {
	url         string
	name        string
	dialTimeout time.Duration
	reconnect   reliability.Policy
	logger      *slog.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	closed bool
	done   chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectionName is shown in the broker management UI.
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = d
	}
}

// WithReconnectPolicy sets the backoff between reconnect attempts.
func WithReconnectPolicy(policy reliability.Policy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnect = policy
	}
}

func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		name:        "mmate",
		dialTimeout: 30 * time.Second,
		reconnect:   reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, 1<<30),
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect dials the broker and starts watching the connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: 1}
	}
	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

// Channel opens a new channel on the current connection.
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn == nil || cm.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return cm.conn.Channel()
}

func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close stops reconnecting and closes the connection.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)

	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn.Close()
	}
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.name)

	type result struct {
		conn *amqp.Connection
		err  error
	}
	out := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: props,
		})
		out <- result{conn, err}
	}()

	select {
	case r := <-out:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-out; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with mu held.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notify)
}

func (cm *ConnectionManager) watch(notify <-chan *amqp.Error) {
	select {
	case <-cm.done:
		return
	case amqpErr, ok := <-notify:
		if !ok && amqpErr == nil {
			// graceful close
			cm.mu.RLock()
			closed := cm.closed
			cm.mu.RUnlock()
			if closed {
				return
			}
		}
		cm.logger.Warn("RabbitMQ connection lost", "error", amqpErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer cancel()

	attempts := 0
	err := reliability.Retry(ctx, cm.reconnect, func() error {
		attempts++
		conn, err := cm.dial(ctx)
		if err != nil {
			cm.logger.Error("reconnect failed", "attempt", attempts, "error", err)
			return err
		}
		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.closed {
			conn.Close()
			return reliability.Permanent(ErrConnectionClosed)
		}
		cm.attach(conn)
		return nil
	})
	if err != nil {
		cm.logger.Error("giving up reconnecting to RabbitMQ", "attempts", attempts, "error", err)
		return
	}
	cm.logger.Info("reconnected to RabbitMQ", "attempts", attempts)
}
