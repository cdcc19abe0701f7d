package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// ChannelPool hands out confirm-mode channels, at most maxSize at a time.
type ChannelPool struct {
	manager *ConnectionManager
	sem     *semaphore.Weighted
	idle    chan *amqp.Channel

	mu     sync.Mutex
	closed bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*channelPoolConfig)

type channelPoolConfig struct {
	maxSize int
}

// WithMaxSize sets the maximum number of channels in use at once.
func WithMaxSize(size int) ChannelPoolOption {
	return func(c *channelPoolConfig) {
		c.maxSize = size
	}
}

func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) *ChannelPool {
	cfg := channelPoolConfig{maxSize: 10}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.maxSize < 1 {
		cfg.maxSize = 1
	}
	return &ChannelPool{
		manager: manager,
		sem:     semaphore.NewWeighted(int64(cfg.maxSize)),
		idle:    make(chan *amqp.Channel, cfg.maxSize),
	}
}

// Get blocks until a channel is available or ctx ends.
func (cp *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}
	if err := cp.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		select {
		case ch := <-cp.idle:
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
		}

		ch, err := cp.manager.Channel()
		if err != nil {
			cp.sem.Release(1)
			return nil, err
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			cp.sem.Release(1)
			return nil, err
		}
		return ch, nil
	}
}

// Put returns a channel. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *amqp.Channel) {
	defer cp.sem.Release(1)

	if ch == nil || ch.IsClosed() {
		return
	}
	if cp.isClosed() {
		ch.Close()
		return
	}
	select {
	case cp.idle <- ch:
	default:
		ch.Close()
	}
}

// Execute runs fn with a pooled channel.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)
	return fn(ch)
}

// Close closes the idle channels. Channels in use are closed on Put.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.idle:
			ch.Close()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}
