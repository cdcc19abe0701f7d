// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/routing"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/subscriptions"
	"github.com/glimte/mmate-bus/timeouts"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyStarted is returned by Start on a running bus
	ErrAlreadyStarted = errors.New("bus already started")
)

// Config is the explicit configuration of one endpoint's bus
type Config struct {
	// EndpointName identifies the endpoint in envelopes and timeout storage.
	EndpointName string
	// Routing holds the static routing tables. An empty LocalAddress defaults to
	// EndpointName.
	Routing routing.Config
	// Workers bounds the number of envelopes handled concurrently.
	Workers int
	// TimeoutPollInterval is the longest the poller sleeps between polls.
	TimeoutPollInterval time.Duration
	// TimeoutRetryDelay is how long a deferred message waits after a failed redelivery.
	TimeoutRetryDelay time.Duration
	// CallbackTTL is how long a send handle waits for its reply.
	CallbackTTL time.Duration
}

// DefaultConfig returns a configuration for endpoint with default tuning
func DefaultConfig(endpoint string) Config {
	return Config{
		EndpointName:        endpoint,
		Workers:             1,
		TimeoutPollInterval: time.Second,
		TimeoutRetryDelay:   5 * time.Second,
		CallbackTTL:         5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig(c.EndpointName)
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.TimeoutPollInterval <= 0 {
		c.TimeoutPollInterval = defaults.TimeoutPollInterval
	}
	if c.TimeoutRetryDelay <= 0 {
		c.TimeoutRetryDelay = defaults.TimeoutRetryDelay
	}
	if c.CallbackTTL <= 0 {
		c.CallbackTTL = defaults.CallbackTTL
	}
	if c.Routing.LocalAddress == "" {
		c.Routing.LocalAddress = c.EndpointName
	}
	return c
}

// Bus routes, correlates and dispatches messages for one endpoint
type Bus struct {
	cfg        Config
	transport  messaging.Transport
	resolver   *routing.Resolver
	registry   *serialization.TypeRegistry
	store      *subscriptions.Store
	scheduler  *timeouts.Scheduler
	poller     *timeouts.Poller
	correlator *messaging.Correlator
	dispatcher *messaging.Dispatcher
	callbacks  *messaging.CallbackRegistry
	chain      *interceptors.InterceptorChain
	clock      clock.Clock
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Bus
type Option func(*busOptions)

type busOptions struct {
	logger           *slog.Logger
	registry         *serialization.TypeRegistry
	subPersister     subscriptions.Persister
	timeoutPersister timeouts.Persister
	chain            *interceptors.InterceptorChain
	clock            clock.Clock
	newID            func() string
}

// WithLogger sets the logger shared by all bus components
func WithLogger(logger *slog.Logger) Option {
	return func(o *busOptions) {
		o.logger = logger
	}
}

// WithTypeRegistry sets the registry used to name, encode and decode messages
func WithTypeRegistry(registry *serialization.TypeRegistry) Option {
	return func(o *busOptions) {
		o.registry = registry
	}
}

// WithSubscriptionPersister stores subscriptions durably
func WithSubscriptionPersister(p subscriptions.Persister) Option {
	return func(o *busOptions) {
		o.subPersister = p
	}
}

// WithTimeoutPersister stores deferred messages durably
func WithTimeoutPersister(p timeouts.Persister) Option {
	return func(o *busOptions) {
		o.timeoutPersister = p
	}
}

// WithInterceptors wraps the handling of every inbound envelope in chain
func WithInterceptors(chain *interceptors.InterceptorChain) Option {
	return func(o *busOptions) {
		o.chain = chain
	}
}

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clock.Clock) Option {
	return func(o *busOptions) {
		o.clock = c
	}
}

// WithIDGenerator replaces the uuid message id generator
func WithIDGenerator(gen func() string) Option {
	return func(o *busOptions) {
		o.newID = gen
	}
}

// New creates a bus for cfg on top of transport. The transport must receive from
// the bus's local address.
func New(cfg Config, transport messaging.Transport, opts ...Option) (*Bus, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.EndpointName == "" {
		return nil, fmt.Errorf("endpoint name cannot be empty")
	}
	cfg = cfg.withDefaults()

	o := &busOptions{
		logger: slog.Default(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = serialization.NewTypeRegistry()
	}
	if o.timeoutPersister == nil {
		o.timeoutPersister = timeouts.NewMemoryPersister()
	}
	if o.chain == nil {
		o.chain = interceptors.NewInterceptorChain(o.logger)
	}

	resolver, err := routing.NewResolver(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("invalid routing configuration: %w", err)
	}

	logger := o.logger.With("endpoint", cfg.EndpointName)

	storeOpts := []subscriptions.StoreOption{
		subscriptions.WithTypeHierarchy(o.registry),
		subscriptions.WithLogger(logger),
	}
	if o.subPersister != nil {
		storeOpts = append(storeOpts, subscriptions.WithPersister(o.subPersister))
	}

	correlatorOpts := []messaging.CorrelatorOption{messaging.WithCorrelatorClock(o.clock)}
	if o.newID != nil {
		correlatorOpts = append(correlatorOpts, messaging.WithIDGenerator(o.newID))
	}

	b := &Bus{
		cfg:        cfg,
		transport:  transport,
		resolver:   resolver,
		registry:   o.registry,
		store:      subscriptions.NewStore(storeOpts...),
		scheduler:  timeouts.NewScheduler(cfg.EndpointName, o.timeoutPersister, timeouts.WithLogger(logger)),
		correlator: messaging.NewCorrelator(cfg.EndpointName, resolver.Local(), correlatorOpts...),
		dispatcher: messaging.NewDispatcher(o.registry, messaging.WithDispatcherLogger(logger)),
		callbacks: messaging.NewCallbackRegistry(
			messaging.WithCallbackTTL(cfg.CallbackTTL),
			messaging.WithCallbackClock(o.clock),
			messaging.WithCallbackLogger(logger),
		),
		chain:  o.chain,
		clock:  o.clock,
		logger: logger,
	}
	b.poller = timeouts.NewPoller(b.scheduler, b.dispatchDeferred,
		timeouts.WithClock(o.clock),
		timeouts.WithPollInterval(cfg.TimeoutPollInterval),
		timeouts.WithRetryDelay(cfg.TimeoutRetryDelay),
		timeouts.WithPollerLogger(logger),
	)

	return b, nil
}

// Address returns the input queue of this endpoint
func (b *Bus) Address() contracts.Address {
	return b.resolver.Local()
}

// Registry returns the message type registry
func (b *Bus) Registry() *serialization.TypeRegistry {
	return b.registry
}

// Subscriptions returns the subscription store consulted by Publish
func (b *Bus) Subscriptions() *subscriptions.Store {
	return b.store
}

// Handle registers handler for messageType, a registered message type or contract.
// Handlers run in registration order.
func (b *Bus) Handle(messageType string, handler messaging.Handler) (messaging.RegistrationID, error) {
	return b.dispatcher.Register(messageType, handler)
}

// Unhandle removes a handler registration
func (b *Bus) Unhandle(id messaging.RegistrationID) bool {
	return b.dispatcher.Unregister(id)
}

// Handle registers fn for the message type or contract T is registered under. T is a
// pointer to a message struct or a contract interface.
func Handle[T any](b *Bus, fn func(ctx context.Context, msg T) error) (messaging.RegistrationID, error) {
	name, err := b.registry.NameOfType(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return 0, err
	}
	return b.dispatcher.Register(name, messaging.TypedHandler(fn))
}

// Start loads subscriptions, then starts receiving, the timeout poller and callback
// expiry. ctx only bounds loading; the bus runs until Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return ErrAlreadyStarted
	}

	if err := b.store.Load(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return b.receiveLoop(gctx) })
	g.Go(func() error { return b.poller.Run(gctx) })
	g.Go(func() error { return b.callbacks.Run(gctx) })

	b.cancel = cancel
	b.group = g

	b.logger.Info("bus started",
		"address", b.resolver.Local().String(),
		"workers", b.cfg.Workers,
	)
	return nil
}

// Running reports whether the bus was started and not stopped since
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

// Stop stops receiving and waits for in-flight envelopes to settle
func (b *Bus) Stop() error {
	b.mu.Lock()
	cancel, g := b.cancel, b.group
	b.cancel, b.group = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	b.logger.Info("bus stopped")
	return err
}

// Close stops the bus and closes its transport
func (b *Bus) Close() error {
	return errors.Join(b.Stop(), b.transport.Close())
}
