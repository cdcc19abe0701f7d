// Package subscriptions keeps the message type to subscriber address mapping used
// for publish fan-out.
package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
)

// Subscription registers an address for publishes of a message type
type Subscription struct {
	MessageType string
	Address     contracts.Address

	// Predicate filters published messages for this subscriber on the publisher side.
	//
	// Deprecated: filter inside the handler and call
	// DoNotContinueDispatchingCurrentMessageToHandlers instead. Predicates are not
	// persisted.
	Predicate func(msg interface{}) bool
}

func (s Subscription) validate() error {
	if s.MessageType == "" {
		return fmt.Errorf("%w: empty message type", contracts.ErrInvalidSubscription)
	}
	if s.Address.IsZero() {
		return fmt.Errorf("%w: empty subscriber address", contracts.ErrInvalidSubscription)
	}
	return nil
}

// Persister stores subscriptions durably
type Persister interface {
	LoadAll(ctx context.Context) ([]Subscription, error)
	Persist(ctx context.Context, sub Subscription) error
	Remove(ctx context.Context, sub Subscription) error
}

// TypeHierarchy returns a type name followed by its supertype names
type TypeHierarchy interface {
	Hierarchy(typeName string) []string
}

// Store is the in-memory view of all subscriptions, optionally backed by a Persister
type Store struct {
	subs      map[string]map[string]Subscription
	persister Persister
	hierarchy TypeHierarchy
	logger    *slog.Logger
	mu        sync.RWMutex
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithPersister makes subscribe and unsubscribe durable
func WithPersister(p Persister) StoreOption {
	return func(s *Store) {
		s.persister = p
	}
}

// WithTypeHierarchy sets the hierarchy used to include supertype subscribers
func WithTypeHierarchy(h TypeHierarchy) StoreOption {
	return func(s *Store) {
		s.hierarchy = h
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty store
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		subs:   make(map[string]map[string]Subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory view with the persister's contents
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	loaded, err := s.persister.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	subs := make(map[string]map[string]Subscription)
	for _, sub := range loaded {
		if err := sub.validate(); err != nil {
			s.logger.Warn("skipping invalid persisted subscription", "messageType", sub.MessageType, "error", err)
			continue
		}
		addSubscription(subs, sub)
	}

	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()

	s.logger.Info("subscriptions loaded", "count", len(loaded))
	return nil
}

// Subscribe adds sub; subscribing the same type and address twice keeps one entry
func (s *Store) Subscribe(ctx context.Context, sub Subscription) error {
	if err := sub.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.subs[sub.MessageType][sub.Address.String()]
	if !exists && s.persister != nil {
		if err := s.persister.Persist(ctx, sub); err != nil {
			return fmt.Errorf("failed to persist subscription: %w", err)
		}
	}

	addSubscription(s.subs, sub)

	if !exists {
		s.logger.Debug("subscribed", "messageType", sub.MessageType, "address", sub.Address.String())
	}
	return nil
}

// Unsubscribe removes the subscription of address to messageType if present
func (s *Store) Unsubscribe(ctx context.Context, messageType string, address contracts.Address) error {
	sub := Subscription{MessageType: messageType, Address: address}
	if err := sub.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byAddr, ok := s.subs[messageType]
	if !ok {
		return nil
	}
	key := address.String()
	if _, ok := byAddr[key]; !ok {
		return nil
	}

	if s.persister != nil {
		if err := s.persister.Remove(ctx, sub); err != nil {
			return fmt.Errorf("failed to remove subscription: %w", err)
		}
	}

	delete(byAddr, key)
	if len(byAddr) == 0 {
		delete(s.subs, messageType)
	}

	s.logger.Debug("unsubscribed", "messageType", messageType, "address", key)
	return nil
}

// SubscribersFor returns the addresses subscribed to messageType or any of its
// supertypes, sorted and without duplicates. Predicates are ignored.
func (s *Store) SubscribersFor(messageType string) []contracts.Address {
	return s.collect(messageType, func(Subscription) bool { return true })
}

// MatchingSubscribers is SubscribersFor with legacy predicates evaluated against msg
func (s *Store) MatchingSubscribers(messageType string, msg interface{}) []contracts.Address {
	return s.collect(messageType, func(sub Subscription) bool {
		return sub.Predicate == nil || sub.Predicate(msg)
	})
}

// Subscriptions returns a snapshot of every subscription
func (s *Store) Subscriptions() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Subscription
	for _, byAddr := range s.subs {
		for _, sub := range byAddr {
			all = append(all, sub)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].MessageType != all[j].MessageType {
			return all[i].MessageType < all[j].MessageType
		}
		return all[i].Address.String() < all[j].Address.String()
	})
	return all
}

func (s *Store) collect(messageType string, keep func(Subscription) bool) []contracts.Address {
	types := []string{messageType}
	if s.hierarchy != nil {
		types = s.hierarchy.Hierarchy(messageType)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]contracts.Address)
	for _, t := range types {
		for key, sub := range s.subs[t] {
			if _, ok := seen[key]; ok {
				continue
			}
			if keep(sub) {
				seen[key] = sub.Address
			}
		}
	}

	result := make([]contracts.Address, 0, len(seen))
	for _, addr := range seen {
		result = append(result, addr)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return result
}

func addSubscription(subs map[string]map[string]Subscription, sub Subscription) {
	byAddr, ok := subs[sub.MessageType]
	if !ok {
		byAddr = make(map[string]Subscription)
		subs[sub.MessageType] = byAddr
	}
	byAddr[sub.Address.String()] = sub
}
