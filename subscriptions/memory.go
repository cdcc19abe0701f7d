package subscriptions

import (
	"context"
	"sync"
)

// MemoryPersister keeps subscriptions in process memory
type MemoryPersister struct {
	subs map[string]Subscription
	mu   sync.Mutex
}

// NewMemoryPersister creates an empty MemoryPersister
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{subs: make(map[string]Subscription)}
}

func memoryKey(sub Subscription) string {
	return sub.MessageType + "\x00" + sub.Address.String()
}

// LoadAll returns every stored subscription
func (p *MemoryPersister) LoadAll(ctx context.Context) ([]Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make([]Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		all = append(all, sub)
	}
	return all, nil
}

// Persist stores sub without its predicate
func (p *MemoryPersister) Persist(ctx context.Context, sub Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subs[memoryKey(sub)] = Subscription{MessageType: sub.MessageType, Address: sub.Address}
	return nil
}

// Remove deletes sub if stored
func (p *MemoryPersister) Remove(ctx context.Context, sub Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.subs, memoryKey(sub))
	return nil
}
