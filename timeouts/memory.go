package timeouts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryPersister keeps deferred entries in process memory
type MemoryPersister struct {
	entries map[string][]Entry
	mu      sync.Mutex
}

// NewMemoryPersister creates an empty MemoryPersister
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{entries: make(map[string][]Entry)}
}

// Store saves an entry
func (p *MemoryPersister) Store(ctx context.Context, entry Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := append(p.entries[entry.Endpoint], entry)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].DueTime.Before(list[j].DueTime)
	})
	p.entries[entry.Endpoint] = list
	return nil
}

// NextDueChunk removes and returns entries due at or before upperBound
func (p *MemoryPersister) NextDueChunk(ctx context.Context, endpoint string, upperBound time.Time) ([]Entry, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.entries[endpoint]
	n := sort.Search(len(list), func(i int) bool {
		return list[i].DueTime.After(upperBound)
	})

	due := append([]Entry(nil), list[:n]...)
	rest := append([]Entry(nil), list[n:]...)
	p.entries[endpoint] = rest

	var next time.Time
	if len(rest) > 0 {
		next = rest[0].DueTime
	}
	return due, next, nil
}

// Len returns the number of pending entries for endpoint
func (p *MemoryPersister) Len(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries[endpoint])
}
