package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mapHierarchy map[string][]string

func (h mapHierarchy) Hierarchy(typeName string) []string {
	if names, ok := h[typeName]; ok {
		return names
	}
	return []string{typeName}
}

type mockPersister struct {
	mock.Mock
}

func (m *mockPersister) LoadAll(ctx context.Context) ([]Subscription, error) {
	args := m.Called(ctx)
	subs, _ := args.Get(0).([]Subscription)
	return subs, args.Error(1)
}

func (m *mockPersister) Persist(ctx context.Context, sub Subscription) error {
	return m.Called(ctx, sub.MessageType, sub.Address.String()).Error(0)
}

func (m *mockPersister) Remove(ctx context.Context, sub Subscription) error {
	return m.Called(ctx, sub.MessageType, sub.Address.String()).Error(0)
}

func addr(s string) contracts.Address {
	return contracts.MustParseAddress(s)
}

func addrStrings(addrs []contracts.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func TestStoreSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("subscribe then publish lookup", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: addr("AddrX")}))

		assert.Equal(t, []string{"addrx"}, addrStrings(s.SubscribersFor("TypeA")))
	})

	t.Run("duplicate subscriptions collapse", func(t *testing.T) {
		s := NewStore()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: addr("addrx")}))
		}
		require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: addr("ADDRX")}))

		assert.Len(t, s.SubscribersFor("TypeA"), 1)
		assert.Len(t, s.Subscriptions(), 1)
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		s := NewStore()
		err := s.Subscribe(ctx, Subscription{Address: addr("x")})
		assert.ErrorIs(t, err, contracts.ErrInvalidSubscription)

		err = s.Subscribe(ctx, Subscription{MessageType: "TypeA"})
		assert.ErrorIs(t, err, contracts.ErrInvalidSubscription)
	})

	t.Run("miss returns empty set", func(t *testing.T) {
		s := NewStore()
		assert.Empty(t, s.SubscribersFor("Nothing"))
	})
}

func TestStoreUnsubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("removes address from future lookups", func(t *testing.T) {
		s := NewStore()
		require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: addr("x")}))
		require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: addr("y")}))

		require.NoError(t, s.Unsubscribe(ctx, "TypeA", addr("x")))
		assert.Equal(t, []string{"y"}, addrStrings(s.SubscribersFor("TypeA")))
	})

	t.Run("absent entry is a no-op", func(t *testing.T) {
		s := NewStore()
		assert.NoError(t, s.Unsubscribe(ctx, "TypeA", addr("x")))
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		s := NewStore()
		assert.ErrorIs(t, s.Unsubscribe(ctx, "", addr("x")), contracts.ErrInvalidSubscription)
	})
}

func TestStoreHierarchy(t *testing.T) {
	ctx := context.Background()
	h := mapHierarchy{
		"OrderPlaced": {"OrderPlaced", "OrderEvent", "AuditEvent"},
	}
	s := NewStore(WithTypeHierarchy(h))

	require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "OrderPlaced", Address: addr("direct")}))
	require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "OrderEvent", Address: addr("orders")}))
	require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "AuditEvent", Address: addr("audit")}))
	require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "AuditEvent", Address: addr("orders")}))
	require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "Other", Address: addr("other")}))

	t.Run("publishing a concrete type reaches supertype subscribers once", func(t *testing.T) {
		assert.Equal(t, []string{"audit", "direct", "orders"}, addrStrings(s.SubscribersFor("OrderPlaced")))
	})

	t.Run("supertype publish does not reach subtype subscribers", func(t *testing.T) {
		assert.Equal(t, []string{"orders"}, addrStrings(s.SubscribersFor("OrderEvent")))
	})
}

func TestStorePredicates(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	type order struct{ Amount int }
	bigOnly := func(msg interface{}) bool { return msg.(order).Amount > 100 }

	require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "Order", Address: addr("big"), Predicate: bigOnly}))
	require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "Order", Address: addr("all")}))

	assert.Equal(t, []string{"all"}, addrStrings(s.MatchingSubscribers("Order", order{Amount: 5})))
	assert.Equal(t, []string{"all", "big"}, addrStrings(s.MatchingSubscribers("Order", order{Amount: 500})))
	assert.Equal(t, []string{"all", "big"}, addrStrings(s.SubscribersFor("Order")))
}

func TestStorePersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("persists new subscriptions once", func(t *testing.T) {
		p := &mockPersister{}
		p.On("Persist", ctx, "TypeA", "x").Return(nil).Once()
		s := NewStore(WithPersister(p))

		require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: addr("x")}))
		require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: addr("x")}))
		p.AssertExpectations(t)
	})

	t.Run("persist failure leaves store unchanged", func(t *testing.T) {
		p := &mockPersister{}
		p.On("Persist", ctx, "TypeA", "x").Return(errors.New("disk full"))
		s := NewStore(WithPersister(p))

		err := s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: addr("x")})
		assert.Error(t, err)
		assert.Empty(t, s.SubscribersFor("TypeA"))
	})

	t.Run("remove failure keeps subscription", func(t *testing.T) {
		p := &mockPersister{}
		p.On("Persist", ctx, "TypeA", "x").Return(nil)
		p.On("Remove", ctx, "TypeA", "x").Return(errors.New("io"))
		s := NewStore(WithPersister(p))

		require.NoError(t, s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: addr("x")}))
		assert.Error(t, s.Unsubscribe(ctx, "TypeA", addr("x")))
		assert.Len(t, s.SubscribersFor("TypeA"), 1)
	})

	t.Run("load seeds the store", func(t *testing.T) {
		mem := NewMemoryPersister()
		require.NoError(t, mem.Persist(ctx, Subscription{MessageType: "TypeA", Address: addr("x")}))
		require.NoError(t, mem.Persist(ctx, Subscription{MessageType: "TypeB", Address: addr("y")}))

		s := NewStore(WithPersister(mem))
		require.NoError(t, s.Load(ctx))

		assert.Len(t, s.Subscriptions(), 2)
		assert.Equal(t, []string{"y"}, addrStrings(s.SubscribersFor("TypeB")))
	})

	t.Run("load failure is returned", func(t *testing.T) {
		p := &mockPersister{}
		p.On("LoadAll", ctx).Return(nil, errors.New("corrupt"))
		s := NewStore(WithPersister(p))
		assert.Error(t, s.Load(ctx))
	})
}

func TestStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			a := addr(fmt.Sprintf("sub%d", i))
			_ = s.Subscribe(ctx, Subscription{MessageType: "TypeA", Address: a})
		}(i)
		go func() {
			defer wg.Done()
			_ = s.SubscribersFor("TypeA")
		}()
	}
	wg.Wait()

	assert.Len(t, s.SubscribersFor("TypeA"), 20)
}
