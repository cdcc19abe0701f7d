package serialization

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type OrderEvent interface {
	OrderID() string
}

type AuditBase struct {
	User string `json:"user"`
}

type OrderPlaced struct {
	AuditBase
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

func (o *OrderPlaced) OrderID() string { return o.ID }

type OrderCancelled struct {
	ID string `json:"id"`
}

func (o OrderCancelled) OrderID() string { return o.ID }

type Unrelated struct {
	Note string `json:"note"`
}

func newOrderRegistry(t *testing.T) *TypeRegistry {
	t.Helper()
	r := NewTypeRegistry()
	require.NoError(t, r.Register("orders.OrderPlaced", OrderPlaced{}))
	require.NoError(t, r.Register("orders.OrderCancelled", &OrderCancelled{}))
	require.NoError(t, r.Register("audit.AuditBase", AuditBase{}))
	require.NoError(t, r.Register("misc.Unrelated", Unrelated{}))
	require.NoError(t, RegisterInterface[OrderEvent](r, "orders.OrderEvent"))
	return r
}

func TestTypeRegistry(t *testing.T) {
	t.Run("built-in types are registered", func(t *testing.T) {
		r := NewTypeRegistry()
		assert.True(t, r.IsRegistered(contracts.CompletionMessageType))
		assert.True(t, r.IsRegistered(contracts.SubscriptionRequestType))
	})

	t.Run("rejects empty type name", func(t *testing.T) {
		r := NewTypeRegistry()
		err := r.Register("", OrderPlaced{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "type name cannot be empty")
	})

	t.Run("rejects non-struct types", func(t *testing.T) {
		r := NewTypeRegistry()
		assert.Error(t, r.Register("n", 42))
	})

	t.Run("same registration twice is a no-op", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.Register("OrderPlaced", OrderPlaced{}))
		assert.NoError(t, r.Register("OrderPlaced", &OrderPlaced{}))
	})

	t.Run("rejects conflicting registration", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.Register("OrderPlaced", OrderPlaced{}))
		assert.Error(t, r.Register("OrderPlaced", Unrelated{}))
		assert.Error(t, r.Register("Other", OrderPlaced{}))
	})

	t.Run("RegisterType uses package qualified name", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.RegisterType(&Unrelated{}))

		name, err := r.NameOf(Unrelated{})
		require.NoError(t, err)
		assert.Equal(t, reflect.TypeOf(Unrelated{}).PkgPath()+".Unrelated", name)
	})

	t.Run("contracts must be interfaces", func(t *testing.T) {
		r := NewTypeRegistry()
		assert.Error(t, r.RegisterContract("x", reflect.TypeOf(Unrelated{})))
		assert.Error(t, r.RegisterContract("x", nil))
	})

	t.Run("NameOf unknown type", func(t *testing.T) {
		r := NewTypeRegistry()
		_, err := r.NameOf(Unrelated{})
		assert.ErrorIs(t, err, contracts.ErrUnknownMessageType)
	})

	t.Run("NameOfType resolves structs pointers and contracts", func(t *testing.T) {
		r := newOrderRegistry(t)

		name, err := r.NameOfType(reflect.TypeOf(&OrderPlaced{}))
		require.NoError(t, err)
		assert.Equal(t, "orders.OrderPlaced", name)

		name, err = r.NameOfType(reflect.TypeOf((*OrderEvent)(nil)).Elem())
		require.NoError(t, err)
		assert.Equal(t, "orders.OrderEvent", name)

		_, err = r.NameOfType(reflect.TypeOf(42))
		assert.ErrorIs(t, err, contracts.ErrUnknownMessageType)
	})

	t.Run("New returns pointer and refuses contracts", func(t *testing.T) {
		r := newOrderRegistry(t)

		instance, err := r.New("orders.OrderPlaced")
		require.NoError(t, err)
		assert.IsType(t, &OrderPlaced{}, instance)

		_, err = r.New("orders.OrderEvent")
		assert.ErrorIs(t, err, contracts.ErrUnknownMessageType)
	})
}

func TestTypeRegistryHierarchy(t *testing.T) {
	r := newOrderRegistry(t)

	t.Run("pointer receiver interface and embedded struct", func(t *testing.T) {
		assert.Equal(t,
			[]string{"orders.OrderPlaced", "audit.AuditBase", "orders.OrderEvent"},
			r.Hierarchy("orders.OrderPlaced"))
	})

	t.Run("value receiver interface", func(t *testing.T) {
		assert.Equal(t,
			[]string{"orders.OrderCancelled", "orders.OrderEvent"},
			r.Hierarchy("orders.OrderCancelled"))
	})

	t.Run("unrelated type has no supertypes", func(t *testing.T) {
		assert.Equal(t, []string{"misc.Unrelated"}, r.Hierarchy("misc.Unrelated"))
	})

	t.Run("unknown name yields itself", func(t *testing.T) {
		assert.Equal(t, []string{"nope"}, r.Hierarchy("nope"))
	})

	t.Run("cache is invalidated by new registrations", func(t *testing.T) {
		local := newOrderRegistry(t)
		before := local.Hierarchy("misc.Unrelated")
		require.NoError(t, RegisterInterface[interface{}](local, "all"))

		assert.Equal(t, []string{"misc.Unrelated"}, before)
		assert.Equal(t, []string{"misc.Unrelated", "all"}, local.Hierarchy("misc.Unrelated"))
	})

	t.Run("returned slice is a copy", func(t *testing.T) {
		h := r.Hierarchy("orders.OrderCancelled")
		h[0] = "changed"
		assert.Equal(t, "orders.OrderCancelled", r.Hierarchy("orders.OrderCancelled")[0])
	})
}

func TestTypeRegistryEncoding(t *testing.T) {
	r := newOrderRegistry(t)

	t.Run("encode and decode", func(t *testing.T) {
		name, body, err := r.Encode(&OrderPlaced{ID: "o-1", Amount: 9.5, AuditBase: AuditBase{User: "u"}})
		require.NoError(t, err)
		assert.Equal(t, "orders.OrderPlaced", name)

		decoded, err := r.Decode(name, body)
		require.NoError(t, err)
		order := decoded.(*OrderPlaced)
		assert.Equal(t, "o-1", order.ID)
		assert.Equal(t, "u", order.User)
	})

	t.Run("decode empty body gives zero value", func(t *testing.T) {
		decoded, err := r.Decode("misc.Unrelated", nil)
		require.NoError(t, err)
		assert.Equal(t, &Unrelated{}, decoded)
	})

	t.Run("decode invalid body", func(t *testing.T) {
		_, err := r.Decode("misc.Unrelated", json.RawMessage(`[`))
		assert.Error(t, err)
	})

	t.Run("encode unregistered", func(t *testing.T) {
		_, _, err := r.Encode(struct{ A int }{1})
		assert.ErrorIs(t, err, contracts.ErrUnknownMessageType)
	})
}
