package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
)

func TestSubjects(t *testing.T) {
	tests := []struct {
		address string
		subject string
		errSubj string
		group   string
	}{
		{"billing", "mmate.billing", "mmate.billing.error", "billing"},
		{"billing@node1", "mmate.billing", "mmate.billing.error", "billing"},
		{"orders.eu", "mmate.orders.eu", "mmate.orders.eu.error", "orders.eu"},
		{"a*b>c", "mmate.a_b_c", "mmate.a_b_c.error", "a_b_c"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			addr := contracts.MustParseAddress(tt.address)
			assert.Equal(t, tt.subject, Subject(addr))
			assert.Equal(t, tt.errSubj, ErrorSubject(addr))
			assert.Equal(t, tt.group, QueueGroup(addr))
		})
	}

	assert.Equal(t, "mmate", QueueGroup(contracts.Address{}))
}

func TestToMsg(t *testing.T) {
	env := &contracts.Envelope{
		ID:        "m-1",
		Type:      "test.Ping",
		Intent:    contracts.IntentPublish,
		Timestamp: time.Now().UTC(),
		Body:      []byte(`{"n":1}`),
	}

	t.Run("first attempt carries no attempts header", func(t *testing.T) {
		msg, err := toMsg("mmate.billing", env, 0)
		require.NoError(t, err)
		assert.Equal(t, "mmate.billing", msg.Subject)
		assert.Equal(t, "m-1", msg.Header.Get(MessageIDHeader))
		assert.Empty(t, msg.Header.Get(AttemptsHeader))
		assert.Equal(t, 0, attemptsOf(msg))

		decoded, err := contracts.UnmarshalEnvelope(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, contracts.IntentPublish, decoded.Intent)
	})

	t.Run("redelivery carries attempts", func(t *testing.T) {
		msg, err := toMsg("mmate.billing", env, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, attemptsOf(msg))
	})

	t.Run("missing or bad header counts as zero", func(t *testing.T) {
		assert.Equal(t, 0, attemptsOf(&nats.Msg{}))
		msg := nats.NewMsg("x")
		msg.Header.Set(AttemptsHeader, "many")
		assert.Equal(t, 0, attemptsOf(msg))
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Len(t, cfg.options(), 3)

	cfg.Name = "billing"
	cfg.Token = "t"
	cfg.User = "u"
	assert.Len(t, cfg.options(), 6)
}
