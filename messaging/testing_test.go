package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type Greeting interface {
	Greeting() string
}

type Ping struct {
	Text string `json:"text"`
}

func (p *Ping) Greeting() string { return p.Text }

type PriorityPing struct {
	Ping
	Priority int `json:"priority"`
}

type Pong struct {
	Text string `json:"text"`
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, destination contracts.Address, envelope *contracts.Envelope) error {
	return m.Called(ctx, destination, envelope).Error(0)
}

func (m *mockTransport) Receive(ctx context.Context) (Delivery, error) {
	args := m.Called(ctx)
	d, _ := args.Get(0).(Delivery)
	return d, args.Error(1)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

func newTestRegistry(t *testing.T) *serialization.TypeRegistry {
	t.Helper()
	r := serialization.NewTypeRegistry()
	require.NoError(t, r.Register("test.Ping", Ping{}))
	require.NoError(t, r.Register("test.Pong", Pong{}))
	require.NoError(t, serialization.RegisterInterface[Greeting](r, "test.Greeting"))
	return r
}

func pingEnvelope(t *testing.T, text string) *contracts.Envelope {
	t.Helper()
	body, err := json.Marshal(Ping{Text: text})
	require.NoError(t, err)
	return &contracts.Envelope{
		ID:      "msg-1",
		Type:    "test.Ping",
		Intent:  contracts.IntentSend,
		ReplyTo: "caller",
		Headers: map[string]string{"h1": "v1", "h2": "v2"},
		Body:    body,
	}
}
