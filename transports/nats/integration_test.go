//go:build integration
// +build integration

package nats

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
)

func TestTransportIntegration(t *testing.T) {
	cfg := DefaultConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	input := contracts.Address{Queue: "it-" + uuid.NewString()[:8]}
	tr, err := NewTransport(cfg, input, WithPoisonPolicy(reliability.PoisonPolicy{MaxAttempts: 2}))
	require.NoError(t, err)
	defer tr.Close()

	conn, err := nats.Connect(cfg.URL)
	require.NoError(t, err)
	defer conn.Close()
	errSub, err := conn.SubscribeSync(ErrorSubject(input))
	require.NoError(t, err)

	env := &contracts.Envelope{ID: uuid.NewString(), Type: "it.Ping", Intent: contracts.IntentSend, Timestamp: time.Now().UTC()}
	require.NoError(t, tr.Send(ctx, input, env))

	d, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.ID, d.Envelope().ID)
	require.NoError(t, d.Reject(errors.New("first")))

	d, err = tr.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Reject(errors.New("second")))

	msg, err := errSub.NextMsgWithContext(ctx)
	require.NoError(t, err)
	failed, err := contracts.UnmarshalEnvelope(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, failed.ID)
	assert.Equal(t, "second", failed.Header(contracts.HeaderFailureReason))
}
