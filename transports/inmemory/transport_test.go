package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
)

var (
	sales   = contracts.MustParseAddress("sales@node1")
	billing = contracts.MustParseAddress("billing@node1")
)

func envelope(id string) *contracts.Envelope {
	return &contracts.Envelope{ID: id, Type: "test.Ping", Intent: contracts.IntentSend, Timestamp: time.Now().UTC()}
}

func receive(t *testing.T, tr *Transport) messaging.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := tr.Receive(ctx)
	require.NoError(t, err)
	return d
}

func TestTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to the destination queue in order", func(t *testing.T) {
		net := NewNetwork()
		from := net.Transport(sales)
		to := net.Transport(billing)

		require.NoError(t, from.Send(ctx, billing, envelope("m-1")))
		require.NoError(t, from.Send(ctx, billing, envelope("m-2")))

		assert.Equal(t, "m-1", receive(t, to).Envelope().ID)
		assert.Equal(t, "m-2", receive(t, to).Envelope().ID)
		assert.Empty(t, net.Pending(sales))
	})

	t.Run("sends a copy", func(t *testing.T) {
		net := NewNetwork()
		tr := net.Transport(sales)
		env := envelope("m-1")
		require.NoError(t, tr.Send(ctx, sales, env))
		env.SetHeader("late", "change")

		assert.Empty(t, receive(t, tr).Envelope().Header("late"))
	})

	t.Run("receive waits for a send", func(t *testing.T) {
		net := NewNetwork()
		tr := net.Transport(sales)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = net.Transport(billing).Send(ctx, sales, envelope("late"))
		}()

		assert.Equal(t, "late", receive(t, tr).Envelope().ID)
	})

	t.Run("receive honours context", func(t *testing.T) {
		tr := NewNetwork().Transport(sales)
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := tr.Receive(cctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("close unblocks receive and rejects sends", func(t *testing.T) {
		tr := NewNetwork().Transport(sales)
		errs := make(chan error, 1)
		go func() {
			_, err := tr.Receive(ctx)
			errs <- err
		}()

		require.NoError(t, tr.Close())
		require.NoError(t, tr.Close())
		assert.ErrorIs(t, <-errs, messaging.ErrTransportClosed)
		assert.ErrorIs(t, tr.Send(ctx, billing, envelope("x")), messaging.ErrTransportClosed)
	})
}

func TestReject(t *testing.T) {
	ctx := context.Background()

	t.Run("requeues until the poison policy gives up", func(t *testing.T) {
		net := NewNetwork(WithPoisonPolicy(reliability.PoisonPolicy{MaxAttempts: 3}))
		tr := net.Transport(sales)
		require.NoError(t, tr.Send(ctx, sales, envelope("m-1")))

		for i := 0; i < 2; i++ {
			d := receive(t, tr)
			assert.Equal(t, "m-1", d.Envelope().ID)
			require.NoError(t, d.Reject(errors.New("boom")))
		}
		require.NoError(t, receive(t, tr).Reject(errors.New("final")))

		assert.Empty(t, net.Pending(sales))
		failed := net.Failed(sales)
		require.Len(t, failed, 1)
		assert.Equal(t, "m-1", failed[0].ID)
		assert.Equal(t, "final", failed[0].Header(contracts.HeaderFailureReason))
		assert.Equal(t, 3, reliability.Attempts(failed[0]))
	})

	t.Run("second outcome is ignored", func(t *testing.T) {
		net := NewNetwork()
		tr := net.Transport(sales)
		require.NoError(t, tr.Send(ctx, sales, envelope("m-1")))

		d := receive(t, tr)
		require.NoError(t, d.Ack())
		require.NoError(t, d.Reject(errors.New("late")))
		assert.Empty(t, net.Pending(sales))
		assert.Empty(t, net.Failed(sales))
	})
}

func TestErrorAddress(t *testing.T) {
	assert.Equal(t, "sales.error@node1", ErrorAddress(sales).String())
}
