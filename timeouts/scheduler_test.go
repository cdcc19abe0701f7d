package timeouts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPersister struct {
	mock.Mock
}

func (m *mockPersister) Store(ctx context.Context, entry Entry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockPersister) NextDueChunk(ctx context.Context, endpoint string, upperBound time.Time) ([]Entry, time.Time, error) {
	args := m.Called(ctx, endpoint, upperBound)
	entries, _ := args.Get(0).([]Entry)
	return entries, args.Get(1).(time.Time), args.Error(2)
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func envelope(id string) *contracts.Envelope {
	return &contracts.Envelope{ID: id, Type: "Wakeup", Headers: map[string]string{"k": "v"}}
}

func TestSchedulerPollDue(t *testing.T) {
	ctx := context.Background()
	dest := contracts.MustParseAddress("self")

	t.Run("defer at 100 for 5s wakes at 105", func(t *testing.T) {
		s := NewScheduler("ep", NewMemoryPersister())
		require.NoError(t, s.Defer(ctx, envelope("w"), dest, at(100).Add(5*time.Second)))

		entries, next, err := s.PollDue(ctx, at(104), 10*time.Second)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.Equal(t, at(105), next)

		entries, _, err = s.PollDue(ctx, at(105), 10*time.Second)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "w", entries[0].Envelope.ID)
		assert.Equal(t, dest, entries[0].Destination)
	})

	t.Run("entries are returned once", func(t *testing.T) {
		s := NewScheduler("ep", NewMemoryPersister())
		require.NoError(t, s.Defer(ctx, envelope("w"), dest, at(10)))

		entries, _, err := s.PollDue(ctx, at(10), time.Second)
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		entries, _, err = s.PollDue(ctx, at(20), time.Second)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("due entries come back ordered", func(t *testing.T) {
		s := NewScheduler("ep", NewMemoryPersister())
		require.NoError(t, s.Defer(ctx, envelope("c"), dest, at(30)))
		require.NoError(t, s.Defer(ctx, envelope("a"), dest, at(10)))
		require.NoError(t, s.Defer(ctx, envelope("b"), dest, at(20)))
		require.NoError(t, s.Defer(ctx, envelope("later"), dest, at(500)))

		entries, next, err := s.PollDue(ctx, at(30), time.Hour)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "a", entries[0].Envelope.ID)
		assert.Equal(t, "b", entries[1].Envelope.ID)
		assert.Equal(t, "c", entries[2].Envelope.ID)
		assert.Equal(t, at(500), next)
	})

	t.Run("next wake is capped by horizon", func(t *testing.T) {
		s := NewScheduler("ep", NewMemoryPersister())
		require.NoError(t, s.Defer(ctx, envelope("far"), dest, at(1000)))

		_, next, err := s.PollDue(ctx, at(0), 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, at(30), next)
	})

	t.Run("endpoints are isolated", func(t *testing.T) {
		p := NewMemoryPersister()
		a := NewScheduler("a", p)
		b := NewScheduler("b", p)
		require.NoError(t, a.Defer(ctx, envelope("for-a"), dest, at(1)))

		entries, _, err := b.PollDue(ctx, at(10), time.Second)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.Equal(t, 1, p.Len("a"))
	})

	t.Run("stored envelope is a copy", func(t *testing.T) {
		s := NewScheduler("ep", NewMemoryPersister())
		env := envelope("w")
		require.NoError(t, s.Defer(ctx, env, dest, at(1)))
		env.Headers["k"] = "changed"

		entries, _, err := s.PollDue(ctx, at(1), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "v", entries[0].Envelope.Headers["k"])
	})

	t.Run("persist failure is a scheduling failure", func(t *testing.T) {
		p := &mockPersister{}
		p.On("Store", ctx, mock.Anything).Return(errors.New("disk full"))
		s := NewScheduler("ep", p)

		err := s.Defer(ctx, envelope("w"), dest, at(1))
		require.Error(t, err)
		assert.True(t, contracts.IsSchedulingFailure(err))
	})

	t.Run("poll failure", func(t *testing.T) {
		p := &mockPersister{}
		p.On("NextDueChunk", ctx, "ep", at(5)).Return(nil, time.Time{}, errors.New("io"))
		s := NewScheduler("ep", p)

		_, next, err := s.PollDue(ctx, at(5), time.Second)
		assert.Error(t, err)
		assert.Equal(t, at(6), next)
	})

	t.Run("defer signals wake", func(t *testing.T) {
		s := NewScheduler("ep", NewMemoryPersister())
		require.NoError(t, s.Defer(ctx, envelope("w"), dest, at(1)))
		require.NoError(t, s.Defer(ctx, envelope("x"), dest, at(2)))

		select {
		case <-s.Wake():
		default:
			t.Fatal("expected wake signal")
		}
	})
}

func TestSchedulerDeferBoundary(t *testing.T) {
	ctx := context.Background()
	dest := contracts.MustParseAddress("self")
	submitted := at(1_000)

	for _, delay := range []time.Duration{0, time.Millisecond, time.Second, 90 * time.Minute} {
		s := NewScheduler("ep", NewMemoryPersister())
		require.NoError(t, s.Defer(ctx, envelope("m"), dest, submitted.Add(delay)))

		if delay > 0 {
			entries, _, err := s.PollDue(ctx, submitted.Add(delay-time.Nanosecond), time.Hour)
			require.NoError(t, err)
			assert.Empty(t, entries, "delay %s returned early", delay)
		}

		entries, _, err := s.PollDue(ctx, submitted.Add(delay), time.Hour)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "delay %s not returned at due time", delay)
	}
}
