package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner bool

func (f fakeRunner) Running() bool { return bool(f) }

type fakeConnection bool

func (f fakeConnection) IsConnected() bool { return bool(f) }

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	t.Run("bus", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewBusChecker(fakeRunner(true)).Check(ctx).Status)
		assert.Equal(t, StatusUnhealthy, NewBusChecker(fakeRunner(false)).Check(ctx).Status)
	})

	t.Run("connection", func(t *testing.T) {
		c := NewConnectionChecker("rabbitmq", fakeConnection(false))
		res := c.Check(ctx)
		assert.Equal(t, "rabbitmq", res.Name)
		assert.Equal(t, StatusUnhealthy, res.Status)
	})

	t.Run("goroutines", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewGoroutineChecker(1_000_000, 2_000_000).Check(ctx).Status)
		assert.Equal(t, StatusUnhealthy, NewGoroutineChecker(0, 0).Check(ctx).Status)
	})

	t.Run("component", func(t *testing.T) {
		c := NewComponentChecker("timeouts", func(ctx context.Context) (Status, string, map[string]interface{}, error) {
			return StatusDegraded, "backlog", map[string]interface{}{"pending": 42}, errors.New("slow")
		})
		res := c.Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Equal(t, "slow", res.Error)
		assert.Equal(t, 42, res.Details["pending"])
	})
}

func TestRegistry(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewBusChecker(fakeRunner(true)))
		r.Register(NewComponentChecker("timeouts", func(ctx context.Context) (Status, string, map[string]interface{}, error) {
			return StatusDegraded, "backlog", nil, nil
		}))

		report := r.Check(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)
		require.Len(t, report.Checks, 2)
		assert.Equal(t, "bus", report.Checks[0].Name)
	})

	t.Run("handler reports unhealthy with 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewBusChecker(fakeRunner(false)))

		rec := httptest.NewRecorder()
		r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusUnhealthy, report.Status)
	})

	t.Run("handler reports healthy with 200", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewBusChecker(fakeRunner(true)))

		rec := httptest.NewRecorder()
		r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
