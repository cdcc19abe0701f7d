package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, env *contracts.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) IncrementMessageCount(messageType string) {
	m.Called(messageType)
}

func (m *mockMetricsCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	m.Called(messageType, duration)
}

func (m *mockMetricsCollector) IncrementErrorCount(messageType string, errorType string) {
	m.Called(messageType, errorType)
}

func testEnvelope() *contracts.Envelope {
	return &contracts.Envelope{ID: "msg-1", Type: "test.Ping", Intent: contracts.IntentSend}
}

func TestInterceptorChain(t *testing.T) {
	t.Run("NewInterceptorChain creates empty chain", func(t *testing.T) {
		logger := slog.Default()
		chain := NewInterceptorChain(logger)

		assert.Equal(t, logger, chain.logger)
		assert.Equal(t, 0, chain.Len())
	})

	t.Run("empty chain calls final handler with interceptor context", func(t *testing.T) {
		chain := NewInterceptorChain(nil)
		handler := &mockHandler{}
		env := testEnvelope()

		handler.On("Handle", mock.MatchedBy(func(ctx context.Context) bool {
			_, ok := GetInterceptorContext(ctx)
			return ok
		}), env).Return(nil)

		require.NoError(t, chain.Execute(context.Background(), env, handler))
		handler.AssertExpectations(t)
	})

	t.Run("interceptors run in order added", func(t *testing.T) {
		var order []string
		record := func(name string) Interceptor {
			return NewInterceptorFunc(name, func(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error {
				order = append(order, name+":before")
				err := next.Handle(ctx, env)
				order = append(order, name+":after")
				return err
			})
		}

		chain := NewInterceptorChain(nil).Add(record("outer")).Add(record("inner"))
		final := EnvelopeHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			order = append(order, "handler")
			return nil
		})

		require.NoError(t, chain.Execute(context.Background(), testEnvelope(), final))
		assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
	})

	t.Run("errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		chain := NewInterceptorChain(nil).Add(NewLoggingInterceptor(nil))
		final := EnvelopeHandlerFunc(func(context.Context, *contracts.Envelope) error { return boom })

		assert.ErrorIs(t, chain.Execute(context.Background(), testEnvelope(), final), boom)
	})

	t.Run("final handler state visible to interceptors", func(t *testing.T) {
		var seen string
		chain := NewInterceptorChain(nil).Add(NewInterceptorFunc("probe", func(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error {
			err := next.Handle(ctx, env)
			seen = DispatchState(ctx)
			return err
		}))
		final := EnvelopeHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			SetDispatchState(ctx, "forwarded")
			return nil
		})

		require.NoError(t, chain.Execute(context.Background(), testEnvelope(), final))
		assert.Equal(t, "forwarded", seen)
	})
}

func TestMetricsInterceptor(t *testing.T) {
	t.Run("records success", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "test.Ping").Return()
		collector.On("RecordProcessingTime", "test.Ping", mock.AnythingOfType("time.Duration")).Return()

		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(nil)

		err := NewMetricsInterceptor(collector).Intercept(context.Background(), testEnvelope(), handler)
		require.NoError(t, err)
		collector.AssertExpectations(t)
		collector.AssertNotCalled(t, "IncrementErrorCount", mock.Anything, mock.Anything)
	})

	t.Run("classifies handler failures", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "test.Ping").Return()
		collector.On("RecordProcessingTime", "test.Ping", mock.Anything).Return()
		collector.On("IncrementErrorCount", "test.Ping", "handler_failure").Return()

		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(&contracts.HandlerError{Err: errors.New("x")})

		err := NewMetricsInterceptor(collector).Intercept(context.Background(), testEnvelope(), handler)
		assert.Error(t, err)
		collector.AssertExpectations(t)
	})

	t.Run("other failures", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("IncrementMessageCount", "test.Ping").Return()
		collector.On("RecordProcessingTime", "test.Ping", mock.Anything).Return()
		collector.On("IncrementErrorCount", "test.Ping", "processing_error").Return()

		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, mock.Anything).Return(errors.New("decode"))

		_ = NewMetricsInterceptor(collector).Intercept(context.Background(), testEnvelope(), handler)
		collector.AssertExpectations(t)
	})
}

func TestChainBuilder(t *testing.T) {
	detector, err := NewLRUDuplicateDetector(10)
	require.NoError(t, err)

	chain := NewChainBuilder(nil).
		WithLogging().
		WithMetrics(&mockMetricsCollector{}).
		WithDuplicateDetection(detector).
		WithCustom(NewInterceptorFunc("noop", func(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error {
			return next.Handle(ctx, env)
		})).
		Build()

	assert.Equal(t, 4, chain.Len())
	assert.Equal(t, "LoggingInterceptor", chain.interceptors[0].Name())
	assert.Equal(t, "noop", chain.interceptors[3].Name())
}
