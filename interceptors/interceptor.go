package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// EnvelopeHandler processes one inbound envelope
type EnvelopeHandler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// EnvelopeHandlerFunc is a function adapter for EnvelopeHandler
type EnvelopeHandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements EnvelopeHandler
func (f EnvelopeHandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// Interceptor wraps the processing of an envelope
type Interceptor interface {
	// Intercept processes an envelope and calls the next handler in the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Execute runs the chain around finalHandler. The context always carries an
// InterceptorContext so interceptors and the final handler can share state.
func (c *InterceptorChain) Execute(ctx context.Context, env *contracts.Envelope, finalHandler EnvelopeHandler) error {
	ctx, _ = EnsureInterceptorContext(ctx)

	if len(c.interceptors) == 0 {
		return finalHandler.Handle(ctx, env)
	}

	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		currentHandler := handler
		handler = EnvelopeHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
			return interceptor.Intercept(ctx, env, currentHandler)
		})
	}

	return handler.Handle(ctx, env)
}

// LoggingInterceptor logs envelope processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", env.ID,
		"messageType", env.Type,
		"intent", env.Intent,
		"correlationId", env.CorrelationID,
	)

	err := next.Handle(ctx, env)
	duration := time.Since(start)

	state := DispatchState(ctx)
	if err != nil && !IsShortCircuit(err) {
		i.logger.Error("message processing failed",
			"messageId", env.ID,
			"messageType", env.Type,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed",
			"messageId", env.ID,
			"messageType", env.Type,
			"state", state,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// MetricsInterceptor collects metrics about envelope processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next EnvelopeHandler) error {
	start := time.Now()

	i.collector.IncrementMessageCount(env.Type)

	err := next.Handle(ctx, env)
	i.collector.RecordProcessingTime(env.Type, time.Since(start))

	switch {
	case err == nil, IsShortCircuit(err):
	case contracts.IsHandlerFailure(err):
		i.collector.IncrementErrorCount(env.Type, "handler_failure")
	default:
		i.collector.IncrementErrorCount(env.Type, "processing_error")
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// ChainBuilder builds a common interceptor chain
type ChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &ChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds the logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds the metrics interceptor
func (b *ChainBuilder) WithMetrics(collector MetricsCollector) *ChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// WithDuplicateDetection adds the duplicate detection interceptor
func (b *ChainBuilder) WithDuplicateDetection(detector DuplicateDetector) *ChainBuilder {
	b.chain.Add(NewDuplicateDetectionInterceptor(detector, b.logger))
	return b
}

// WithCustom adds a custom interceptor
func (b *ChainBuilder) WithCustom(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *ChainBuilder) Build() *InterceptorChain {
	return b.chain
}
