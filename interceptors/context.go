package interceptors

import (
	"context"
	"sync"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	// InterceptorContextKey is the key for storing interceptor context
	InterceptorContextKey contextKey = "mmate:interceptor:context"

	// DispatchStateKey holds the final pipeline state of the envelope, set by the bus
	// after dispatch ("completed", "deferred", "forwarded", "failed")
	DispatchStateKey = "mmate.dispatch.state"
)

// InterceptorContext holds shared data between interceptors
type InterceptorContext struct {
	values map[string]interface{}
	mu     sync.RWMutex
}

// NewInterceptorContext creates a new interceptor context
func NewInterceptorContext() *InterceptorContext {
	return &InterceptorContext{
		values: make(map[string]interface{}),
	}
}

// Set stores a value in the interceptor context
func (ic *InterceptorContext) Set(key string, value interface{}) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.values[key] = value
}

// Get retrieves a value from the interceptor context
func (ic *InterceptorContext) Get(key string) (interface{}, bool) {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	value, exists := ic.values[key]
	return value, exists
}

// GetString retrieves a string value from the interceptor context
func (ic *InterceptorContext) GetString(key string) (string, bool) {
	value, exists := ic.Get(key)
	if !exists {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetInterceptorContext retrieves the interceptor context from the context
func GetInterceptorContext(ctx context.Context) (*InterceptorContext, bool) {
	ic, ok := ctx.Value(InterceptorContextKey).(*InterceptorContext)
	return ic, ok && ic != nil
}

// WithInterceptorContext adds the interceptor context to the context
func WithInterceptorContext(ctx context.Context, ic *InterceptorContext) context.Context {
	return context.WithValue(ctx, InterceptorContextKey, ic)
}

// EnsureInterceptorContext ensures an interceptor context exists in the context
func EnsureInterceptorContext(ctx context.Context) (context.Context, *InterceptorContext) {
	ic, exists := GetInterceptorContext(ctx)
	if !exists {
		ic = NewInterceptorContext()
		ctx = WithInterceptorContext(ctx, ic)
	}
	return ctx, ic
}

// SetDispatchState records the pipeline state: dispatching while handlers run, then
// the outcome for interceptors further out
func SetDispatchState(ctx context.Context, state string) {
	if ic, ok := GetInterceptorContext(ctx); ok {
		ic.Set(DispatchStateKey, state)
	}
}

// DispatchState returns the recorded pipeline state, or an empty string
func DispatchState(ctx context.Context) string {
	ic, ok := GetInterceptorContext(ctx)
	if !ok {
		return ""
	}
	state, _ := ic.GetString(DispatchStateKey)
	return state
}
