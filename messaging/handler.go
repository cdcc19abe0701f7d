package messaging

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// ErrUnexpectedMessage is returned by typed handlers given a message of another type
var ErrUnexpectedMessage = errors.New("unexpected message type")

// Handler processes decoded messages
type Handler interface {
	Handle(ctx context.Context, msg interface{}) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg interface{}) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg interface{}) error {
	return f(ctx, msg)
}

// TypedHandler adapts a function taking T. Messages are decoded as pointers, so T is
// either a pointer to a message struct or a contract interface. A message that embeds
// the struct T points to is passed as its embedded part.
func TypedHandler[T any](fn func(ctx context.Context, msg T) error) Handler {
	target := reflect.TypeOf((*T)(nil)).Elem()
	return HandlerFunc(func(ctx context.Context, msg interface{}) error {
		if typed, ok := msg.(T); ok {
			return fn(ctx, typed)
		}
		if base, ok := embeddedAs(reflect.ValueOf(msg), target); ok {
			if typed, ok := base.Interface().(T); ok {
				return fn(ctx, typed)
			}
		}
		var zero T
		return fmt.Errorf("%w: expected %T, got %T", ErrUnexpectedMessage, zero, msg)
	})
}

// embeddedAs finds the embedded field of v whose address, or pointer value, has type
// target. Embedded structs are searched depth first.
func embeddedAs(v reflect.Value, target reflect.Type) (reflect.Value, bool) {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}

	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		if !field.Anonymous || !field.IsExported() {
			continue
		}
		fv := v.Field(i)

		switch {
		case field.Type.Kind() == reflect.Struct && reflect.PointerTo(field.Type) == target && fv.CanAddr():
			return fv.Addr(), true
		case field.Type == target && field.Type.Kind() == reflect.Pointer && !fv.IsNil():
			return fv, true
		}
		if found, ok := embeddedAs(fv, target); ok {
			return found, true
		}
	}
	return reflect.Value{}, false
}
