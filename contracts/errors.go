package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnresolvableDestination is returned when an address, endpoint name or message
	// type cannot be mapped to a physical address.
	ErrUnresolvableDestination = errors.New("unresolvable destination")
	// ErrNoCurrentMessage is returned by operations that need an inbound message
	// (Reply, Return, forwarding, pipeline control) outside of message handling.
	ErrNoCurrentMessage = errors.New("no current message")
	// ErrInvalidReturnType is returned when Return is given something other than an
	// integer or integer-based enum.
	ErrInvalidReturnType = errors.New("return value must be an integer or enum")
	// ErrInvalidSubscription is returned for subscriptions with an empty type or address.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrUnknownMessageType is returned when a type name or value is not registered.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// HandlerError reports a handler failure during dispatch
type HandlerError struct {
	MessageID   string
	MessageType string
	Handler     int
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %d failed for message %s (%s): %v", e.Handler, e.MessageID, e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// SchedulingError reports that a deferred message could not be persisted
type SchedulingError struct {
	Op        string
	MessageID string
	DueTime   time.Time
	Err       error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("%s: message %s due %s: %v", e.Op, e.MessageID, e.DueTime.Format(time.RFC3339), e.Err)
}

func (e *SchedulingError) Unwrap() error {
	return e.Err
}

// IsHandlerFailure reports whether err was raised by a message handler
func IsHandlerFailure(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}

// IsSchedulingFailure reports whether err came from deferred message persistence
func IsSchedulingFailure(err error) bool {
	var se *SchedulingError
	return errors.As(err, &se)
}
