package messaging

import "time"

// SendOptions are the optional fields of a send
type SendOptions struct {
	Destination      string
	CorrelationID    string
	Delay            time.Duration
	DeliverAt        time.Time
	Headers          map[string]string
	TimeToBeReceived time.Duration
}

// SendOption configures a send
type SendOption func(*SendOptions)

// NewSendOptions applies opts to an empty SendOptions
func NewSendOptions(opts ...SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// To sets an explicit destination: a logical endpoint name or an address
func To(destination string) SendOption {
	return func(o *SendOptions) {
		o.Destination = destination
	}
}

// WithCorrelationID sets the correlation id copied into replies
func WithCorrelationID(id string) SendOption {
	return func(o *SendOptions) {
		o.CorrelationID = id
	}
}

// WithDelay delays delivery by d
func WithDelay(d time.Duration) SendOption {
	return func(o *SendOptions) {
		o.Delay = d
	}
}

// DeliverAt delays delivery until t
func DeliverAt(t time.Time) SendOption {
	return func(o *SendOptions) {
		o.DeliverAt = t
	}
}

// WithHeaders adds headers to the outgoing envelope. They override outgoing headers
// collected in the message context.
func WithHeaders(headers map[string]string) SendOption {
	return func(o *SendOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}

// WithTimeToBeReceived discards the message if it is not received within d
func WithTimeToBeReceived(d time.Duration) SendOption {
	return func(o *SendOptions) {
		o.TimeToBeReceived = d
	}
}

// DueTime returns the absolute delivery time, or false for immediate delivery
func (o SendOptions) DueTime(now time.Time) (time.Time, bool) {
	switch {
	case !o.DeliverAt.IsZero():
		return o.DeliverAt, o.DeliverAt.After(now)
	case o.Delay > 0:
		return now.Add(o.Delay), true
	default:
		return time.Time{}, false
	}
}
