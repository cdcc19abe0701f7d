package contracts

import (
	"encoding/json"
	"time"
)

// Intent describes why an envelope was sent
type Intent string

const (
	IntentSend        Intent = "Send"
	IntentPublish     Intent = "Publish"
	IntentReply       Intent = "Reply"
	IntentSubscribe   Intent = "Subscribe"
	IntentUnsubscribe Intent = "Unsubscribe"
)

// IsControl reports whether the intent carries subscription management rather than
// an application message.
func (i Intent) IsControl() bool {
	return i == IntentSubscribe || i == IntentUnsubscribe
}

// Well-known header keys
const (
	HeaderOriginatingEndpoint = "mmate.originating.endpoint"
	HeaderOriginatingAddress  = "mmate.originating.address"
	HeaderSubscriptionType    = "mmate.subscription.type"
	HeaderReturnCode          = "mmate.return.code"
	HeaderDestinationSites    = "mmate.destination.sites"
	HeaderFailureReason       = "mmate.failure.reason"
	HeaderFailureAttempts     = "mmate.failure.attempts"
	HeaderDeferredUntil       = "mmate.deferred.until"
)

// Envelope wraps a message body with its routing metadata
type Envelope struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Intent           Intent            `json:"intent"`
	Timestamp        time.Time         `json:"timestamp"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	ReplyTo          string            `json:"replyTo,omitempty"`
	TimeToBeReceived time.Duration     `json:"timeToBeReceived,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             json.RawMessage   `json:"body,omitempty"`
}

// Header returns the value of a header, or an empty string.
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// ExpiresAt returns the instant after which the envelope should be discarded.
// The second result is false when the envelope never expires.
func (e *Envelope) ExpiresAt() (time.Time, bool) {
	if e.TimeToBeReceived <= 0 || e.Timestamp.IsZero() {
		return time.Time{}, false
	}
	return e.Timestamp.Add(e.TimeToBeReceived), true
}

// Expired reports whether the envelope's time-to-be-received has elapsed at now.
func (e *Envelope) Expired(now time.Time) bool {
	at, ok := e.ExpiresAt()
	return ok && now.After(at)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	if e.Body != nil {
		c.Body = append(json.RawMessage(nil), e.Body...)
	}
	return &c
}

// Marshal encodes the envelope for a transport body.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope produced by Marshal.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
