package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/google/uuid"
)

// Correlator builds outgoing envelopes with ids, correlation and reply addresses
type Correlator struct {
	endpoint string
	local    contracts.Address
	clock    clock.Clock
	newID    func() string
}

// CorrelatorOption configures a Correlator
type CorrelatorOption func(*Correlator)

// WithCorrelatorClock sets the clock used for envelope timestamps
func WithCorrelatorClock(c clock.Clock) CorrelatorOption {
	return func(cr *Correlator) {
		cr.clock = c
	}
}

// WithIDGenerator replaces the uuid message id generator
func WithIDGenerator(gen func() string) CorrelatorOption {
	return func(cr *Correlator) {
		cr.newID = gen
	}
}

// NewCorrelator creates a correlator for the endpoint listening on local
func NewCorrelator(endpoint string, local contracts.Address, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		endpoint: endpoint,
		local:    local,
		clock:    clock.New(),
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Local returns the address replies are sent back to
func (c *Correlator) Local() contracts.Address {
	return c.local
}

// NewEnvelope creates an outgoing envelope. The correlation id is only set when
// given in opts; the message context in ctx contributes its outgoing headers.
func (c *Correlator) NewEnvelope(ctx context.Context, intent contracts.Intent, typeName string, body json.RawMessage, opts SendOptions) *contracts.Envelope {
	env := &contracts.Envelope{
		ID:               c.newID(),
		Type:             typeName,
		Intent:           intent,
		Timestamp:        c.clock.Now().UTC(),
		CorrelationID:    opts.CorrelationID,
		ReplyTo:          c.local.String(),
		TimeToBeReceived: opts.TimeToBeReceived,
		Body:             body,
		Headers: map[string]string{
			contracts.HeaderOriginatingEndpoint: c.endpoint,
			contracts.HeaderOriginatingAddress:  c.local.String(),
		},
	}

	if mc, ok := MessageContextFrom(ctx); ok {
		for k, v := range mc.OutgoingHeaders() {
			env.Headers[k] = v
		}
	}
	for k, v := range opts.Headers {
		env.Headers[k] = v
	}
	return env
}

// ReplyEnvelope creates a reply to the message handled in ctx and returns it with
// the requester's address
func (c *Correlator) ReplyEnvelope(ctx context.Context, typeName string, body json.RawMessage, opts SendOptions) (*contracts.Envelope, contracts.Address, error) {
	mc, ok := MessageContextFrom(ctx)
	if !ok {
		return nil, contracts.Address{}, contracts.ErrNoCurrentMessage
	}

	current := mc.Envelope()
	if current.ReplyTo == "" {
		return nil, contracts.Address{}, fmt.Errorf("%w: message %s has no reply address", contracts.ErrNoCurrentMessage, current.ID)
	}

	dest, err := contracts.ParseAddress(current.ReplyTo)
	if err != nil {
		return nil, contracts.Address{}, err
	}

	opts.CorrelationID = current.CorrelationID
	if opts.CorrelationID == "" {
		opts.CorrelationID = current.ID
	}

	return c.NewEnvelope(ctx, contracts.IntentReply, typeName, body, opts), dest, nil
}

// ReturnEnvelope creates a completion reply carrying code
func (c *Correlator) ReturnEnvelope(ctx context.Context, code interface{}) (*contracts.Envelope, contracts.Address, error) {
	n, err := ReturnCode(code)
	if err != nil {
		return nil, contracts.Address{}, err
	}

	body, err := json.Marshal(contracts.CompletionMessage{ReturnCode: n})
	if err != nil {
		return nil, contracts.Address{}, err
	}

	env, dest, err := c.ReplyEnvelope(ctx, contracts.CompletionMessageType, body, SendOptions{})
	if err != nil {
		return nil, contracts.Address{}, err
	}
	env.SetHeader(contracts.HeaderReturnCode, strconv.FormatInt(n, 10))
	return env, dest, nil
}

// ReturnCode converts an integer or integer-based enum to a completion code
func ReturnCode(code interface{}) (int64, error) {
	if code == nil {
		return 0, contracts.ErrInvalidReturnType
	}

	v := reflect.ValueOf(code)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", contracts.ErrInvalidReturnType, u)
		}
		return int64(u), nil
	default:
		return 0, fmt.Errorf("%w: got %T", contracts.ErrInvalidReturnType, code)
	}
}
