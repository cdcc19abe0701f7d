// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/subscriptions"
)

// Send delivers msg to one endpoint: the explicit To destination, else the route
// configured for its type or one of its supertypes. With WithDelay or DeliverAt the
// message goes through the timeout scheduler.
func (b *Bus) Send(ctx context.Context, msg interface{}, opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	typeName, body, err := b.registry.Encode(msg)
	if err != nil {
		return nil, err
	}

	o := messaging.NewSendOptions(opts...)
	dest, err := b.destinationFor(typeName, o)
	if err != nil {
		return nil, err
	}
	return b.sendTo(ctx, contracts.IntentSend, typeName, body, []contracts.Address{dest}, o)
}

// SendLocal delivers msg to this endpoint's own input queue
func (b *Bus) SendLocal(ctx context.Context, msg interface{}, opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	typeName, body, err := b.registry.Encode(msg)
	if err != nil {
		return nil, err
	}
	return b.sendTo(ctx, contracts.IntentSend, typeName, body, []contracts.Address{b.resolver.Local()}, messaging.NewSendOptions(opts...))
}

// SendNew creates a T, lets init fill it in, then sends it
func SendNew[T any](ctx context.Context, b *Bus, init func(*T), opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	msg := new(T)
	if init != nil {
		init(msg)
	}
	return b.Send(ctx, msg, opts...)
}

// Publish delivers msg to every address subscribed to its type or a supertype. Every
// subscriber receives the same message id. Publishing without subscribers succeeds
// with a handle that has no destinations.
func (b *Bus) Publish(ctx context.Context, msg interface{}, opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	typeName, body, err := b.registry.Encode(msg)
	if err != nil {
		return nil, err
	}

	o := messaging.NewSendOptions(opts...)
	subscribers := b.store.MatchingSubscribers(typeName, msg)
	if len(subscribers) == 0 {
		env := b.correlator.NewEnvelope(ctx, contracts.IntentPublish, typeName, body, o)
		b.logger.Debug("no subscribers for published message", "messageType", typeName, "messageId", env.ID)
		return messaging.UntrackedHandle(env, nil), nil
	}
	return b.sendTo(ctx, contracts.IntentPublish, typeName, body, subscribers, o)
}

// PublishNew creates a T, lets init fill it in, then publishes it
func PublishNew[T any](ctx context.Context, b *Bus, init func(*T), opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	msg := new(T)
	if init != nil {
		init(msg)
	}
	return b.Publish(ctx, msg, opts...)
}

// PublishType publishes a zero instance of the registered message type typeName
func (b *Bus) PublishType(ctx context.Context, typeName string, opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	msg, err := b.registry.New(typeName)
	if err != nil {
		return nil, err
	}
	return b.Publish(ctx, msg, opts...)
}

// Defer delivers msg after delay, to this endpoint unless To names another one. A
// delay that is not positive sends immediately.
func (b *Bus) Defer(ctx context.Context, delay time.Duration, msg interface{}, opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	o := messaging.NewSendOptions(opts...)
	o.Delay = delay
	o.DeliverAt = time.Time{}
	return b.deferSend(ctx, msg, o)
}

// DeferUntil delivers msg at the given time, to this endpoint unless To names another
// one. A time that is not in the future sends immediately.
func (b *Bus) DeferUntil(ctx context.Context, at time.Time, msg interface{}, opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	o := messaging.NewSendOptions(opts...)
	o.Delay = 0
	o.DeliverAt = at
	return b.deferSend(ctx, msg, o)
}

func (b *Bus) deferSend(ctx context.Context, msg interface{}, o messaging.SendOptions) (*messaging.SendHandle, error) {
	typeName, body, err := b.registry.Encode(msg)
	if err != nil {
		return nil, err
	}

	dest := b.resolver.Local()
	if o.Destination != "" {
		if dest, err = b.resolver.Resolve(o.Destination); err != nil {
			return nil, err
		}
	}
	return b.sendTo(ctx, contracts.IntentSend, typeName, body, []contracts.Address{dest}, o)
}

// SendToSites delivers msg to the gateways of the given remote sites. The envelope
// lists all site keys in the mmate.destination.sites header; a gateway serving
// several sites receives one copy.
func (b *Bus) SendToSites(ctx context.Context, sites []string, msg interface{}, opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	if len(sites) == 0 {
		return nil, fmt.Errorf("%w: no sites given", contracts.ErrUnresolvableDestination)
	}

	typeName, body, err := b.registry.Encode(msg)
	if err != nil {
		return nil, err
	}

	var gateways []contracts.Address
	seen := make(map[string]struct{}, len(sites))
	for _, site := range sites {
		gw, err := b.resolver.ResolveSite(site)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[gw.String()]; ok {
			continue
		}
		seen[gw.String()] = struct{}{}
		gateways = append(gateways, gw)
	}

	o := messaging.NewSendOptions(opts...)
	messaging.WithHeaders(map[string]string{
		contracts.HeaderDestinationSites: strings.Join(sites, ","),
	})(&o)
	return b.sendTo(ctx, contracts.IntentSend, typeName, body, gateways, o)
}

// Reply sends msg back to the sender of the message being handled in ctx, correlated
// with it
func (b *Bus) Reply(ctx context.Context, msg interface{}, opts ...messaging.SendOption) (*messaging.SendHandle, error) {
	typeName, body, err := b.registry.Encode(msg)
	if err != nil {
		return nil, err
	}

	o := messaging.NewSendOptions(opts...)
	env, dest, err := b.correlator.ReplyEnvelope(ctx, typeName, body, o)
	if err != nil {
		return nil, err
	}
	if err := b.deliver(ctx, env, dest, o); err != nil {
		return nil, err
	}
	return messaging.UntrackedHandle(env, []contracts.Address{dest}), nil
}

// Return replies to the message being handled in ctx with a completion code. code
// must be an integer or a type whose underlying type is an integer.
func (b *Bus) Return(ctx context.Context, code interface{}) (*messaging.SendHandle, error) {
	env, dest, err := b.correlator.ReturnEnvelope(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := b.deliver(ctx, env, dest, messaging.SendOptions{}); err != nil {
		return nil, err
	}
	return messaging.UntrackedHandle(env, []contracts.Address{dest}), nil
}

// Subscribe registers this endpoint for publishes of messageType. When the type is
// routed to another endpoint, a subscription request is sent there; otherwise the
// local subscription store is updated.
func (b *Bus) Subscribe(ctx context.Context, messageType string) error {
	return b.manageSubscription(ctx, contracts.IntentSubscribe, messageType)
}

// Unsubscribe reverses Subscribe
func (b *Bus) Unsubscribe(ctx context.Context, messageType string) error {
	return b.manageSubscription(ctx, contracts.IntentUnsubscribe, messageType)
}

func (b *Bus) manageSubscription(ctx context.Context, intent contracts.Intent, messageType string) error {
	if messageType == "" {
		return fmt.Errorf("%w: empty message type", contracts.ErrInvalidSubscription)
	}

	local := b.resolver.Local()
	publisher, err := b.resolver.ResolveType(b.registry.Hierarchy(messageType)...)
	if err != nil || publisher.Equal(local) {
		if intent == contracts.IntentSubscribe {
			return b.store.Subscribe(ctx, subscriptions.Subscription{MessageType: messageType, Address: local})
		}
		return b.store.Unsubscribe(ctx, messageType, local)
	}

	body, err := json.Marshal(contracts.SubscriptionRequest{MessageType: messageType, Subscriber: local.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription request: %w", err)
	}

	env := b.correlator.NewEnvelope(ctx, intent, contracts.SubscriptionRequestType, body, messaging.SendOptions{
		Headers: map[string]string{contracts.HeaderSubscriptionType: messageType},
	})
	if err := b.transport.Send(ctx, publisher, env); err != nil {
		return fmt.Errorf("failed to send %s request for %s to %s: %w", intent, messageType, publisher, err)
	}

	b.logger.Info("subscription request sent",
		"intent", string(intent),
		"messageType", messageType,
		"publisher", publisher.String(),
	)
	return nil
}

// applySubscription handles an inbound subscription control envelope
func (b *Bus) applySubscription(ctx context.Context, env *contracts.Envelope) error {
	var req contracts.SubscriptionRequest
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("failed to decode subscription request %s: %w", env.ID, err)
		}
	}

	messageType := env.Header(contracts.HeaderSubscriptionType)
	if messageType == "" {
		messageType = req.MessageType
	}
	subscriber := env.ReplyTo
	if subscriber == "" {
		subscriber = req.Subscriber
	}

	addr, err := contracts.ParseAddress(subscriber)
	if err != nil {
		return fmt.Errorf("%w: subscriber of request %s: %v", contracts.ErrInvalidSubscription, env.ID, err)
	}

	if env.Intent == contracts.IntentUnsubscribe {
		return b.store.Unsubscribe(ctx, messageType, addr)
	}
	return b.store.Subscribe(ctx, subscriptions.Subscription{MessageType: messageType, Address: addr})
}

func (b *Bus) destinationFor(typeName string, o messaging.SendOptions) (contracts.Address, error) {
	if o.Destination != "" {
		return b.resolver.Resolve(o.Destination)
	}
	return b.resolver.ResolveType(b.registry.Hierarchy(typeName)...)
}

// sendTo builds one envelope and delivers a copy to every destination. The handle is
// registered before the first delivery so a fast reply cannot be missed.
func (b *Bus) sendTo(ctx context.Context, intent contracts.Intent, typeName string, body json.RawMessage, destinations []contracts.Address, o messaging.SendOptions) (*messaging.SendHandle, error) {
	env := b.correlator.NewEnvelope(ctx, intent, typeName, body, o)
	handle := b.callbacks.Register(env, destinations)

	var errs []error
	for _, dest := range destinations {
		if err := b.deliver(ctx, env.Clone(), dest, o); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		handle.Cancel()
		return nil, err
	}
	return handle, nil
}

func (b *Bus) deliver(ctx context.Context, env *contracts.Envelope, dest contracts.Address, o messaging.SendOptions) error {
	if due, ok := o.DueTime(b.clock.Now()); ok {
		env.SetHeader(contracts.HeaderDeferredUntil, due.UTC().Format(time.RFC3339Nano))
		return b.scheduler.Defer(ctx, env, dest, due)
	}

	if err := b.transport.Send(ctx, dest, env); err != nil {
		return fmt.Errorf("failed to send message %s to %s: %w", env.ID, dest, err)
	}

	b.logger.Debug("message sent",
		"messageId", env.ID,
		"messageType", env.Type,
		"intent", string(env.Intent),
		"destination", dest.String(),
	)
	return nil
}
