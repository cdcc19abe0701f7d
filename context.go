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

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

// The operations below act on the message being handled in ctx and return
// contracts.ErrNoCurrentMessage when called outside a handler.

// ForwardCurrentMessageTo sends the current envelope unchanged to destination, an
// endpoint name or address
func (b *Bus) ForwardCurrentMessageTo(ctx context.Context, destination string) error {
	if _, ok := messaging.MessageContextFrom(ctx); !ok {
		return contracts.ErrNoCurrentMessage
	}
	dest, err := b.resolver.Resolve(destination)
	if err != nil {
		return err
	}
	return messaging.Forward(ctx, b.transport, dest)
}

// DoNotContinueDispatchingCurrentMessageToHandlers skips the handlers registered
// after the running one
func (b *Bus) DoNotContinueDispatchingCurrentMessageToHandlers(ctx context.Context) error {
	mc, ok := messaging.MessageContextFrom(ctx)
	if !ok {
		return contracts.ErrNoCurrentMessage
	}
	mc.DoNotContinueDispatching()
	return nil
}

// HandleCurrentMessageLater stops the pipeline and puts the current envelope back on
// this endpoint's input queue, unchanged
func (b *Bus) HandleCurrentMessageLater(ctx context.Context) error {
	mc, ok := messaging.MessageContextFrom(ctx)
	if !ok {
		return contracts.ErrNoCurrentMessage
	}
	mc.HandleLater()
	return nil
}

// OutgoingHeaders returns the headers added to every message sent while the current
// message is handled. The map is live.
func (b *Bus) OutgoingHeaders(ctx context.Context) (map[string]string, error) {
	mc, ok := messaging.MessageContextFrom(ctx)
	if !ok {
		return nil, contracts.ErrNoCurrentMessage
	}
	return mc.OutgoingHeaders(), nil
}

// CurrentMessageContext describes the message being handled
func (b *Bus) CurrentMessageContext(ctx context.Context) (messaging.CurrentMessage, error) {
	return messaging.CurrentMessageContext(ctx)
}
