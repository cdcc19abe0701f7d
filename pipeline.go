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
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/timeouts"
	"golang.org/x/sync/semaphore"
)

const receiveErrorBackoff = time.Second

// receiveLoop pulls deliveries until ctx is done or the transport closes. At most
// Config.Workers deliveries are processed at a time.
func (b *Bus) receiveLoop(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(b.cfg.Workers))
	var wg sync.WaitGroup
	defer wg.Wait()

	// in-flight envelopes finish after Stop
	processCtx := context.WithoutCancel(ctx)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		delivery, err := b.transport.Receive(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, messaging.ErrTransportClosed) {
				b.logger.Info("transport closed, receive loop stopping")
				return nil
			}

			b.logger.Error("failed to receive message", "error", err, "retryIn", receiveErrorBackoff)
			timer := b.clock.Timer(receiveErrorBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			b.process(processCtx, delivery)
		}()
	}
}

// process runs one delivery through expiry, subscription control, reply
// correlation and the handler pipeline, then settles it
func (b *Bus) process(ctx context.Context, delivery messaging.Delivery) {
	env := delivery.Envelope()
	logger := b.logger.With("messageId", env.ID, "messageType", env.Type)

	if env.Expired(b.clock.Now()) {
		logger.Warn("discarding message past its time to be received",
			"timestamp", env.Timestamp,
			"timeToBeReceived", env.TimeToBeReceived,
		)
		b.ack(delivery, logger)
		return
	}

	if env.Intent.IsControl() {
		if err := b.applySubscription(ctx, env); err != nil {
			logger.Error("failed to apply subscription request", "error", err)
			b.reject(delivery, err, logger)
			return
		}
		b.ack(delivery, logger)
		return
	}

	if b.callbacks.Complete(env) {
		logger.Debug("reply completed pending send", "correlationId", env.CorrelationID)
	}

	mc := messaging.NewMessageContext(env)
	state := messaging.StateReceived
	err := b.chain.Execute(ctx, env, interceptors.EnvelopeHandlerFunc(func(ctx context.Context, _ *contracts.Envelope) error {
		state = messaging.StateDispatching
		interceptors.SetDispatchState(ctx, state.String())

		var err error
		state, err = b.dispatcher.Dispatch(ctx, mc)
		interceptors.SetDispatchState(ctx, state.String())
		return err
	}))

	switch {
	case interceptors.IsShortCircuit(err):
		logger.Debug("message processing short-circuited", "reason", err)
		b.ack(delivery, logger)
	case err != nil:
		b.reject(delivery, err, logger)
	case state == messaging.StateDeferred:
		if err := b.transport.Send(ctx, b.resolver.Local(), env.Clone()); err != nil {
			logger.Error("failed to requeue message for later handling", "error", err)
			b.reject(delivery, err, logger)
			return
		}
		logger.Debug("message requeued for later handling")
		b.ack(delivery, logger)
	default:
		logger.Debug("message processed", "state", state.String())
		b.ack(delivery, logger)
	}
}

func (b *Bus) ack(delivery messaging.Delivery, logger *slog.Logger) {
	if err := delivery.Ack(); err != nil {
		logger.Error("failed to acknowledge message", "error", err)
	}
}

func (b *Bus) reject(delivery messaging.Delivery, cause error, logger *slog.Logger) {
	if err := delivery.Reject(cause); err != nil {
		logger.Error("failed to reject message", "error", err, "cause", cause)
	}
}

// dispatchDeferred sends a due entry from the timeout scheduler
func (b *Bus) dispatchDeferred(ctx context.Context, entry timeouts.Entry) error {
	return b.transport.Send(ctx, entry.Destination, entry.Envelope)
}
