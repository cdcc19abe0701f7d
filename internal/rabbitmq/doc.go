// Package rabbitmq is the broker plumbing behind transports/rabbitmq:
//   - ConnectionManager: dials the broker and reconnects with backoff
//   - ChannelPool: bounded pool of confirm-mode channels
//   - Publisher: publishes to a queue and waits for the broker confirm
//   - Consumer: manual-ack consumption that resubscribes after channel loss
//   - Topology: declares an endpoint's input and error queues
package rabbitmq
