// Package contracts defines the wire-level types shared by every part of the bus.
//
// The package contains:
//   - Envelope: a message in flight together with its routing metadata
//   - Address: a normalised endpoint location ("queue@machine")
//   - Intent: why an envelope was sent (send, publish, reply, subscription control)
//   - CompletionMessage: the well-known body used by Return
//   - the error taxonomy used across the bus
//
// Envelopes are serialised as JSON by the transports. Headers are plain strings so
// that every transport can carry them unchanged.
package contracts
