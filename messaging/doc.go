// Package messaging provides the per-envelope machinery of the bus.
//
// This package implements:
//   - Dispatcher: runs the handlers registered for an envelope's type and its
//     supertypes, in registration order, one envelope at a time
//   - MessageContext: the state of handling one envelope (current envelope,
//     outgoing headers, pipeline control flags), carried in context.Context
//   - Correlator: builds outgoing envelopes, replies and completion replies with the
//     right ids, correlation ids and reply addresses
//   - CallbackRegistry and SendHandle: match replies to the sends that caused them
//   - Transport and Delivery: the interface a queueing backend implements
//
// Pipeline control from inside a handler:
//
//	func (h *OrderHandler) Handle(ctx context.Context, msg interface{}) error {
//		mc, _ := messaging.MessageContextFrom(ctx)
//		if !h.accepts(msg) {
//			mc.DoNotContinueDispatching()
//			return nil
//		}
//		mc.OutgoingHeaders()["tenant"] = h.tenant
//		return h.process(ctx, msg)
//	}
//
// A MessageContext is created fresh for every inbound envelope and is only reachable
// through the context passed to that envelope's handlers.
package messaging
