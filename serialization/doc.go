// Package serialization maps message types to stable names and encodes message
// bodies.
//
// A TypeRegistry knows every concrete message type an endpoint sends or handles and
// every contract (interface, or embedded base struct) those types satisfy. The
// contracts form the type hierarchy used for publish fan-out and handler matching:
// publishing an OrderPlaced that implements OrderEvent reaches subscribers and
// handlers of both names.
package serialization
