// Package protocol defines the envelope format exchanged between a host
// peer and its embedded child peer, validation of inbound envelopes, and
// the binary wire framing used by stream transports.
//
// The envelope is a tagged union: a `type` discriminant drawn from a closed
// set fully determines which companion fields must be present. Anything
// that does not conform is rejected at the boundary and dropped by the
// caller; validation never panics and never partially accepts an envelope.
//
// Envelope Types:
//   - init: host → child, carries the initial property snapshot
//   - ready: child → host, confirms the child can receive traffic
//   - attribute-change: either direction, one property and its new value
//   - event: either direction, named event with optional data
//   - custom-event: either direction, name+data nested under `payload` for
//     re-dispatch by the embedding container
//   - function-call: invoke a remote function by token
//   - function-response: result or error correlated by call id
//   - function-release / function-release-batch: reclaim function tokens
package protocol
