// Package session drives the protocol state machine connecting a host peer
// to its embedded child peer: the init/ready handshake, property change
// propagation with diffing, event exchange, remote method registration and
// invocation, and orderly teardown.
//
// Each Session owns its own registries, snapshot, and watcher lists,
// constructed at handshake start and torn down at close, so independent
// sessions never share state. Incoming envelopes are dispatched by one
// goroutine with run-to-completion semantics: a handler fully applies one
// message's effect before the next is processed. Malformed envelopes are
// dropped with a warning and never kill the dispatch loop.
//
// Lifecycle:
//
//	uninitialized → initializing → ready → closed
//
// A child whose host never sends init leaves initializing for standalone
// instead: a terminal degraded mode where host-facing operations become
// local no-ops rather than failures.
package session
