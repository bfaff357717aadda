// Package remote maintains the function side of the protocol: the owning
// side's token registry, the calling side's proxies and pending-call
// correlation, and token release in both single and batch form.
//
// A token is valid only within its owning session. Calls to tokens the
// owner no longer holds resolve as failed responses, never silence; calls
// that receive no response reject on timeout; session teardown rejects
// everything still pending. Late responses for forgotten call ids are
// ignored.
package remote
