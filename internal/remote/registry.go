package remote

import (
	"errors"
	"fmt"
	"sync"

	"github.com/framelink/framelink/internal/metrics"
	"github.com/framelink/framelink/internal/serial"
	"github.com/framelink/framelink/internal/shared/id"
)

// ErrRegistryFull means the session has registered its maximum number of
// functions. The serialization that tried to add one more fails whole;
// silently dropping a function reference would desynchronize the caller.
var ErrRegistryFull = errors.New("remote: function registry at capacity")

type entry struct {
	fn   serial.Func
	name string
}

// Registry is the owning side's token → function map, capped at a fixed
// capacity and scoped to one session. Tokens are never reused across
// sessions because they embed a fresh ULID.
type Registry struct {
	mu        sync.Mutex
	sessionID id.SessionID
	capacity  int
	funcs     map[string]entry
	met       *metrics.Metrics
}

// NewRegistry creates an empty registry owned by the given session.
func NewRegistry(sessionID id.SessionID, capacity int, met *metrics.Metrics) *Registry {
	return &Registry{
		sessionID: sessionID,
		capacity:  capacity,
		funcs:     make(map[string]entry),
		met:       met,
	}
}

// Mint registers fn and returns its fresh token. Implements
// serial.TokenTable.
func (r *Registry) Mint(name string, fn serial.Func) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity > 0 && len(r.funcs) >= r.capacity {
		return "", fmt.Errorf("%w (capacity %d)", ErrRegistryFull, r.capacity)
	}
	token := string(id.NewTokenID())
	r.funcs[token] = entry{fn: fn, name: name}
	r.met.SetRegistrySize(len(r.funcs))
	return token, nil
}

// Lookup returns the registered function for token, if still held.
func (r *Registry) Lookup(token string) (serial.Func, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.funcs[token]
	return e.fn, ok
}

// Release removes one token. Releasing an unknown token is a no-op.
func (r *Registry) Release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.funcs[token]; ok {
		delete(r.funcs, token)
		r.met.TokenReleased(1)
		r.met.SetRegistrySize(len(r.funcs))
	}
}

// ReleaseBatch removes every listed token; unknown tokens are skipped.
func (r *Registry) ReleaseBatch(tokens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for _, token := range tokens {
		if _, ok := r.funcs[token]; ok {
			delete(r.funcs, token)
			released++
		}
	}
	if released > 0 {
		r.met.TokenReleased(released)
		r.met.SetRegistrySize(len(r.funcs))
	}
}

// Drop clears the registry at session teardown.
func (r *Registry) Drop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.funcs = make(map[string]entry)
	r.met.SetRegistrySize(0)
}

// Len returns the current number of registered functions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.funcs)
}

// SessionID returns the owning session's id.
func (r *Registry) SessionID() id.SessionID {
	return r.sessionID
}
