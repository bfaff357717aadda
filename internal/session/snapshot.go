package session

import "sync"

// snapshot is the last-observed set of named property values. Mutated only
// by the session's dispatch loop and its local Set path; watchers receive
// [new, old] pairs computed here.
type snapshot struct {
	mu     sync.Mutex
	values map[string]any
}

func newSnapshot(initial map[string]any) *snapshot {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &snapshot{values: values}
}

// apply stores value under name and returns the previous value.
func (s *snapshot) apply(name string, value any) (old any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old = s.values[name]
	s.values[name] = value
	return old
}

// replace swaps in a whole new snapshot (the init handshake).
func (s *snapshot) replace(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = make(map[string]any, len(values))
	for k, v := range values {
		s.values[k] = v
	}
}

// get returns the current value for name.
func (s *snapshot) get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[name]
	return v, ok
}

// all returns a copy of the current values.
func (s *snapshot) all() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
