package session

// Role distinguishes the embedding host from the embedded child.
type Role int

const (
	RoleHost Role = iota + 1
	RoleChild
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleChild:
		return "child"
	default:
		return "unknown"
	}
}

// State is the session lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	// StateStandalone is the child's terminal mode when no host answered
	// within the init timeout. Not an error: the child keeps working
	// locally and host-facing operations become no-ops.
	StateStandalone
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateStandalone:
		return "standalone"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}
