// Package id provides centralized ID generation for the protocol.
//
// Two ID families are used:
//   - ULIDs with type prefixes for long-lived identities (sess_*, fn_*).
//     Lexicographic sortability makes registry dumps and logs readable.
//   - UUIDs for call correlation ids, which are short-lived and need only
//     uniqueness within one session.
//
// Separate string types prevent a token from being passed where a call id
// is expected.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SessionID identifies one protocol session (one handshake to one teardown).
type SessionID string

// TokenID identifies a registered function within its owning session.
type TokenID string

// CallID correlates one function-call envelope to its function-response.
type CallID string

const (
	SessionPrefix = "sess"
	TokenPrefix   = "fn"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewSessionID generates a new session ID.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewTokenID generates a new function token.
func NewTokenID() TokenID {
	return TokenID(Default().GenerateWithPrefix(TokenPrefix))
}

// NewCallID generates a new call correlation id.
func NewCallID() CallID {
	return CallID(uuid.NewString())
}
