package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator(t *testing.T) {
	t.Run("generates unique ids", func(t *testing.T) {
		g := NewGenerator()
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			s := g.Generate().String()
			require.False(t, seen[s], "duplicate ULID %s", s)
			seen[s] = true
		}
	})

	t.Run("prefixes", func(t *testing.T) {
		g := NewGenerator()
		s := g.GenerateWithPrefix("fn")
		assert.True(t, strings.HasPrefix(s, "fn_"))
	})
}

func TestTypedIDs(t *testing.T) {
	t.Run("session id", func(t *testing.T) {
		sid := NewSessionID()
		assert.True(t, strings.HasPrefix(string(sid), "sess_"))
	})

	t.Run("token id", func(t *testing.T) {
		tok := NewTokenID()
		assert.True(t, strings.HasPrefix(string(tok), "fn_"))
	})

	t.Run("call ids are unique", func(t *testing.T) {
		a := NewCallID()
		b := NewCallID()
		assert.NotEqual(t, a, b)
		assert.NotEmpty(t, a)
	})
}
