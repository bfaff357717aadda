package serial

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTable is an in-memory TokenTable with an optional capacity.
type fakeTable struct {
	funcs map[string]Func
	cap   int
	next  int
}

func newFakeTable(capacity int) *fakeTable {
	return &fakeTable{funcs: make(map[string]Func), cap: capacity}
}

func (t *fakeTable) Mint(name string, fn Func) (string, error) {
	if t.cap > 0 && len(t.funcs) >= t.cap {
		return "", errors.New("registry full")
	}
	t.next++
	token := fmt.Sprintf("fn_%d", t.next)
	t.funcs[token] = fn
	return token, nil
}

func TestClassify(t *testing.T) {
	var fn Func = func(ctx context.Context, args []any) (any, error) { return nil, nil }

	tests := []struct {
		name string
		in   any
		want Kind
	}{
		{"nil", nil, KindNil},
		{"bool", true, KindPrimitive},
		{"int", 42, KindPrimitive},
		{"float", 4.2, KindPrimitive},
		{"string", "x", KindPrimitive},
		{"bytes", []byte{1, 2}, KindPrimitive},
		{"func", fn, KindFunc},
		{"blob", NewBlob([]byte{1}), KindBlob},
		{"slice", []any{1}, KindArray},
		{"typed slice", []int{1, 2}, KindArray},
		{"record", map[string]any{"a": 1}, KindRecord},
		{"typed record", map[string]int{"a": 1}, KindRecord},
		{"non-string map", map[int]any{1: "a"}, KindOpaque},
		{"struct", struct{ X int }{1}, KindOpaque},
		{"channel", make(chan int), KindOpaque},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.in))
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	s := NewSerializer(newFakeTable(0), 32, nil)

	t.Run("plain values survive unchanged", func(t *testing.T) {
		in := map[string]any{
			"str":    "hello",
			"num":    42.5,
			"flag":   true,
			"blank":  nil,
			"list":   []any{1, "two", false},
			"nested": map[string]any{"deep": []any{map[string]any{"x": 1}}},
		}

		payload, blobs, err := s.Serialize(in)
		require.NoError(t, err)
		assert.Empty(t, blobs)

		out := Deserialize(payload, nil)
		assert.Equal(t, in, out)
	})

	t.Run("scalar passes through", func(t *testing.T) {
		payload, blobs, err := s.Serialize("just a string")
		require.NoError(t, err)
		assert.Empty(t, blobs)
		assert.Equal(t, "just a string", payload)
	})

	t.Run("nil passes through", func(t *testing.T) {
		payload, _, err := s.Serialize(nil)
		require.NoError(t, err)
		assert.Nil(t, payload)
	})
}

func TestSerializeFunctions(t *testing.T) {
	t.Run("function becomes token record", func(t *testing.T) {
		table := newFakeTable(0)
		s := NewSerializer(table, 32, nil)

		var called bool
		var fn Func = func(ctx context.Context, args []any) (any, error) {
			called = true
			return "ok", nil
		}

		payload, _, err := s.Serialize(map[string]any{"cb": fn})
		require.NoError(t, err)

		record, ok := payload.(map[string]any)["cb"].(map[string]any)
		require.True(t, ok, "function should serialize to a record")
		token, ok := record["functionToken"].(string)
		require.True(t, ok)
		assert.NotEmpty(t, token)
		meta, ok := record["meta"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, meta, "name")

		// The owning side now holds the real function under the token.
		registered, ok := table.funcs[token]
		require.True(t, ok)
		_, err = registered(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("capacity exceeded fails the whole call", func(t *testing.T) {
		table := newFakeTable(1)
		s := NewSerializer(table, 32, nil)

		var fn Func = func(ctx context.Context, args []any) (any, error) { return nil, nil }

		_, _, err := s.Serialize([]any{fn})
		require.NoError(t, err)

		_, _, err = s.Serialize([]any{fn})
		require.Error(t, err)

		// The earlier token stays valid.
		assert.Len(t, table.funcs, 1)
	})

	t.Run("deserialize rehydrates token records", func(t *testing.T) {
		payload := map[string]any{
			"cb": map[string]any{
				"functionToken": "fn_abc",
				"meta":          map[string]any{"name": "getStats"},
			},
		}

		var gotToken, gotName string
		out := Deserialize(payload, func(token, name string) Func {
			gotToken, gotName = token, name
			return func(ctx context.Context, args []any) (any, error) { return "proxied", nil }
		})

		assert.Equal(t, "fn_abc", gotToken)
		assert.Equal(t, "getStats", gotName)

		proxy, ok := out.(map[string]any)["cb"].(Func)
		require.True(t, ok)
		res, err := proxy(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "proxied", res)
	})

	t.Run("ordinary records are not mistaken for token records", func(t *testing.T) {
		payload := map[string]any{
			"functionToken": "fn_x",
			"meta":          map[string]any{"name": "n"},
			"extra":         true,
		}
		out := Deserialize(payload, func(token, name string) Func { return nil })
		assert.Equal(t, payload, out)
	})
}

func TestSerializeBlobs(t *testing.T) {
	s := NewSerializer(newFakeTable(0), 32, nil)

	data := []byte{0xde, 0xad, 0xbe, 0xef}
	blob := NewBlob(data)

	payload, blobs, err := s.Serialize(map[string]any{"buf": blob})
	require.NoError(t, err)

	require.Len(t, blobs, 1)
	assert.Same(t, blob, blobs[0], "transfer list holds the same buffer, not a copy")
	assert.Same(t, blob, payload.(map[string]any)["buf"], "blob stays in place in the payload")
}

func TestSerializeCycles(t *testing.T) {
	s := NewSerializer(newFakeTable(0), 32, nil)

	t.Run("self-referential record terminates", func(t *testing.T) {
		obj := map[string]any{"label": "root"}
		obj["self"] = obj

		payload, _, err := s.Serialize(obj)
		require.NoError(t, err)

		out := payload.(map[string]any)
		assert.Equal(t, "root", out["label"])
		assert.Nil(t, out["self"], "cyclic edge replaced by nil")
	})

	t.Run("mutual cycle terminates", func(t *testing.T) {
		a := map[string]any{}
		b := map[string]any{"a": a}
		a["b"] = b

		payload, _, err := s.Serialize(a)
		require.NoError(t, err)

		out := payload.(map[string]any)
		inner := out["b"].(map[string]any)
		assert.Nil(t, inner["a"])
	})

	t.Run("repeated reference on separate branches is not a cycle", func(t *testing.T) {
		shared := map[string]any{"v": 1.0}
		in := map[string]any{"left": shared, "right": shared}

		payload, _, err := s.Serialize(in)
		require.NoError(t, err)

		out := payload.(map[string]any)
		assert.Equal(t, map[string]any{"v": 1.0}, out["left"])
		assert.Equal(t, map[string]any{"v": 1.0}, out["right"])
	})
}

func TestSerializeDepthLimit(t *testing.T) {
	s := NewSerializer(newFakeTable(0), 4, nil)

	t.Run("within limit", func(t *testing.T) {
		in := map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}}
		_, _, err := s.Serialize(in)
		assert.NoError(t, err)
	})

	t.Run("past limit fails with no payload", func(t *testing.T) {
		var in any = "leaf"
		for i := 0; i < 10; i++ {
			in = []any{in}
		}
		payload, blobs, err := s.Serialize(in)
		require.ErrorIs(t, err, ErrDepthExceeded)
		assert.Nil(t, payload)
		assert.Nil(t, blobs)
	})
}

func TestSerializeOpaque(t *testing.T) {
	s := NewSerializer(newFakeTable(0), 32, nil)

	type point struct{ X, Y int }
	_, _, err := s.Serialize(map[string]any{"p": point{1, 2}})
	assert.ErrorIs(t, err, ErrOpaque)
}
