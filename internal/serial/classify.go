package serial

import (
	"context"
	"reflect"
)

// Func is the only function shape that crosses the session boundary.
// Arbitrary Go functions cannot be invoked generically from deserialized
// arguments, so both registered methods and rehydrated proxies share this
// signature.
type Func func(ctx context.Context, args []any) (any, error)

// Kind is the closed classification a value falls into before recursion.
type Kind int

const (
	KindNil Kind = iota
	KindPrimitive
	KindFunc
	KindBlob
	KindArray
	KindRecord
	KindOpaque
)

// String returns the kind name for error messages.
func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindPrimitive:
		return "primitive"
	case KindFunc:
		return "function"
	case KindBlob:
		return "blob"
	case KindArray:
		return "array"
	case KindRecord:
		return "record"
	default:
		return "opaque"
	}
}

// Classify assigns v its kind. Performed once per node, before any
// recursion, so each serialization rule matches exactly one kind.
//
// []byte is primitive: it passes by reference over the in-process pipe but
// JSON-encodes to a base64 string on the websocket leg, so it arrives as a
// string there. Callers that need bytes back byte-for-byte on every
// transport wrap them in *Blob, which always travels as a raw section.
func Classify(v any) Kind {
	if v == nil {
		return KindNil
	}

	switch v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		[]byte:
		return KindPrimitive
	case Func:
		return KindFunc
	case *Blob:
		return KindBlob
	}

	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Slice, reflect.Array:
		return KindArray
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return KindRecord
		}
		return KindOpaque
	default:
		return KindOpaque
	}
}
