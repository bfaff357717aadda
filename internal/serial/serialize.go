package serial

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/framelink/framelink/internal/logging"
)

var (
	// ErrDepthExceeded means the value nests deeper than the configured
	// maximum. The caller must restructure the data; nothing is sent.
	ErrDepthExceeded = errors.New("serial: max depth exceeded")
	// ErrOpaque means the value is neither transport-cloneable nor a
	// recognized function or transferable.
	ErrOpaque = errors.New("serial: value is not transport-cloneable")
)

// Wire keys of the function-token record emitted in place of a Func.
const (
	funcTokenKey = "functionToken"
	funcMetaKey  = "meta"
	funcNameKey  = "name"
)

// FuncRecord builds the tagged record that stands in for a function on the
// wire. Serialize emits these for embedded functions; callers announcing
// pre-minted tokens (method tables) build them directly.
func FuncRecord(token, name string) map[string]any {
	return map[string]any{
		funcTokenKey: token,
		funcMetaKey:  map[string]any{funcNameKey: name},
	}
}

// TokenTable mints tokens for functions encountered during serialization.
// Implemented by the owning side's registry; Mint fails when the registry
// is at capacity, which fails the whole Serialize call.
type TokenTable interface {
	Mint(name string, fn Func) (string, error)
}

// Serializer renders values into transport-safe payloads.
type Serializer struct {
	table    TokenTable
	maxDepth int
	log      *logging.Logger
}

// NewSerializer creates a serializer bound to a token table. log may be nil.
func NewSerializer(table TokenTable, maxDepth int, log *logging.Logger) *Serializer {
	if log == nil {
		log = logging.Nop()
	}
	return &Serializer{table: table, maxDepth: maxDepth, log: log}
}

// pass holds state for one Serialize call. The seen set tracks identity of
// containers on the current descent path only; it is discarded with the
// pass and never suppresses re-serialization across calls.
type pass struct {
	seen  map[uintptr]struct{}
	blobs []*Blob
}

// Serialize converts v into a payload containing only nil, primitives,
// []any, map[string]any, function-token records, and *Blob entries, plus
// the transfer list of every Blob encountered in order.
func (s *Serializer) Serialize(v any) (any, []*Blob, error) {
	p := &pass{seen: make(map[uintptr]struct{})}
	out, err := s.walk(v, 0, p)
	if err != nil {
		return nil, nil, err
	}
	return out, p.blobs, nil
}

func (s *Serializer) walk(v any, depth int, p *pass) (any, error) {
	if depth > s.maxDepth {
		return nil, fmt.Errorf("%w (limit %d)", ErrDepthExceeded, s.maxDepth)
	}

	switch Classify(v) {
	case KindNil:
		return nil, nil

	case KindPrimitive:
		return v, nil

	case KindFunc:
		fn := v.(Func)
		name := funcName(fn)
		token, err := s.table.Mint(name, fn)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			funcTokenKey: token,
			funcMetaKey:  map[string]any{funcNameKey: name},
		}, nil

	case KindBlob:
		p.blobs = append(p.blobs, v.(*Blob))
		return v, nil

	case KindArray:
		rv := reflect.ValueOf(v)
		ptr, tracked := identity(rv)
		if tracked {
			if _, cyclic := p.seen[ptr]; cyclic {
				s.log.Warn("cyclic reference dropped during serialization",
					zap.String("kind", "array"))
				return nil, nil
			}
			p.seen[ptr] = struct{}{}
			defer delete(p.seen, ptr)
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e, err := s.walk(rv.Index(i).Interface(), depth+1, p)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil

	case KindRecord:
		rv := reflect.ValueOf(v)
		ptr, tracked := identity(rv)
		if tracked {
			if _, cyclic := p.seen[ptr]; cyclic {
				s.log.Warn("cyclic reference dropped during serialization",
					zap.String("kind", "record"))
				return nil, nil
			}
			p.seen[ptr] = struct{}{}
			defer delete(p.seen, ptr)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e, err := s.walk(iter.Value().Interface(), depth+1, p)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = e
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrOpaque, v)
	}
}

// identity returns a stable pointer for container values that can form
// cycles. Non-slice arrays have no referent and cannot self-reference.
func identity(rv reflect.Value) (uintptr, bool) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	default:
		return 0, false
	}
}

// funcName extracts a short name for a function's token metadata. Purely
// informational; the token is the identity.
func funcName(fn Func) string {
	pc := reflect.ValueOf(fn).Pointer()
	rf := runtime.FuncForPC(pc)
	if rf == nil {
		return ""
	}
	name := rf.Name()
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}
