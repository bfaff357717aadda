package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"

	"github.com/framelink/framelink/internal/serial"
)

// Wire frame layout:
//
//	[1 flag byte][uvarint jsonLen][json][uvarint blobCount]{[uvarint len][bytes]}*
//
// Transferable blobs travel as raw sections after the JSON body instead of
// being base64-inflated into it; inside the JSON body each blob is replaced
// by a {"$blob": index} placeholder. User maps that would be mistaken for a
// placeholder are wrapped under "$blobEsc" on encode and unwrapped on
// decode, so payload values never collide with the framing. When the
// compressed flag is set, everything after the flag byte is one zstd
// stream.
const (
	frameFlagNone       byte = 0x00
	frameFlagCompressed byte = 0x01
)

const (
	blobKey    = "$blob"
	blobEscKey = "$blobEsc"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to create zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to create zstd decoder: %v", err))
	}
	zstdEncoder = enc
	zstdDecoder = dec
}

// EncodeFrame serializes env and its transfer list into one wire frame.
// Blobs referenced from the envelope payload must appear in blobs; any
// *serial.Blob encountered in the payload that is missing from the list is
// an encoding error.
func EncodeFrame(env *Envelope, blobs []*serial.Blob, compress bool) ([]byte, error) {
	clone := *env
	var walkErr error

	var replace func(v any) (any, bool)
	replace = func(v any) (any, bool) {
		if blob, ok := v.(*serial.Blob); ok {
			for i, b := range blobs {
				if b == blob {
					return map[string]any{blobKey: i}, true
				}
			}
			walkErr = fmt.Errorf("protocol: blob in payload missing from transfer list")
			return nil, true
		}

		// A user map shaped like a placeholder would be rehydrated into a
		// blob section on decode; wrap it so it survives intact.
		if m, ok := v.(map[string]any); ok && len(m) == 1 {
			_, hasBlob := m[blobKey]
			_, hasEsc := m[blobEscKey]
			if hasBlob || hasEsc {
				inner := make(map[string]any, len(m))
				for k, e := range m {
					inner[k] = walkValue(e, replace)
				}
				return map[string]any{blobEscKey: inner}, true
			}
		}
		return nil, false
	}

	clone.Snapshot = walkSnapshot(env.Snapshot, replace)
	clone.Value = walkValue(env.Value, replace)
	clone.Data = walkValue(env.Data, replace)
	clone.Result = walkValue(env.Result, replace)
	clone.Args = walkArgs(env.Args, replace)
	if env.Payload != nil {
		p := *env.Payload
		p.Data = walkValue(env.Payload.Data, replace)
		clone.Payload = &p
	}
	if walkErr != nil {
		return nil, walkErr
	}

	body, err := sonic.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}

	frame := make([]byte, 0, len(body)+16)
	frame = binary.AppendUvarint(frame, uint64(len(body)))
	frame = append(frame, body...)
	frame = binary.AppendUvarint(frame, uint64(len(blobs)))
	for _, b := range blobs {
		frame = binary.AppendUvarint(frame, uint64(len(b.Data)))
		frame = append(frame, b.Data...)
	}

	if compress {
		out := make([]byte, 1, len(frame)/2+1)
		out[0] = frameFlagCompressed
		return zstdEncoder.EncodeAll(frame, out), nil
	}
	return append([]byte{frameFlagNone}, frame...), nil
}

// DecodeFrame parses one wire frame back into a validated envelope and its
// transfer list. Any structural problem fails the whole frame.
func DecodeFrame(raw []byte) (*Envelope, []*serial.Blob, error) {
	if len(raw) < 1 {
		return nil, nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	flag, body := raw[0], raw[1:]

	switch flag {
	case frameFlagNone:
	case frameFlagCompressed:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		body = decoded
	default:
		return nil, nil, fmt.Errorf("%w: unknown frame flag %#x", ErrMalformed, flag)
	}

	jsonLen, n := binary.Uvarint(body)
	if n <= 0 || uint64(len(body)-n) < jsonLen {
		return nil, nil, fmt.Errorf("%w: truncated json section", ErrMalformed)
	}
	jsonBody := body[n : n+int(jsonLen)]
	rest := body[n+int(jsonLen):]

	var env Envelope
	if err := sonic.Unmarshal(jsonBody, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	blobCount, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, nil, fmt.Errorf("%w: missing blob count", ErrMalformed)
	}
	rest = rest[n:]

	// Every blob needs at least its length prefix, so a count beyond the
	// remaining bytes is a lie. Checked before allocating: the count is
	// attacker-controlled and must not size anything.
	if blobCount > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("%w: blob count %d exceeds frame size", ErrMalformed, blobCount)
	}

	blobs := make([]*serial.Blob, 0, blobCount)
	for i := uint64(0); i < blobCount; i++ {
		size, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < size {
			return nil, nil, fmt.Errorf("%w: truncated blob section %d", ErrMalformed, i)
		}
		data := make([]byte, size)
		copy(data, rest[n:n+int(size)])
		blobs = append(blobs, serial.NewBlob(data))
		rest = rest[n+int(size):]
	}

	var walkErr error
	var restore func(v any) (any, bool)
	restore = func(v any) (any, bool) {
		m, ok := v.(map[string]any)
		if !ok || len(m) != 1 {
			return nil, false
		}

		if wrapped, esc := m[blobEscKey]; esc {
			inner, isMap := wrapped.(map[string]any)
			if !isMap {
				walkErr = fmt.Errorf("%w: bad placeholder escape", ErrMalformed)
				return nil, true
			}
			out := make(map[string]any, len(inner))
			for k, e := range inner {
				out[k] = walkValue(e, restore)
			}
			return out, true
		}

		idx, ok := m[blobKey]
		if !ok {
			return nil, false
		}
		f, ok := idx.(float64)
		if !ok || f < 0 || int(f) >= len(blobs) {
			walkErr = fmt.Errorf("%w: blob index out of range", ErrMalformed)
			return nil, true
		}
		return blobs[int(f)], true
	}

	env.Snapshot = walkSnapshot(env.Snapshot, restore)
	env.Value = walkValue(env.Value, restore)
	env.Data = walkValue(env.Data, restore)
	env.Result = walkValue(env.Result, restore)
	env.Args = walkArgs(env.Args, restore)
	if env.Payload != nil {
		env.Payload.Data = walkValue(env.Payload.Data, restore)
	}
	if walkErr != nil {
		return nil, nil, walkErr
	}

	if err := Validate(&env); err != nil {
		return nil, nil, err
	}
	return &env, blobs, nil
}

// walkValue rebuilds v with replace applied to every node. Containers are
// copied, never mutated in place, so the caller's payload survives intact.
func walkValue(v any, replace func(any) (any, bool)) any {
	if out, done := replace(v); done {
		return out
	}
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = walkValue(e, replace)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = walkValue(e, replace)
		}
		return out
	default:
		return v
	}
}

func walkArgs(args []any, replace func(any) (any, bool)) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = walkValue(a, replace)
	}
	return out
}

func walkSnapshot(snap map[string]any, replace func(any) (any, bool)) map[string]any {
	if snap == nil {
		return nil
	}
	out := make(map[string]any, len(snap))
	for k, v := range snap {
		out[k] = walkValue(v, replace)
	}
	return out
}
