package serial

// Rehydrate constructs a live proxy for a function token found in a
// payload. The name is the informational name carried in the token record.
type Rehydrate func(token, name string) Func

// Deserialize mirrors Serialize: function-token records become proxies via
// rehydrate, arrays and records are rebuilt recursively, everything else
// passes through unchanged. Payloads arriving off the wire contain only
// JSON-shaped values plus *Blob, so no depth or cycle guard is needed here.
func Deserialize(payload any, rehydrate Rehydrate) any {
	switch t := payload.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Deserialize(e, rehydrate)
		}
		return out

	case map[string]any:
		if token, name, ok := funcRecord(t); ok {
			if rehydrate == nil {
				return nil
			}
			return rehydrate(token, name)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Deserialize(e, rehydrate)
		}
		return out

	default:
		return payload
	}
}

// ParseFuncRecord recognizes a function-token record and extracts its token
// and informational name. Used by callers that track tokens themselves
// (method table announcements) instead of rehydrating immediately.
func ParseFuncRecord(m map[string]any) (token, name string, ok bool) {
	return funcRecord(m)
}

// funcRecord recognizes the tagged record Serialize emits for functions:
// a functionToken string plus optionally a meta record, nothing else.
func funcRecord(m map[string]any) (token, name string, ok bool) {
	raw, present := m[funcTokenKey]
	if !present || len(m) > 2 {
		return "", "", false
	}
	token, isStr := raw.(string)
	if !isStr || token == "" {
		return "", "", false
	}
	if len(m) == 2 {
		meta, hasMeta := m[funcMetaKey].(map[string]any)
		if !hasMeta {
			return "", "", false
		}
		name, _ = meta[funcNameKey].(string)
	}
	return token, name, true
}
