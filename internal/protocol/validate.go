package protocol

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrMalformed wraps every validation failure so callers can treat the
// whole class as drop-and-log.
var ErrMalformed = errors.New("malformed envelope")

// namePattern is the allow-list for event and attribute names.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:-]{0,127}$`)

// deniedNames are property names that could collide with prototype or
// builtin slots in an embedding runtime. They are rejected outright, never
// sanitized.
var deniedNames = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// ValidName reports whether s is acceptable as an event or attribute name.
func ValidName(s string) bool {
	return namePattern.MatchString(s) && !deniedNames[s]
}

// Validate checks that env conforms to the shape its type requires.
// A nil error means every downstream handler may rely on the type-specific
// fields without re-checking.
func Validate(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil", ErrMalformed)
	}
	if !env.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}

	switch env.Type {
	case TypeInit:
		for name := range env.Snapshot {
			if !ValidName(name) {
				return fmt.Errorf("%w: init snapshot key %q", ErrMalformed, name)
			}
		}

	case TypeReady:
		// No companion fields.

	case TypeAttributeChange:
		if !ValidName(env.Attribute) {
			return fmt.Errorf("%w: attribute name %q", ErrMalformed, env.Attribute)
		}

	case TypeEvent:
		if !ValidName(env.Name) {
			return fmt.Errorf("%w: event name %q", ErrMalformed, env.Name)
		}

	case TypeCustomEvent:
		if env.Payload == nil {
			return fmt.Errorf("%w: custom-event without payload", ErrMalformed)
		}
		if !ValidName(env.Payload.Name) {
			return fmt.Errorf("%w: custom-event name %q", ErrMalformed, env.Payload.Name)
		}

	case TypeFunctionCall:
		if env.CallID == "" {
			return fmt.Errorf("%w: function-call without call id", ErrMalformed)
		}
		if env.FunctionToken == "" {
			return fmt.Errorf("%w: function-call without token", ErrMalformed)
		}
		if env.Args == nil {
			return fmt.Errorf("%w: function-call without args array", ErrMalformed)
		}

	case TypeFunctionResponse:
		if env.CallID == "" {
			return fmt.Errorf("%w: function-response without call id", ErrMalformed)
		}
		if env.Success == nil {
			return fmt.Errorf("%w: function-response without success flag", ErrMalformed)
		}
		if *env.Success && env.Error != "" {
			return fmt.Errorf("%w: successful response carrying an error", ErrMalformed)
		}
		if !*env.Success && env.Error == "" {
			return fmt.Errorf("%w: failed response without an error", ErrMalformed)
		}

	case TypeFunctionRelease:
		if env.FunctionToken == "" {
			return fmt.Errorf("%w: function-release without token", ErrMalformed)
		}

	case TypeFunctionReleaseBatch:
		if len(env.FunctionTokens) == 0 {
			return fmt.Errorf("%w: function-release-batch without tokens", ErrMalformed)
		}
	}

	return nil
}
