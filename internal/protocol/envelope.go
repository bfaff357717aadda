package protocol

// MessageType discriminates the envelope union.
type MessageType string

// The closed set of envelope types. Anything else is dropped at the
// boundary.
const (
	TypeInit                 MessageType = "init"
	TypeReady                MessageType = "ready"
	TypeAttributeChange      MessageType = "attribute-change"
	TypeEvent                MessageType = "event"
	TypeCustomEvent          MessageType = "custom-event"
	TypeFunctionCall         MessageType = "function-call"
	TypeFunctionResponse     MessageType = "function-response"
	TypeFunctionRelease      MessageType = "function-release"
	TypeFunctionReleaseBatch MessageType = "function-release-batch"
)

// Known reports whether t is a member of the closed type set.
func (t MessageType) Known() bool {
	switch t {
	case TypeInit, TypeReady, TypeAttributeChange, TypeEvent, TypeCustomEvent,
		TypeFunctionCall, TypeFunctionResponse, TypeFunctionRelease,
		TypeFunctionReleaseBatch:
		return true
	}
	return false
}

// EventPayload is the nested body of a custom-event envelope.
type EventPayload struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

// Envelope is the only unit ever sent over the transport. Which fields are
// populated is determined entirely by Type; Validate enforces the shape.
type Envelope struct {
	Type MessageType `json:"type"`

	// init
	Snapshot map[string]any `json:"snapshot,omitempty"`

	// attribute-change
	Attribute string `json:"attribute,omitempty"`
	Value     any    `json:"value,omitempty"`

	// event
	Name string `json:"name,omitempty"`
	Data any    `json:"data,omitempty"`

	// custom-event
	Payload *EventPayload `json:"payload,omitempty"`

	// function-call / function-response
	CallID string `json:"callId,omitempty"`
	Args   []any  `json:"args,omitempty"`
	// Success is a pointer so a response missing the flag entirely is
	// distinguishable from success:false.
	Success *bool  `json:"success,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`

	// function-call / function-release
	FunctionToken string `json:"functionToken,omitempty"`

	// function-release-batch
	FunctionTokens []string `json:"functionTokens,omitempty"`
}

// NewCall builds a function-call envelope. Args is always non-nil so the
// callee can rely on an array being present.
func NewCall(callID, token string, args []any) *Envelope {
	if args == nil {
		args = []any{}
	}
	return &Envelope{
		Type:          TypeFunctionCall,
		CallID:        callID,
		FunctionToken: token,
		Args:          args,
	}
}

// NewResponse builds a successful function-response envelope.
func NewResponse(callID string, result any) *Envelope {
	ok := true
	return &Envelope{
		Type:    TypeFunctionResponse,
		CallID:  callID,
		Success: &ok,
		Result:  result,
	}
}

// NewErrorResponse builds a failed function-response envelope.
func NewErrorResponse(callID, errMsg string) *Envelope {
	ok := false
	return &Envelope{
		Type:    TypeFunctionResponse,
		CallID:  callID,
		Success: &ok,
		Error:   errMsg,
	}
}
