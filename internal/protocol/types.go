package protocol

import "encoding/json"

// Kind discriminates the RPC envelope variants.
type Kind string

const (
	// KindEvent is a fire-and-forget call. It never carries an id and never
	// produces a result.
	KindEvent Kind = "event"
	// KindRequest is a correlated call awaiting exactly one result.
	KindRequest Kind = "request"
	// KindResult answers a request with the same id.
	KindResult Kind = "result"
)

// Envelope is the message exchanged by RPC peers over a channel.
type Envelope struct {
	Kind         Kind            `json:"kind"`
	Name         string          `json:"name"`
	ID           string          `json:"id,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        bool            `json:"error,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// NewEvent builds a fire-and-forget envelope.
func NewEvent(name string, args json.RawMessage) *Envelope {
	return &Envelope{Kind: KindEvent, Name: name, Args: args}
}

// NewRequest builds a correlated request envelope.
func NewRequest(id, name string, args json.RawMessage) *Envelope {
	return &Envelope{Kind: KindRequest, ID: id, Name: name, Args: args}
}

// NewResult builds a successful result for request id.
func NewResult(id, name string, result json.RawMessage) *Envelope {
	return &Envelope{Kind: KindResult, ID: id, Name: name, Result: result}
}

// NewErrorResult builds a failed result for request id.
func NewErrorResult(id, name, message string) *Envelope {
	return &Envelope{Kind: KindResult, ID: id, Name: name, Error: true, ErrorMessage: message}
}

// ControlType is the type of a message on a child's control channel.
type ControlType string

const (
	ControlStart  ControlType = "start"
	ControlFinish ControlType = "finish"
	ControlError  ControlType = "error"
)

// Control is the first message a host sends to every spawned child
// (type=start) and the terminal message the child answers with
// (type=finish or type=error).
type Control struct {
	Type    ControlType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Message string          `json:"message,omitempty"`
}

// IsTerminal reports whether the message ends a child's run.
func (c *Control) IsTerminal() bool {
	return c.Type == ControlFinish || c.Type == ControlError
}
