package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalEnvelope validates env and serializes it for a channel.
func MarshalEnvelope(env *Envelope) (json.RawMessage, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes and validates an envelope received from a channel.
// On a validation failure the partially decoded envelope is returned together
// with the error so callers can still answer a request id.
func UnmarshalEnvelope(data json.RawMessage) (*Envelope, error) {
	var env Envelope

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return &env, err
	}
	return &env, nil
}

// Validate checks the invariants of each envelope variant.
func (e *Envelope) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("envelope missing required field: name")
	}

	switch e.Kind {
	case KindEvent:
		if e.ID != "" {
			return fmt.Errorf("event %q must not carry an id", e.Name)
		}
	case KindRequest:
		if e.ID == "" {
			return fmt.Errorf("request %q missing required field: id", e.Name)
		}
	case KindResult:
		if e.ID == "" {
			return fmt.Errorf("result %q missing required field: id", e.Name)
		}
		if e.Error && e.ErrorMessage == "" {
			return fmt.Errorf("result %q has error=true but no errorMessage", e.Name)
		}
	default:
		return fmt.Errorf("invalid envelope kind: %q", e.Kind)
	}
	return nil
}

// MarshalControl serializes a control message.
func MarshalControl(c *Control) (json.RawMessage, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control message: %w", err)
	}
	return data, nil
}

// UnmarshalControl decodes and validates a control message.
func UnmarshalControl(data json.RawMessage) (*Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode control message: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that the control type is known and an error carries a message.
func (c *Control) Validate() error {
	switch c.Type {
	case ControlStart, ControlFinish:
		return nil
	case ControlError:
		if c.Message == "" {
			return fmt.Errorf("control message has type=error but no message")
		}
		return nil
	case "":
		return fmt.Errorf("control message missing required field: type")
	default:
		return fmt.Errorf("invalid control type: %q", c.Type)
	}
}
