package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode validates env and returns its JSON payload.
func Encode(env Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	if len(env.Body) > 0 && !json.Valid(env.Body) {
		return nil, ErrInvalidBody
	}
	return json.Marshal(env)
}

// Validate checks the required fields for the envelope's frame kind.
func Validate(env Envelope) error {
	if env.Type == "" {
		return ErrMissingType
	}
	if !env.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if env.Type.RequiresAddress() && env.Address == "" {
		return fmt.Errorf("%w: type=%s", ErrMissingAddress, env.Type)
	}
	return nil
}

// MarshalBody converts an application value into an envelope body.
// A nil value yields an empty body, which is omitted on the wire.
func MarshalBody(v any) (json.RawMessage, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(b) > 0 && !json.Valid(b) {
			return nil, ErrInvalidBody
		}
		return b, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return raw, nil
}

func NewSend(address, replyAddress string, headers map[string]string, body json.RawMessage) Envelope {
	return Envelope{
		Type:         TypeSend,
		Address:      address,
		ReplyAddress: replyAddress,
		Headers:      headers,
		Body:         body,
	}
}

func NewPublish(address string, headers map[string]string, body json.RawMessage) Envelope {
	return Envelope{
		Type:    TypePublish,
		Address: address,
		Headers: headers,
		Body:    body,
	}
}

func NewRegister(address string, headers map[string]string) Envelope {
	return Envelope{Type: TypeRegister, Address: address, Headers: headers}
}

func NewUnregister(address string, headers map[string]string) Envelope {
	return Envelope{Type: TypeUnregister, Address: address, Headers: headers}
}

func NewPing() Envelope {
	return Envelope{Type: TypePing}
}

// NewFailure builds the failure reply a client sends back to a replyAddress.
// The bridge expects it as a send frame carrying failureCode and message.
func NewFailure(address string, code int, message string) Envelope {
	return Envelope{
		Type:        TypeSend,
		Address:     address,
		FailureCode: code,
		Message:     message,
	}
}
