package protocol

import (
	"encoding/json"
	"fmt"
)

// Decode parses one JSON payload into an envelope and validates it.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, ErrMissingType
	}
	// err frames may arrive without an address; they are matched to the
	// pending reply by the caller.
	if env.Type.RequiresAddress() && env.Address == "" {
		return env, fmt.Errorf("%w: type=%s", ErrMissingAddress, env.Type)
	}
	return env, nil
}

// DecodeOrError never fails: a payload that cannot be decoded becomes a
// synthetic err envelope describing the failure, carrying the raw text as
// its message. Receive loops route the result like any other frame.
func DecodeOrError(payload []byte) (Envelope, bool) {
	env, err := Decode(payload)
	if err == nil {
		return env, true
	}
	return Envelope{
		Type:        TypeErr,
		Address:     env.Address,
		FailureType: err.Error(),
		Message:     string(payload),
	}, false
}
