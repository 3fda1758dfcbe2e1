package protocol

import "encoding/json"

// Type is the envelope "type" discriminator.
type Type string

const (
	TypeSend       Type = "send"
	TypePublish    Type = "publish"
	TypeRegister   Type = "register"
	TypeUnregister Type = "unregister"
	TypeMessage    Type = "message"
	TypeErr        Type = "err"
	TypePing       Type = "ping"
	TypePong       Type = "pong"
)

// Known reports whether t is a frame kind this client understands.
func (t Type) Known() bool {
	switch t {
	case TypeSend, TypePublish, TypeRegister, TypeUnregister, TypeMessage, TypeErr, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// RequiresAddress reports whether frames of kind t must carry an address.
func (t Type) RequiresAddress() bool {
	switch t {
	case TypeSend, TypePublish, TypeRegister, TypeUnregister, TypeMessage:
		return true
	default:
		return false
	}
}

// Envelope is one JSON unit of the bridge protocol.
//
// FailureCode, FailureType and Message are only populated on err frames
// (and on failure replies sent by the client).
type Envelope struct {
	Type         Type              `json:"type"`
	Address      string            `json:"address,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	FailureCode  int               `json:"failureCode,omitempty"`
	FailureType  string            `json:"failureType,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// IsError reports whether the envelope is an err frame.
func (e Envelope) IsError() bool {
	return e.Type == TypeErr
}

// ExpectsReply reports whether the sender asked for a correlated reply.
func (e Envelope) ExpectsReply() bool {
	return e.ReplyAddress != ""
}
