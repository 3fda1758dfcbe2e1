package eventbus

import (
	"context"
	"encoding/json"

	"github.com/danmuck/edgebus/internal/protocol"
)

// Handler consumes messages delivered to a registered address.
type Handler func(msg *Message)

// ReplyHandler consumes the single reply to a send. err is nil for a normal
// reply, a *BusError for an err frame, or a local marker such as
// ErrReplyTimeout; in the local case msg carries no body.
type ReplyHandler func(msg *Message, err error)

// Message is an inbound frame as seen by handlers. Handlers of the same
// frame share one Message and must treat it as read-only.
type Message struct {
	Type         protocol.Type
	Address      string
	ReplyAddress string
	Headers      map[string]string
	Body         json.RawMessage

	FailureCode    int
	FailureType    string
	FailureMessage string

	conn replier
}

type replier interface {
	Send(ctx context.Context, address string, body any, opts ...SendOption) error
	writeEnvelope(ctx context.Context, env protocol.Envelope) error
}

func newMessage(conn replier, env protocol.Envelope) *Message {
	return &Message{
		Type:           env.Type,
		Address:        env.Address,
		ReplyAddress:   env.ReplyAddress,
		Headers:        env.Headers,
		Body:           env.Body,
		FailureCode:    env.FailureCode,
		FailureType:    env.FailureType,
		FailureMessage: env.Message,
		conn:           conn,
	}
}

// localFailure is the body-less message handed to a reply handler when the
// wait ends without a frame.
func localFailure(address string) *Message {
	return &Message{Type: protocol.TypeErr, Address: address}
}

// Decode unmarshals the body into v. An empty body leaves v untouched.
func (m *Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return nil
	}
	return json.Unmarshal(m.Body, v)
}

// Envelope returns the wire form of the message.
func (m *Message) Envelope() protocol.Envelope {
	return protocol.Envelope{
		Type:         m.Type,
		Address:      m.Address,
		ReplyAddress: m.ReplyAddress,
		Headers:      m.Headers,
		Body:         m.Body,
		FailureCode:  m.FailureCode,
		FailureType:  m.FailureType,
		Message:      m.FailureMessage,
	}
}

// Reply sends body to the message's reply address.
func (m *Message) Reply(ctx context.Context, body any, opts ...SendOption) error {
	if m.ReplyAddress == "" || m.conn == nil {
		return ErrNoReplyAddress
	}
	return m.conn.Send(ctx, m.ReplyAddress, body, opts...)
}

// Fail answers the message with a failure instead of a body.
func (m *Message) Fail(ctx context.Context, code int, text string) error {
	if m.ReplyAddress == "" || m.conn == nil {
		return ErrNoReplyAddress
	}
	return m.conn.writeEnvelope(ctx, protocol.NewFailure(m.ReplyAddress, code, text))
}
