package eventbus

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgebus/internal/protocol"
)

var (
	// ErrReplyTimeout marks a reply wait that ran out of budget. It never
	// comes from the bridge.
	ErrReplyTimeout     = errors.New("eventbus: reply timeout")
	ErrConnectionClosed = errors.New("eventbus: connection closed")
	ErrNilHandler       = errors.New("eventbus: nil handler")
	ErrNotRegistered    = errors.New("eventbus: handler not registered")
	ErrNoReplyAddress   = errors.New("eventbus: message has no reply address")
	ErrUnsupportedURL   = errors.New("eventbus: unsupported target")
)

// BusError is a failure reported by the bridge in an err frame, or a frame
// that could not be decoded.
type BusError struct {
	FailureCode int
	FailureType string
	Message     string
}

func (e *BusError) Error() string {
	if e.FailureType == "" {
		return fmt.Sprintf("eventbus: bus failure code=%d: %s", e.FailureCode, e.Message)
	}
	return fmt.Sprintf("eventbus: bus failure code=%d type=%s: %s", e.FailureCode, e.FailureType, e.Message)
}

func busError(env protocol.Envelope) *BusError {
	return &BusError{
		FailureCode: env.FailureCode,
		FailureType: env.FailureType,
		Message:     env.Message,
	}
}
