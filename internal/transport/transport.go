// Package transport adapts sockets to whole-payload reads and writes for the
// bridge clients. The TCP transport applies the 4-byte length prefix; the
// WebSocket transport passes one JSON text per message unless framed.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const (
	NameTCP       = "tcp"
	NameWebSocket = "websocket"
)

// Transport moves whole JSON payloads. ReadMessage has a single caller;
// WriteMessage may be called concurrently.
type Transport interface {
	Name() string
	WriteMessage(ctx context.Context, payload []byte) error
	ReadMessage() ([]byte, error)
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Dialer opens a new Transport to a fixed endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err means the peer or the local side closed the
// connection in an orderly way.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
