package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/danmuck/edgebus/internal/protocol/frame"
	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/gorilla/websocket"
)

// WebSocketDialer dials a message-stream bridge endpoint. When Framed is
// set, payloads travel as binary messages carrying the 4-byte length prefix
// and are reassembled across message boundaries.
type WebSocketDialer struct {
	URL    string
	Config session.Config
	Framed bool
	Header http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	cfg := d.Config.WithDefaults()
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse websocket url: %w", err)
	}
	if u.Scheme == "wss" {
		cfg.TLS.Enabled = true
	}
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := ClientTLSConfig(cfg.TLS, u.Host)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: websocket handshake status=%d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return NewWebSocket(conn, cfg, d.Framed), nil
}

type wsTransport struct {
	conn  *websocket.Conn
	cfg   session.Config
	reasm *frame.Reassembler

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps an established websocket connection.
func NewWebSocket(conn *websocket.Conn, cfg session.Config, framed bool) Transport {
	cfg = cfg.WithDefaults()
	t := &wsTransport{conn: conn, cfg: cfg}
	limit := int64(cfg.Limits.MaxPayloadBytes)
	if framed {
		t.reasm = frame.NewReassembler(cfg.Limits)
		limit += frame.HeaderLen
	}
	conn.SetReadLimit(limit)
	return t
}

func (t *wsTransport) Name() string {
	return NameWebSocket
}

func (t *wsTransport) WriteMessage(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msgType := websocket.TextMessage
	data := payload
	if t.reasm != nil {
		framed, err := frame.AppendFrame(nil, payload, t.cfg.Limits)
		if err != nil {
			return err
		}
		msgType = websocket.BinaryMessage
		data = framed
	} else if limit := t.cfg.Limits.MaxPayloadBytes; limit > 0 && uint64(len(payload)) > uint64(limit) {
		return frame.ErrPayloadTooLarge
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(writeDeadline(ctx, t.cfg.WriteTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(msgType, data)
}

// ReadMessage blocks until one payload is available. In framed mode a
// single websocket message may carry several payloads, or part of one.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		if t.reasm != nil {
			payload, ok, err := t.reasm.Next()
			if err != nil {
				return nil, err
			}
			if ok {
				return payload, nil
			}
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if t.reasm == nil {
			return data, nil
		}
		t.reasm.Feed(data)
	}
}

// SetReadDeadline is passed through, but a websocket read that times out
// leaves the connection unusable; stream readers block instead and rely on
// Close to unblock them.
func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
