package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/danmuck/edgebus/internal/protocol/frame"
	"github.com/danmuck/edgebus/internal/protocol/session"
)

// TCPDialer dials the length-prefixed TCP bridge, with TLS when enabled.
type TCPDialer struct {
	Address string
	Config  session.Config
}

func (d TCPDialer) Dial(ctx context.Context) (Transport, error) {
	cfg := d.Config.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return NewTCP(rawConn, cfg), nil
	}

	tlsCfg, err := ClientTLSConfig(cfg.TLS, d.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return NewTCP(conn, cfg), nil
}

type tcpTransport struct {
	conn   net.Conn
	cfg    session.Config
	reader *frame.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewTCP wraps an established connection. Both bridge clients and the test
// bridge use it, so it carries no client-only behavior.
func NewTCP(conn net.Conn, cfg session.Config) Transport {
	cfg = cfg.WithDefaults()
	return &tcpTransport{
		conn:   conn,
		cfg:    cfg,
		reader: frame.NewReader(conn, cfg.Limits),
	}
}

func (t *tcpTransport) Name() string {
	return NameTCP
}

func (t *tcpTransport) WriteMessage(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(writeDeadline(ctx, t.cfg.WriteTimeout)); err != nil {
		return err
	}
	return frame.WriteFrame(t.conn, payload, t.cfg.Limits)
}

// ReadMessage returns the next payload. A deadline expiry keeps any partial
// frame buffered for the next call.
func (t *tcpTransport) ReadMessage() ([]byte, error) {
	return t.reader.Next()
}

func (t *tcpTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
