package eventbus

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Hooks are the connection callbacks. Every field is optional.
type Hooks struct {
	OnOpen      func()
	OnClose     func(err error)
	OnError     func(err error)
	OnReconnect func()
	// OnUnhandled replaces the default warning log for frames that reached
	// no handler and no pending reply.
	OnUnhandled func(msg *Message)
}

type options struct {
	cfg     session.Config
	logger  *zerolog.Logger
	headers map[string]string
	hooks   Hooks
	framed  bool
	header  http.Header
	rng     *rand.Rand
}

// Option configures a connection.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{cfg: session.DefaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.cfg = o.cfg.WithDefaults()
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return o
}

// WithConfig replaces the whole connection config. Options applied after it
// still override single fields.
func WithConfig(cfg session.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithPingInterval sets the keep-alive period; zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.cfg.PingInterval = d }
}

func WithReconnect(enabled bool) Option {
	return func(o *options) { o.cfg.Reconnect = enabled }
}

// WithMaxReconnectAttempts caps consecutive reconnect attempts; zero means
// unbounded.
func WithMaxReconnectAttempts(n int) Option {
	return func(o *options) { o.cfg.MaxReconnectAttempts = n }
}

func WithBackoff(b session.BackoffConfig) Option {
	return func(o *options) { o.cfg.Backoff = b }
}

func WithReceiveTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.ReceiveTimeout = d }
}

func WithReplyTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.ReplyTimeout = d }
}

func WithTLS(tls session.TLSConfig) Option {
	return func(o *options) { o.cfg.TLS = tls }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// WithDefaultHeaders sets headers merged into every outbound frame. Per-call
// headers win on conflicting keys.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(o *options) { o.headers = protocol.CopyHeaders(headers) }
}

// WithFramedStream layers the 4-byte length prefix over the stream
// transport.
func WithFramedStream() Option {
	return func(o *options) { o.framed = true }
}

// WithHandshakeHeader adds HTTP headers to the websocket handshake.
func WithHandshakeHeader(h http.Header) Option {
	return func(o *options) { o.header = h.Clone() }
}

// WithRand sets the source for reconnect jitter.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

func WithHooks(h Hooks) Option {
	return func(o *options) { o.hooks = h }
}

func OnOpen(fn func()) Option {
	return func(o *options) { o.hooks.OnOpen = fn }
}

func OnClose(fn func(err error)) Option {
	return func(o *options) { o.hooks.OnClose = fn }
}

func OnError(fn func(err error)) Option {
	return func(o *options) { o.hooks.OnError = fn }
}

func OnReconnect(fn func()) Option {
	return func(o *options) { o.hooks.OnReconnect = fn }
}

func OnUnhandledFrame(fn func(msg *Message)) Option {
	return func(o *options) { o.hooks.OnUnhandled = fn }
}

type sendOptions struct {
	headers      map[string]string
	reply        ReplyHandler
	timeout      time.Duration
	replyAddress string
}

// SendOption configures one send, publish or reply.
type SendOption func(*sendOptions)

func newSendOptions(opts []SendOption) sendOptions {
	var so sendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}
	return so
}

func WithHeaders(headers map[string]string) SendOption {
	return func(so *sendOptions) { so.headers = headers }
}

// WithReply asks for a correlated reply delivered to h.
func WithReply(h ReplyHandler) SendOption {
	return func(so *sendOptions) { so.reply = h }
}

// WithTimeout bounds the reply wait. The TCP client falls back to the
// connection's ReplyTimeout; the stream client waits indefinitely without it.
func WithTimeout(d time.Duration) SendOption {
	return func(so *sendOptions) { so.timeout = d }
}

// WithReplyAddress puts a caller-chosen reply address on the frame instead
// of a generated token.
func WithReplyAddress(address string) SendOption {
	return func(so *sendOptions) { so.replyAddress = address }
}
