package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgebus/internal/observability"
	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/protocol/frame"
	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Connection is the surface shared by Client and StreamClient.
type Connection interface {
	State() session.State
	Send(ctx context.Context, address string, body any, opts ...SendOption) error
	Publish(ctx context.Context, address string, body any, opts ...SendOption) error
	Request(ctx context.Context, address string, body any, opts ...SendOption) (*Message, error)
	RegisterHandler(address string, h Handler) (*Registration, error)
	UnregisterHandler(reg *Registration) error
	SetDefaultHeaders(headers map[string]string)
	Done() <-chan struct{}
	Close() error
}

var (
	_ Connection = (*Client)(nil)
	_ Connection = (*StreamClient)(nil)
)

// core holds what both connection models share: config, hooks, logging,
// state and default headers.
type core struct {
	opts      options
	transport string
	log       zerolog.Logger
	state     *session.StateMachine

	headersMu sync.RWMutex
	headers   map[string]string

	lastPong atomic.Int64

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newCore(transport string, opts options) *core {
	c := &core{
		opts:      opts,
		transport: transport,
		headers:   opts.headers,
		shutdown:  make(chan struct{}),
	}
	if opts.logger != nil {
		c.log = opts.logger.With().Str("transport", transport).Logger()
	} else {
		c.log = observability.Logger("eventbus").With().Str("transport", transport).Logger()
	}
	c.state = session.NewStateMachine(func(from, to session.State) {
		c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state transition")
		observability.RecordStateTransition(transport, to.String())
	})
	return c
}

func (c *core) State() session.State {
	return c.state.Current()
}

// Done is closed once the connection is shut down for good: on Close, and
// for a Client also when the socket ends. Handlers blocked on a consumer
// should give up when it closes.
func (c *core) Done() <-chan struct{} {
	return c.shutdown
}

func (c *core) markShutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdown) })
}

// SetDefaultHeaders replaces the headers merged into every outbound frame.
func (c *core) SetDefaultHeaders(headers map[string]string) {
	c.headersMu.Lock()
	c.headers = protocol.CopyHeaders(headers)
	c.headersMu.Unlock()
}

func (c *core) mergeHeaders(headers map[string]string) map[string]string {
	c.headersMu.RLock()
	defer c.headersMu.RUnlock()
	return protocol.MergeHeaders(c.headers, headers)
}

// LastPong is when the bridge last answered a ping; zero if never.
func (c *core) LastPong() time.Time {
	ns := c.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *core) recordPong() {
	c.lastPong.Store(time.Now().UnixNano())
}

func (c *core) unhandled(msg *Message) {
	observability.RecordUnhandled(c.transport, string(msg.Type))
	if c.opts.hooks.OnUnhandled != nil {
		c.opts.hooks.OnUnhandled(msg)
		return
	}
	ev := c.log.Warn().Str("type", string(msg.Type)).Str("address", msg.Address)
	if msg.Type == protocol.TypeErr {
		ev = ev.Int("failure_code", msg.FailureCode).Str("failure_type", msg.FailureType)
	}
	ev.Msg("unhandled frame")
}

func (c *core) fireOpen() {
	if c.opts.hooks.OnOpen != nil {
		c.opts.hooks.OnOpen()
	}
}

func (c *core) fireReconnect() {
	if c.opts.hooks.OnReconnect != nil {
		c.opts.hooks.OnReconnect()
	}
}

func (c *core) fireError(err error) {
	if c.opts.hooks.OnError != nil {
		c.opts.hooks.OnError(err)
	}
}

func (c *core) fireClose(err error) {
	if c.opts.hooks.OnClose != nil {
		c.opts.hooks.OnClose(err)
	}
}

// breaksStream reports whether a failed write may have left a partial frame
// behind. A context that ended before the write, or an oversized payload, is
// refused before any byte goes out.
func breaksStream(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return false
	}
	return true
}

func (c *core) encode(env protocol.Envelope) ([]byte, error) {
	env.Headers = c.mergeHeaders(env.Headers)
	return protocol.Encode(env)
}

// request turns a reply-handler send into a call that returns the reply.
// A failure frame comes back as a *BusError next to the message.
func request(ctx context.Context, conn Connection, fallback time.Duration, address string, body any, opts []SendOption) (*Message, error) {
	so := newSendOptions(opts)
	timeout := so.timeout
	if timeout <= 0 {
		timeout = fallback
	}

	type result struct {
		msg *Message
		err error
	}
	results := make(chan result, 1)
	opts = append(opts,
		WithTimeout(timeout),
		WithReply(func(msg *Message, err error) {
			select {
			case results <- result{msg: msg, err: err}:
			default:
			}
		}),
	)
	if err := conn.Send(ctx, address, body, opts...); err != nil {
		select {
		case r := <-results:
			return r.msg, r.err
		default:
			return nil, err
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-results:
		return r.msg, r.err
	case <-timer.C:
		// the connection dropped the entry without answering it
		select {
		case r := <-results:
			return r.msg, r.err
		default:
			return nil, ErrReplyTimeout
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrReplyTimeout
		}
		return nil, ctx.Err()
	}
}
