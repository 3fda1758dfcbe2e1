package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgebus/internal/observability"
	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/danmuck/edgebus/internal/transport"
	uuid "github.com/hashicorp/go-uuid"
)

// Client is a raw-socket bridge connection. A failed connect is terminal;
// retrying is up to the caller.
type Client struct {
	*core

	tr    transport.Transport
	reg   *registry
	slot  replySlot
	subMu sync.Mutex

	// inflight admits one reply-waiting send at a time.
	inflight chan struct{}

	failMu  sync.Mutex
	failErr error

	done     chan struct{}
	stopPing chan struct{}
	stopOnce sync.Once
	closing  sync.Once
}

// DialTCP connects to a length-prefixed TCP bridge at address.
func DialTCP(ctx context.Context, address string, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	c := newClient(o)
	tr, err := transport.TCPDialer{Address: address, Config: o.cfg}.Dial(ctx)
	if err != nil {
		_ = c.state.Transition(session.StateFailed)
		err = fmt.Errorf("eventbus: connect %s: %w", address, err)
		c.log.Error().Err(err).Msg("connect failed")
		c.fireError(err)
		return nil, err
	}
	c.start(tr)
	return c, nil
}

// NewClient runs the raw-socket model over an established transport.
func NewClient(tr transport.Transport, opts ...Option) *Client {
	c := newClient(newOptions(opts))
	c.start(tr)
	return c
}

func newClient(o options) *Client {
	return &Client{
		core:     newCore(transport.NameTCP, o),
		reg:      newRegistry(),
		inflight: make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopPing: make(chan struct{}),
	}
}

func (c *Client) start(tr transport.Transport) {
	c.tr = tr
	_ = c.state.Transition(session.StateOpen)
	c.log.Info().Str("remote", tr.RemoteAddr()).Msg("connected")
	go c.receiveLoop()
	if c.opts.cfg.PingInterval > 0 {
		go c.keepAlive()
	}
	c.fireOpen()
}

// Send writes a send frame. With WithReply it blocks until the handler has
// run: it returns nil once a reply frame was delivered, or the local error
// (ErrReplyTimeout, ErrConnectionClosed, a context error) the handler was
// given instead.
func (c *Client) Send(ctx context.Context, address string, body any, opts ...SendOption) error {
	if err := c.state.RequireOpen(); err != nil {
		return err
	}
	so := newSendOptions(opts)
	raw, err := protocol.MarshalBody(body)
	if err != nil {
		return err
	}
	if so.reply == nil {
		return c.writeEnvelope(ctx, protocol.NewSend(address, so.replyAddress, so.headers, raw))
	}
	return c.sendAndWait(ctx, address, raw, so)
}

func (c *Client) sendAndWait(ctx context.Context, address string, raw []byte, so sendOptions) error {
	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	}
	defer func() { <-c.inflight }()

	replyAddress := so.replyAddress
	if replyAddress == "" {
		token, err := uuid.GenerateUUID()
		if err != nil {
			return err
		}
		replyAddress = token
	}

	// armed before the write so a fast reply cannot miss it
	p := newPendingReply(address, replyAddress, so.reply)
	c.slot.arm(p)
	if err := c.writeEnvelope(ctx, protocol.NewSend(address, replyAddress, so.headers, raw)); err != nil {
		c.slot.takeIf(p)
		return err
	}

	timeout := so.timeout
	if timeout <= 0 {
		timeout = c.opts.cfg.ReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return p.err
	case <-timer.C:
		return c.expire(p, ErrReplyTimeout)
	case <-ctx.Done():
		return c.expire(p, ctx.Err())
	case <-c.done:
		return c.expire(p, ErrConnectionClosed)
	}
}

// expire resolves p with err unless the receive path already claimed it, in
// which case it waits for that delivery to finish.
func (c *Client) expire(p *pendingReply, err error) error {
	if c.slot.takeIf(p) {
		c.log.Debug().Str("address", p.destination).Err(err).Msg("reply wait ended without a frame")
		observability.RecordReplyOutcome(c.transport, outcomeFor(err))
		p.resolve(localFailure(p.replyAddress), err, true)
		return err
	}
	<-p.done
	return p.err
}

func (c *Client) Publish(ctx context.Context, address string, body any, opts ...SendOption) error {
	if err := c.state.RequireOpen(); err != nil {
		return err
	}
	so := newSendOptions(opts)
	raw, err := protocol.MarshalBody(body)
	if err != nil {
		return err
	}
	return c.writeEnvelope(ctx, protocol.NewPublish(address, so.headers, raw))
}

// Request sends body and returns the reply. The wait is bounded by
// WithTimeout or the connection's ReplyTimeout.
func (c *Client) Request(ctx context.Context, address string, body any, opts ...SendOption) (*Message, error) {
	return request(ctx, c, c.opts.cfg.ReplyTimeout, address, body, opts)
}

// RegisterHandler adds h for address. Only the first handler of an address
// sends a register frame.
func (c *Client) RegisterHandler(address string, h Handler) (*Registration, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if err := c.state.RequireOpen(); err != nil {
		return nil, err
	}
	reg, err := c.reg.newRegistration(address, h)
	if err != nil {
		return nil, err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if first := c.reg.add(reg); first {
		if err := c.writeEnvelope(context.Background(), protocol.NewRegister(address, nil)); err != nil {
			c.reg.remove(reg)
			return nil, err
		}
	}
	return reg, nil
}

// UnregisterHandler removes reg. The unregister frame goes out only when
// the address has no handler left.
func (c *Client) UnregisterHandler(reg *Registration) error {
	if reg == nil {
		return ErrNilHandler
	}
	if err := c.state.RequireOpen(); err != nil {
		return err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	found, last := c.reg.remove(reg)
	if !found {
		return ErrNotRegistered
	}
	if last {
		return c.writeEnvelope(context.Background(), protocol.NewUnregister(reg.address, nil))
	}
	return nil
}

// Addresses lists the addresses with at least one local handler.
func (c *Client) Addresses() []string {
	return c.reg.addresses()
}

// Close stops keep-alive, closes the socket and waits for the receive loop.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.closing.Do(func() {
		c.state.TransitionFrom(session.StateClosing, session.StateOpen)
		c.stopKeepAlive()
		c.markShutdown()
		_ = c.tr.Close()
		<-c.done
	})
	return nil
}

func (c *Client) writeEnvelope(ctx context.Context, env protocol.Envelope) error {
	if err := c.state.RequireOpen(); err != nil {
		return err
	}
	payload, err := c.encode(env)
	if err != nil {
		return err
	}
	if err := c.tr.WriteMessage(ctx, payload); err != nil {
		c.log.Error().Err(err).Str("type", string(env.Type)).Str("address", env.Address).Msg("write failed")
		if breaksStream(err) {
			c.fail(err)
		}
		return err
	}
	observability.RecordFrameSent(c.transport, string(env.Type))
	return nil
}

// fail records the first transport failure and closes the socket; the
// receive loop then reports it through finish.
func (c *Client) fail(err error) {
	c.failMu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	c.failMu.Unlock()
	_ = c.tr.Close()
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.opts.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeEnvelope(context.Background(), protocol.NewPing()); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

func (c *Client) stopKeepAlive() {
	c.stopOnce.Do(func() { close(c.stopPing) })
}

// receiveLoop polls the socket in ReceiveTimeout windows. An empty window
// ends the loop once the connection is no longer open.
func (c *Client) receiveLoop() {
	var exitErr error
	defer func() { c.finish(exitErr) }()
	for {
		_ = c.tr.SetReadDeadline(time.Now().Add(c.opts.cfg.ReceiveTimeout))
		payload, err := c.tr.ReadMessage()
		if err != nil {
			if transport.IsTimeout(err) {
				if c.state.Current() == session.StateOpen {
					continue
				}
				return
			}
			exitErr = err
			return
		}
		c.dispatch(payload)
	}
}

func (c *Client) dispatch(payload []byte) {
	env, ok := protocol.DecodeOrError(payload)
	if !ok {
		c.log.Warn().Str("failure", env.FailureType).Msg("undecodable frame")
	}
	observability.RecordFrameReceived(c.transport, string(env.Type))
	msg := newMessage(c, env)

	switch env.Type {
	case protocol.TypeMessage:
		regs := c.reg.lookup(env.Address)
		for _, reg := range regs {
			reg.handler(msg)
		}
		handled := len(regs) > 0
		// a reply to the same address still fires after the handlers
		if p := c.slot.take(env.Address, false); p != nil {
			observability.RecordReplyOutcome(c.transport, observability.OutcomeReply)
			p.resolve(msg, nil, false)
			handled = true
		}
		if !handled {
			c.unhandled(msg)
		}
	case protocol.TypeErr:
		if p := c.slot.take(env.Address, true); p != nil {
			observability.RecordReplyOutcome(c.transport, observability.OutcomeFailure)
			p.resolve(msg, busError(env), false)
			return
		}
		c.unhandled(msg)
	case protocol.TypePong:
		c.recordPong()
	default:
		c.unhandled(msg)
	}
}

// finish runs once when the receive loop exits, whatever the cause.
func (c *Client) finish(err error) {
	expected := c.state.Current() == session.StateClosing
	c.failMu.Lock()
	if c.failErr != nil {
		err = c.failErr
	}
	c.failMu.Unlock()
	c.stopKeepAlive()
	c.markShutdown()
	_ = c.tr.Close()
	c.state.TransitionFrom(session.StateClosed, session.StateOpen, session.StateClosing)
	close(c.done)

	if p := c.slot.takeAny(); p != nil {
		observability.RecordReplyOutcome(c.transport, observability.OutcomeClosed)
		p.resolve(localFailure(p.replyAddress), ErrConnectionClosed, true)
	}
	c.reg.reset()

	if expected {
		c.log.Info().Msg("closed")
		c.fireClose(nil)
		return
	}
	if err != nil && !transport.IsClosed(err) {
		c.log.Error().Err(err).Msg("connection lost")
		c.fireError(err)
	} else {
		c.log.Info().Msg("closed by peer")
	}
	c.fireClose(err)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrReplyTimeout), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeTimeout
	case errors.Is(err, ErrConnectionClosed):
		return observability.OutcomeClosed
	default:
		return observability.OutcomeFailure
	}
}
