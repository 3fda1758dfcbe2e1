package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/edgebus/internal/observability"
	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/danmuck/edgebus/internal/transport"
	uuid "github.com/hashicorp/go-uuid"
)

// streamConn is the state owned by one open transport. A reconnect gets a
// fresh one, so handlers and pending replies never cross connections.
type streamConn struct {
	tr     transport.Transport
	reg    *registry
	outbox *session.ReplyOutbox
	stop   chan struct{}
}

// StreamClient is a message-stream bridge connection with keep-alive and
// optional reconnect.
type StreamClient struct {
	*core

	dialer transport.Dialer
	subMu  sync.Mutex
	wg     sync.WaitGroup

	mu             sync.Mutex
	cur            *streamConn
	reconnect      bool
	attempts       int
	opened         bool
	closed         bool
	reconnectTimer *time.Timer
}

// DialStream connects to a websocket bridge endpoint. If the first attempt
// fails and reconnect is enabled, the client is returned in CLOSED state
// with an attempt scheduled; otherwise the error is returned.
func DialStream(ctx context.Context, url string, opts ...Option) (*StreamClient, error) {
	o := newOptions(opts)
	dialer := transport.WebSocketDialer{
		URL:    url,
		Config: o.cfg,
		Framed: o.framed,
		Header: o.header,
	}
	return newStreamClient(ctx, dialer, o)
}

// NewStreamClient runs the stream model over any dialer.
func NewStreamClient(ctx context.Context, dialer transport.Dialer, opts ...Option) (*StreamClient, error) {
	return newStreamClient(ctx, dialer, newOptions(opts))
}

func newStreamClient(ctx context.Context, dialer transport.Dialer, o options) (*StreamClient, error) {
	c := &StreamClient{
		core:      newCore(transport.NameWebSocket, o),
		dialer:    dialer,
		reconnect: o.cfg.Reconnect,
	}
	notify, err := c.open(ctx)
	if err != nil {
		c.connectFailed(err)()
		c.mu.Lock()
		scheduled := c.reconnectTimer != nil
		c.mu.Unlock()
		if !scheduled {
			return nil, err
		}
		return c, nil
	}
	notify()
	return c, nil
}

// open dials and starts a connection. The returned func fires the open
// hooks; callers run it once they hold no client resources.
func (c *StreamClient) open(ctx context.Context) (func(), error) {
	tr, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = tr.Close()
		return nil, ErrConnectionClosed
	}
	sc := &streamConn{
		tr:     tr,
		reg:    newRegistry(),
		outbox: session.NewReplyOutbox(),
		stop:   make(chan struct{}),
	}
	if err := c.state.Transition(session.StateOpen); err != nil {
		c.mu.Unlock()
		_ = tr.Close()
		return nil, err
	}
	c.cur = sc
	reconnected := c.opened
	c.opened = true
	c.attempts = 0
	c.wg.Add(2)
	c.mu.Unlock()

	c.log.Info().Str("remote", tr.RemoteAddr()).Bool("reconnect", reconnected).Msg("connected")
	go c.readLoop(sc)
	go c.keepAlive(sc)
	return func() {
		c.fireOpen()
		if reconnected {
			c.fireReconnect()
		}
	}, nil
}

// connectFailed handles a failed dial: the attempt ends CLOSED and the next
// one is scheduled when allowed. The returned func fires the hooks.
func (c *StreamClient) connectFailed(err error) func() {
	c.mu.Lock()
	c.state.TransitionFrom(session.StateClosed, session.StateConnecting, session.StateClosing)
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.scheduleLocked()
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("connect failed")
	return func() {
		c.fireError(err)
		c.fireClose(err)
	}
}

// scheduleLocked arms the next reconnect attempt. c.mu must be held.
func (c *StreamClient) scheduleLocked() {
	if c.closed || c.reconnectTimer != nil {
		return
	}
	cfg := c.opts.cfg
	cfg.Reconnect = c.reconnect
	if !cfg.ShouldReconnect(c.attempts) {
		if c.reconnect {
			c.log.Warn().Int("attempts", c.attempts).Msg("reconnect attempts exhausted")
		}
		return
	}
	delay := session.NextBackoffDelay(c.opts.cfg.Backoff, c.attempts, c.opts.rng)
	c.attempts++
	c.reconnectTimer = time.AfterFunc(delay, c.reconnectNow)
	observability.RecordReconnect(c.transport, delay.Seconds())
	c.log.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *StreamClient) reconnectNow() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.closed || !c.reconnect {
		c.mu.Unlock()
		return
	}
	if err := c.state.Transition(session.StateConnecting); err != nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.cfg.ConnectTimeout)
	notify, err := c.open(ctx)
	cancel()
	if err != nil {
		notify = c.connectFailed(err)
	}
	c.wg.Done()
	notify()
}

// EnableReconnect switches reconnect at runtime. Disabling it cancels a
// pending attempt and resets the attempt counter.
func (c *StreamClient) EnableReconnect(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = enabled
	if enabled {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.attempts = 0
}

// Attempts is the number of reconnect attempts since the last open.
func (c *StreamClient) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *StreamClient) current() (*streamConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.RequireOpen(); err != nil {
		return nil, err
	}
	if c.cur == nil {
		return nil, ErrConnectionClosed
	}
	return c.cur, nil
}

// Send writes a send frame and returns once it is on the wire. With
// WithReply the handler runs later, on the reply or, when WithTimeout is
// set, on ErrReplyTimeout. A reply still pending when the connection
// closes is dropped without a call.
func (c *StreamClient) Send(ctx context.Context, address string, body any, opts ...SendOption) error {
	sc, err := c.current()
	if err != nil {
		return err
	}
	so := newSendOptions(opts)
	raw, err := protocol.MarshalBody(body)
	if err != nil {
		return err
	}
	if so.reply == nil {
		return c.writeTo(ctx, sc, protocol.NewSend(address, so.replyAddress, so.headers, raw))
	}

	token := so.replyAddress
	if token == "" {
		if token, err = uuid.GenerateUUID(); err != nil {
			return err
		}
	}
	handler := so.reply
	item := &session.PendingReply{
		Token:    token,
		Address:  address,
		QueuedAt: time.Now(),
		Deliver: func(env protocol.Envelope, err error) {
			msg := newMessage(c, env)
			if err != nil && env.Type == "" {
				msg = localFailure(token)
			}
			handler(msg, err)
		},
	}
	// inserted before the write so a fast reply finds it
	if err := sc.outbox.Insert(item); err != nil {
		return err
	}
	if so.timeout > 0 {
		timer := time.AfterFunc(so.timeout, func() {
			if pending, ok := sc.outbox.Take(token); ok {
				c.log.Debug().Str("address", address).Msg("reply timeout")
				observability.RecordReplyOutcome(c.transport, observability.OutcomeTimeout)
				pending.Deliver(protocol.Envelope{}, ErrReplyTimeout)
			}
		})
		if !sc.outbox.SetTimer(token, timer) {
			timer.Stop()
		}
	}
	if err := c.writeTo(ctx, sc, protocol.NewSend(address, token, so.headers, raw)); err != nil {
		sc.outbox.Take(token)
		return err
	}
	return nil
}

func (c *StreamClient) Publish(ctx context.Context, address string, body any, opts ...SendOption) error {
	sc, err := c.current()
	if err != nil {
		return err
	}
	so := newSendOptions(opts)
	raw, err := protocol.MarshalBody(body)
	if err != nil {
		return err
	}
	return c.writeTo(ctx, sc, protocol.NewPublish(address, so.headers, raw))
}

// Request sends body and waits for the reply, bounded by WithTimeout or the
// connection's ReplyTimeout.
func (c *StreamClient) Request(ctx context.Context, address string, body any, opts ...SendOption) (*Message, error) {
	return request(ctx, c, c.opts.cfg.ReplyTimeout, address, body, opts)
}

// RegisterHandler adds h for address on the current connection. After a
// reconnect handlers must be registered again.
func (c *StreamClient) RegisterHandler(address string, h Handler) (*Registration, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	sc, err := c.current()
	if err != nil {
		return nil, err
	}
	reg, err := sc.reg.newRegistration(address, h)
	if err != nil {
		return nil, err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if first := sc.reg.add(reg); first {
		if err := c.writeTo(context.Background(), sc, protocol.NewRegister(address, nil)); err != nil {
			sc.reg.remove(reg)
			return nil, err
		}
	}
	return reg, nil
}

func (c *StreamClient) UnregisterHandler(reg *Registration) error {
	if reg == nil {
		return ErrNilHandler
	}
	sc, err := c.current()
	if err != nil {
		return err
	}
	if reg.owner != sc.reg {
		return ErrNotRegistered
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	found, last := sc.reg.remove(reg)
	if !found {
		return ErrNotRegistered
	}
	if last {
		return c.writeTo(context.Background(), sc, protocol.NewUnregister(reg.address, nil))
	}
	return nil
}

// Addresses lists the addresses with a local handler on the current
// connection.
func (c *StreamClient) Addresses() []string {
	c.mu.Lock()
	sc := c.cur
	c.mu.Unlock()
	if sc == nil {
		return nil
	}
	return sc.reg.addresses()
}

// Pending is the number of replies the current connection still awaits.
func (c *StreamClient) Pending() int {
	c.mu.Lock()
	sc := c.cur
	c.mu.Unlock()
	if sc == nil {
		return 0
	}
	return sc.outbox.Len()
}

// Close disables reconnect, closes the transport and waits for the
// connection's goroutines. It is safe to call more than once.
func (c *StreamClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closed = true
	c.reconnect = false
	c.markShutdown()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state.TransitionFrom(session.StateClosing, session.StateOpen, session.StateConnecting)
	sc := c.cur
	c.mu.Unlock()

	if sc != nil {
		_ = sc.tr.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state.TransitionFrom(session.StateClosed, session.StateClosing)
	c.mu.Unlock()
	return nil
}

func (c *StreamClient) writeEnvelope(ctx context.Context, env protocol.Envelope) error {
	sc, err := c.current()
	if err != nil {
		return err
	}
	return c.writeTo(ctx, sc, env)
}

// writeTo writes on sc. A transport failure closes sc so the read loop
// takes the close path.
func (c *StreamClient) writeTo(ctx context.Context, sc *streamConn, env protocol.Envelope) error {
	payload, err := c.encode(env)
	if err != nil {
		return err
	}
	if err := sc.tr.WriteMessage(ctx, payload); err != nil {
		c.log.Error().Err(err).Str("type", string(env.Type)).Str("address", env.Address).Msg("write failed")
		if breaksStream(err) {
			_ = sc.tr.Close()
		}
		return err
	}
	observability.RecordFrameSent(c.transport, string(env.Type))
	return nil
}

// keepAlive pings once on open and then every PingInterval until sc closes.
func (c *StreamClient) keepAlive(sc *streamConn) {
	defer c.wg.Done()
	interval := c.opts.cfg.PingInterval
	if interval <= 0 {
		return
	}
	ping := func() {
		if err := c.writeTo(context.Background(), sc, protocol.NewPing()); err != nil {
			c.log.Debug().Err(err).Msg("ping failed")
		}
	}
	ping()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.stop:
			return
		case <-ticker.C:
			ping()
		}
	}
}

func (c *StreamClient) readLoop(sc *streamConn) {
	for {
		payload, err := sc.tr.ReadMessage()
		if err != nil {
			notify := c.handleClose(sc, err)
			c.wg.Done()
			notify()
			return
		}
		c.dispatch(sc, payload)
	}
}

func (c *StreamClient) dispatch(sc *streamConn, payload []byte) {
	env, ok := protocol.DecodeOrError(payload)
	if !ok {
		c.log.Warn().Str("failure", env.FailureType).Msg("undecodable frame")
	}
	observability.RecordFrameReceived(c.transport, string(env.Type))

	switch env.Type {
	case protocol.TypeMessage:
		if item, ok := sc.outbox.Take(env.Address); ok {
			observability.RecordReplyOutcome(c.transport, observability.OutcomeReply)
			c.log.Debug().Str("address", item.Address).Dur("latency", time.Since(item.QueuedAt)).Msg("reply")
			item.Deliver(env, nil)
			return
		}
		msg := newMessage(c, env)
		regs := sc.reg.lookup(env.Address)
		for _, reg := range regs {
			reg.handler(msg)
		}
		if len(regs) == 0 {
			c.unhandled(msg)
		}
	case protocol.TypeErr:
		if env.Address != "" {
			if item, ok := sc.outbox.Take(env.Address); ok {
				observability.RecordReplyOutcome(c.transport, observability.OutcomeFailure)
				item.Deliver(env, busError(env))
				return
			}
		}
		c.unhandled(newMessage(c, env))
	case protocol.TypePong:
		c.recordPong()
	default:
		c.unhandled(newMessage(c, env))
	}
}

// handleClose tears down sc: pings stop, pending replies and handlers are
// dropped, and a reconnect is scheduled when allowed. The returned func
// fires the close hooks.
func (c *StreamClient) handleClose(sc *streamConn, err error) func() {
	c.mu.Lock()
	if c.cur != sc {
		c.mu.Unlock()
		return func() {}
	}
	c.cur = nil
	close(sc.stop)
	expected := c.closed
	c.state.TransitionFrom(session.StateClosed, session.StateOpen, session.StateClosing)
	dropped := sc.outbox.Drain()
	sc.reg.reset()
	if !expected {
		c.scheduleLocked()
	}
	c.mu.Unlock()

	_ = sc.tr.Close()
	if len(dropped) > 0 {
		c.log.Debug().Int("pending", len(dropped)).Msg("dropped pending replies")
	}
	if expected {
		c.log.Info().Msg("closed")
		return func() { c.fireClose(nil) }
	}
	lost := !transport.IsClosed(err)
	if lost {
		c.log.Error().Err(err).Msg("connection lost")
	} else {
		c.log.Info().Msg("closed by peer")
	}
	return func() {
		if lost {
			c.fireError(err)
		}
		c.fireClose(err)
	}
}
