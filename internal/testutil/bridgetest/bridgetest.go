// Package bridgetest runs an in-process event bus bridge for tests. It
// speaks the length-prefixed TCP protocol or websocket text frames, records
// every inbound envelope and routes sends and publishes between its own
// connections.
package bridgetest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/danmuck/edgebus/internal/transport"
	"github.com/gorilla/websocket"
)

// Responder answers a send addressed to a handled address. The returned
// envelopes go back to the sending connection.
type Responder func(env protocol.Envelope) []protocol.Envelope

type Server struct {
	t   testing.TB
	cfg session.Config

	ln  net.Listener
	web *httptest.Server

	mu         sync.Mutex
	received   []protocol.Envelope
	conns      map[transport.Transport]struct{}
	subs       map[string][]transport.Transport
	replies    map[string]transport.Transport
	responders map[string]Responder
	silent     bool
	accepted   int
	changed    chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newServer(t testing.TB) *Server {
	return &Server{
		t:          t,
		cfg:        session.DefaultConfig(),
		conns:      make(map[transport.Transport]struct{}),
		subs:       make(map[string][]transport.Transport),
		replies:    make(map[string]transport.Transport),
		responders: make(map[string]Responder),
		changed:    make(chan struct{}),
	}
}

// NewTCP starts a length-prefixed TCP bridge on a loopback port.
func NewTCP(t testing.TB) *Server {
	t.Helper()
	s := newServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bridgetest: listen: %v", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// NewWebSocket starts a websocket bridge. With framed set, payloads carry
// the 4-byte length prefix inside binary messages.
func NewWebSocket(t testing.TB, framed bool) *Server {
	t.Helper()
	s := newServer(t)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.web = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.wg.Add(1)
		s.serve(transport.NewWebSocket(conn, s.cfg, framed))
	}))
	t.Cleanup(s.Close)
	return s
}

// Addr is the TCP listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// URL is the websocket endpoint.
func (s *Server) URL() string {
	if s.web == nil {
		return ""
	}
	return "ws" + strings.TrimPrefix(s.web.URL, "http")
}

// HTTPURL is the http form of the websocket endpoint's host.
func (s *Server) HTTPURL() string {
	if s.web == nil {
		return ""
	}
	return s.web.URL
}

// SetSilent stops all replies, pongs included.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// Handle installs a responder for sends to address.
func (s *Server) Handle(address string, fn Responder) {
	s.mu.Lock()
	s.responders[address] = fn
	s.mu.Unlock()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(transport.NewTCP(conn, s.cfg))
	}
}

func (s *Server) serve(tr transport.Transport) {
	defer s.wg.Done()
	s.mu.Lock()
	s.conns[tr] = struct{}{}
	s.accepted++
	s.signalLocked()
	s.mu.Unlock()

	defer func() {
		_ = tr.Close()
		s.mu.Lock()
		delete(s.conns, tr)
		for address, list := range s.subs {
			s.subs[address] = without(list, tr)
		}
		for address, owner := range s.replies {
			if owner == tr {
				delete(s.replies, address)
			}
		}
		s.signalLocked()
		s.mu.Unlock()
	}()

	for {
		payload, err := tr.ReadMessage()
		if err != nil {
			return
		}
		env, ok := protocol.DecodeOrError(payload)
		if !ok {
			s.t.Logf("bridgetest: undecodable frame: %s", env.FailureType)
		}
		s.route(tr, env)
	}
}

func (s *Server) route(from transport.Transport, env protocol.Envelope) {
	s.mu.Lock()
	s.received = append(s.received, env)
	s.signalLocked()
	silent := s.silent
	var out []delivery
	switch env.Type {
	case protocol.TypePing:
		out = append(out, delivery{to: from, env: protocol.Envelope{Type: protocol.TypePong}})
	case protocol.TypeRegister:
		s.subs[env.Address] = append(without(s.subs[env.Address], from), from)
	case protocol.TypeUnregister:
		s.subs[env.Address] = without(s.subs[env.Address], from)
	case protocol.TypePublish:
		for _, sub := range s.subs[env.Address] {
			out = append(out, delivery{to: sub, env: asMessage(env, env.Address)})
		}
	case protocol.TypeSend:
		owner, isReply := s.replies[env.Address]
		if isReply {
			delete(s.replies, env.Address)
		}
		if env.ReplyAddress != "" {
			s.replies[env.ReplyAddress] = from
		}
		if isReply {
			out = append(out, delivery{to: owner, env: reply(env)})
		} else if fn, ok := s.responders[env.Address]; ok {
			for _, reply := range fn(env) {
				out = append(out, delivery{to: from, env: reply})
			}
		} else if subs := s.subs[env.Address]; len(subs) > 0 {
			out = append(out, delivery{to: subs[0], env: asMessage(env, env.Address)})
		} else if env.ReplyAddress != "" {
			out = append(out, delivery{to: from, env: asMessage(env, env.ReplyAddress)})
		} else {
			out = append(out, delivery{to: from, env: asMessage(env, env.Address)})
		}
	}
	s.mu.Unlock()

	if silent {
		return
	}
	for _, d := range out {
		s.write(d.to, d.env)
	}
}

// reply turns a send to a reply address into what the waiting client sees:
// a message, or an err frame when the send carried a failure.
func reply(env protocol.Envelope) protocol.Envelope {
	if env.FailureCode != 0 || env.Message != "" {
		return protocol.Envelope{
			Type:        protocol.TypeErr,
			Address:     env.Address,
			FailureCode: env.FailureCode,
			FailureType: "RECIPIENT_FAILURE",
			Message:     env.Message,
		}
	}
	return asMessage(env, env.Address)
}

type delivery struct {
	to  transport.Transport
	env protocol.Envelope
}

func asMessage(env protocol.Envelope, address string) protocol.Envelope {
	return protocol.Envelope{
		Type:         protocol.TypeMessage,
		Address:      address,
		ReplyAddress: replyAddressFor(env, address),
		Headers:      env.Headers,
		Body:         env.Body,
	}
}

// a message delivered to its destination keeps the sender's reply address;
// an echo back to the sender does not
func replyAddressFor(env protocol.Envelope, address string) string {
	if address == env.Address && env.Type == protocol.TypeSend {
		return env.ReplyAddress
	}
	return ""
}

func (s *Server) write(tr transport.Transport, env protocol.Envelope) {
	// responders may build frames the client would refuse to encode
	payload, err := json.Marshal(env)
	if err != nil {
		s.t.Logf("bridgetest: marshal %s: %v", env.Type, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tr.WriteMessage(ctx, payload)
}

// Push writes env to every live connection.
func (s *Server) Push(env protocol.Envelope) {
	s.mu.Lock()
	conns := make([]transport.Transport, 0, len(s.conns))
	for tr := range s.conns {
		conns = append(conns, tr)
	}
	s.mu.Unlock()
	for _, tr := range conns {
		s.write(tr, env)
	}
}

// PushRaw writes an arbitrary payload, valid JSON or not.
func (s *Server) PushRaw(payload []byte) {
	s.mu.Lock()
	conns := make([]transport.Transport, 0, len(s.conns))
	for tr := range s.conns {
		conns = append(conns, tr)
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, tr := range conns {
		_ = tr.WriteMessage(ctx, payload)
	}
}

// DropConnections closes every live connection from the bridge side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]transport.Transport, 0, len(s.conns))
	for tr := range s.conns {
		conns = append(conns, tr)
	}
	s.mu.Unlock()
	for _, tr := range conns {
		_ = tr.Close()
	}
}

// Received returns a copy of every inbound envelope so far.
func (s *Server) Received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

// Count returns how many inbound envelopes have type typ and address.
func (s *Server) Count(typ protocol.Type, address string) int {
	n := 0
	for _, env := range s.Received() {
		if env.Type == typ && env.Address == address {
			n++
		}
	}
	return n
}

// Accepted is the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Live is the number of currently open connections.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WaitFor blocks until an inbound envelope satisfies match.
func (s *Server) WaitFor(timeout time.Duration, match func(protocol.Envelope) bool) (protocol.Envelope, bool) {
	var found protocol.Envelope
	ok := s.WaitUntil(timeout, func() bool {
		for _, env := range s.Received() {
			if match(env) {
				found = env
				return true
			}
		}
		return false
	})
	return found, ok
}

// WaitUntil blocks until cond holds, re-checking on every server event.
func (s *Server) WaitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()
		if cond() {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return cond()
		}
	}
}

func (s *Server) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.DropConnections()
		if s.web != nil {
			s.web.CloseClientConnections()
			s.web.Close()
		}
		s.wg.Wait()
	})
}

func without(list []transport.Transport, tr transport.Transport) []transport.Transport {
	out := make([]transport.Transport, 0, len(list))
	for _, cur := range list {
		if cur != tr {
			out = append(out, cur)
		}
	}
	return out
}
