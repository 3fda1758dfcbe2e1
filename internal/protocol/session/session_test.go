package session

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgebus/internal/protocol"
	"github.com/danmuck/edgebus/internal/testutil/testlog"
)

func TestBaseBackoffDelayDeterministic(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempts, w := range want {
		if got := BaseBackoffDelay(cfg, attempts); got != w {
			t.Fatalf("attempts=%d got=%v want=%v", attempts, got, w)
		}
	}
}

func TestBaseBackoffDelayMonotonicAndCapped(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   1.7,
		MaxDelay:     7 * time.Second,
	}
	prev := time.Duration(0)
	for attempts := 0; attempts < 200; attempts++ {
		got := BaseBackoffDelay(cfg, attempts)
		if got > cfg.MaxDelay {
			t.Fatalf("attempts=%d exceeds cap: %v", attempts, got)
		}
		if got < prev {
			t.Fatalf("attempts=%d decreased: %v < %v", attempts, got, prev)
		}
		prev = got
	}
	if prev != cfg.MaxDelay {
		t.Fatalf("expected to reach cap, got %v", prev)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.5,
	}
	rng := rand.New(rand.NewSource(7))
	var below, above bool
	for i := 0; i < 500; i++ {
		attempts := i % 6
		base := BaseBackoffDelay(cfg, attempts)
		got := NextBackoffDelay(cfg, attempts, rng)
		lo := base - time.Duration(cfg.JitterFactor*float64(base))
		hi := base + time.Duration(cfg.JitterFactor*float64(base))
		if got < lo || got > hi {
			t.Fatalf("attempts=%d jitter out of range: got=%v base=%v", attempts, got, base)
		}
		if got < base {
			below = true
		}
		if got > base {
			above = true
		}
	}
	if !below || !above {
		t.Fatalf("jitter should move in both directions: below=%v above=%v", below, above)
	}
}

func TestApplyJitterDirectionFollowsLowBit(t *testing.T) {
	testlog.Start(t)
	// floor(0.25*10)=2 (even) shifts down, floor(0.375*10)=3 (odd) shifts up
	if got := applyJitter(time.Second, 0.5, 0.25); got != time.Second-125*time.Millisecond {
		t.Fatalf("expected downward shift, got %v", got)
	}
	if got := applyJitter(time.Second, 0.5, 0.375); got != time.Second+187500*time.Microsecond {
		t.Fatalf("expected upward shift, got %v", got)
	}
}

func TestNextBackoffDelayNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	if got := NextBackoffDelay(cfg, 1, rand.New(rand.NewSource(1))); got != 2*time.Second {
		t.Fatalf("unexpected delay: %v", got)
	}
}

func TestConfigWithDefaultsFloorsReceiveTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := Config{ReceiveTimeout: 10 * time.Millisecond}.WithDefaults()
	if cfg.ReceiveTimeout != MinReceiveTimeout {
		t.Fatalf("unexpected receive timeout: %v", cfg.ReceiveTimeout)
	}
	if cfg.ReplyTimeout != 10*time.Second {
		t.Fatalf("unexpected reply timeout: %v", cfg.ReplyTimeout)
	}
	if cfg.PingInterval != 0 {
		t.Fatalf("ping interval should stay disabled, got %v", cfg.PingInterval)
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		t.Fatalf("limits not defaulted")
	}
}

func TestConfigShouldReconnect(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if cfg.ShouldReconnect(0) {
		t.Fatalf("reconnect must be opt-in")
	}
	cfg.Reconnect = true
	if !cfg.ShouldReconnect(1000) {
		t.Fatalf("zero ceiling means unbounded")
	}
	cfg.MaxReconnectAttempts = 3
	if !cfg.ShouldReconnect(2) || cfg.ShouldReconnect(3) {
		t.Fatalf("ceiling not applied")
	}
}

func TestStateMachineTransitions(t *testing.T) {
	testlog.Start(t)
	var seen []string
	m := NewStateMachine(func(from, to State) {
		seen = append(seen, from.String()+">"+to.String())
	})
	if m.Current() != StateConnecting {
		t.Fatalf("unexpected initial state: %s", m.Current())
	}
	if err := m.RequireOpen(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := m.Transition(StateOpen); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.RequireOpen(); err != nil {
		t.Fatalf("require open: %v", err)
	}
	if err := m.Transition(StateConnecting); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := m.Transition(StateClosing); err != nil {
		t.Fatalf("closing: %v", err)
	}
	if m.TransitionFrom(StateClosed, StateOpen) {
		t.Fatalf("TransitionFrom should refuse when current state does not match")
	}
	if !m.TransitionFrom(StateClosed, StateOpen, StateClosing) {
		t.Fatalf("TransitionFrom closing->closed refused")
	}
	want := []string{"CONNECTING>OPEN", "OPEN>CLOSING", "CLOSING>CLOSED"}
	if len(seen) != len(want) {
		t.Fatalf("unexpected transitions: %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d: got=%s want=%s", i, seen[i], want[i])
		}
	}
}

func TestStateMachineFailedIsTerminal(t *testing.T) {
	testlog.Start(t)
	m := NewStateMachine(nil)
	if err := m.Transition(StateFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}
	for _, to := range []State{StateConnecting, StateOpen, StateClosing, StateClosed} {
		if err := m.Transition(to); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("FAILED -> %s should be refused, got %v", to, err)
		}
	}
}

func TestReplyOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewReplyOutbox()
	now := time.Unix(1700000000, 0)
	if err := o.Insert(&PendingReply{Token: "tok.1", Address: "pcs.status", QueuedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := o.Insert(&PendingReply{Token: "tok.1"}); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
	if o.Len() != 1 {
		t.Fatalf("unexpected len: %d", o.Len())
	}
	item, ok := o.Take("tok.1")
	if !ok || item.Address != "pcs.status" || !item.QueuedAt.Equal(now) {
		t.Fatalf("unexpected item: %+v ok=%v", item, ok)
	}
	if _, ok := o.Take("tok.1"); ok {
		t.Fatalf("second take must fail")
	}
	if o.Len() != 0 {
		t.Fatalf("unexpected len: %d", o.Len())
	}
}

func TestReplyOutboxTakeIsExclusive(t *testing.T) {
	testlog.Start(t)
	for trial := 0; trial < 50; trial++ {
		o := NewReplyOutbox()
		var delivered atomic.Int32
		_ = o.Insert(&PendingReply{
			Token: "tok",
			Deliver: func(protocol.Envelope, error) {
				delivered.Add(1)
			},
		})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if item, ok := o.Take("tok"); ok {
					item.Deliver(protocol.Envelope{}, nil)
				}
			}()
		}
		wg.Wait()
		if got := delivered.Load(); got != 1 {
			t.Fatalf("trial=%d delivered %d times", trial, got)
		}
	}
}

func TestReplyOutboxTimerAndDrain(t *testing.T) {
	testlog.Start(t)
	o := NewReplyOutbox()
	_ = o.Insert(&PendingReply{Token: "b"})
	_ = o.Insert(&PendingReply{Token: "a"})

	fired := make(chan struct{}, 1)
	timer := time.AfterFunc(time.Hour, func() { fired <- struct{}{} })
	if !o.SetTimer("a", timer) {
		t.Fatalf("set timer on live entry failed")
	}
	if o.SetTimer("missing", timer) {
		t.Fatalf("set timer on missing entry should fail")
	}
	if o.Len() != 2 {
		t.Fatalf("unexpected len: %d", o.Len())
	}
	drained := o.Drain()
	if len(drained) != 2 || o.Len() != 0 {
		t.Fatalf("drain: got=%d left=%d", len(drained), o.Len())
	}
	if timer.Stop() {
		t.Fatalf("drain should have stopped the timer")
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}

	cfg.TLS.Mutual = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKey(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}

	cfg.SecurityMode = "staging"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestValidateClientTransportTLSWithoutCAFileUsesSystemRoots(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("tls without a ca file should validate, got %v", err)
	}
}
