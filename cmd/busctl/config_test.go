package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/edgebus/internal/protocol/session"
	"github.com/danmuck/edgebus/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "busctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCLIConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadCLIConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if cfg.Target != "ws://127.0.0.1:8080/eventbus/websocket" {
		t.Fatalf("unexpected target: %q", cfg.Target)
	}
	if cfg.Session.PingInterval != 5*time.Second || !cfg.Session.Reconnect {
		t.Fatalf("unexpected session: %+v", cfg.Session)
	}
	if cfg.Session.Backoff.InitialDelay != time.Second || cfg.Session.Backoff.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected backoff: %+v", cfg.Session.Backoff)
	}
	if cfg.Session.Backoff.JitterFactor != 0.5 || cfg.Session.Backoff.Multiplier != 2.0 {
		t.Fatalf("unexpected backoff: %+v", cfg.Session.Backoff)
	}
	if cfg.Headers["tenant"] != "edge.local" {
		t.Fatalf("unexpected headers: %v", cfg.Headers)
	}
	if cfg.Session.SecurityMode != session.SecurityModeDevelopment {
		t.Fatalf("unexpected security mode: %q", cfg.Session.SecurityMode)
	}
}

func TestLoadCLIConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "target = \"tcp://10.0.0.5:7000\"\nping_interval_ms = 250\n")
	cfg, err := loadCLIConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := session.DefaultConfig()
	if cfg.Target != "tcp://10.0.0.5:7000" {
		t.Fatalf("unexpected target: %q", cfg.Target)
	}
	if cfg.Session.PingInterval != 250*time.Millisecond {
		t.Fatalf("unexpected ping interval: %v", cfg.Session.PingInterval)
	}
	if cfg.Session.ReplyTimeout != def.ReplyTimeout || cfg.Session.Reconnect != def.Reconnect {
		t.Fatalf("defaults not kept: %+v", cfg.Session)
	}
	if cfg.Framed || cfg.Headers != nil {
		t.Fatalf("unexpected extras: framed=%v headers=%v", cfg.Framed, cfg.Headers)
	}
}

func TestLoadCLIConfigRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "reply_timeout = \"soon\"\n")
	if _, err := loadCLIConfig(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestLoadCLIConfigTLSAndHeaders(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
security_mode = "production"
framed_stream = true

[headers]
" auth " = " token "
"" = "dropped"

[tls]
enabled = true
mutual = true
cert_file = "/etc/busctl/client.pem"
key_file = "/etc/busctl/client.key"
server_name = "bridge.local"
`)
	cfg, err := loadCLIConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Framed {
		t.Fatalf("framed_stream not applied")
	}
	if len(cfg.Headers) != 1 || cfg.Headers["auth"] != "token" {
		t.Fatalf("headers not normalized: %v", cfg.Headers)
	}
	if cfg.Session.SecurityMode != session.SecurityModeProduction {
		t.Fatalf("unexpected security mode: %q", cfg.Session.SecurityMode)
	}
	tls := cfg.Session.TLS
	if !tls.Enabled || !tls.Mutual || tls.ServerName != "bridge.local" || tls.KeyFile != "/etc/busctl/client.key" {
		t.Fatalf("unexpected tls: %+v", tls)
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		t.Fatalf("production config should validate: %v", err)
	}
}

func TestResolveFlagOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, "target = \"127.0.0.1:1\"\n[headers]\ntenant = \"a\"\n")
	g := &globalFlags{
		configPath: path,
		target:     "ws://127.0.0.1:2/eventbus",
		headers:    map[string]string{"tenant": "b", "trace": "x"},
		timeout:    3 * time.Second,
	}
	cfg, err := g.resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Target != "ws://127.0.0.1:2/eventbus" || cfg.Session.ReplyTimeout != 3*time.Second {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.Headers["tenant"] != "b" || cfg.Headers["trace"] != "x" {
		t.Fatalf("unexpected headers: %v", cfg.Headers)
	}
}

func TestParseBody(t *testing.T) {
	testlog.Start(t)
	if parseBody(nil) != nil {
		t.Fatalf("no args should give a nil body")
	}
	if got, ok := parseBody([]string{`{"a":1}`}).(json.RawMessage); !ok || string(got) != `{"a":1}` {
		t.Fatalf("json should stay raw, got %#v", got)
	}
	if got, ok := parseBody([]string{"hello"}).(string); !ok || got != "hello" {
		t.Fatalf("plain text should be a string, got %#v", got)
	}
}
