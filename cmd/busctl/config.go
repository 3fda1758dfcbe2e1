package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgebus/internal/eventbus"
	"github.com/danmuck/edgebus/internal/protocol/session"
)

type fileConfig struct {
	Target                string            `toml:"target"`
	PingInterval          string            `toml:"ping_interval"`
	PingIntervalMS        int64             `toml:"ping_interval_ms"`
	Reconnect             bool              `toml:"reconnect"`
	ReconnectDelayMin     string            `toml:"reconnect_delay_min"`
	ReconnectDelayMax     string            `toml:"reconnect_delay_max"`
	ReconnectExponent     float64           `toml:"reconnect_exponent"`
	ReconnectJitterFactor float64           `toml:"reconnect_jitter_factor"`
	MaxReconnectAttempts  int               `toml:"max_reconnect_attempts"`
	ReceiveTimeout        string            `toml:"receive_timeout"`
	ReplyTimeout          string            `toml:"reply_timeout"`
	ConnectTimeout        string            `toml:"connect_timeout"`
	FramedStream          bool              `toml:"framed_stream"`
	Headers               map[string]string `toml:"headers"`
	SecurityMode          string            `toml:"security_mode"`
	TLS                   fileTLSConfig     `toml:"tls"`
}

type fileTLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
}

type cliConfig struct {
	Target  string
	Session session.Config
	Headers map[string]string
	Framed  bool
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Target:  "127.0.0.1:7000",
		Session: session.DefaultConfig(),
	}
}

func loadCLIConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load busctl config: %w", err)
	}

	if meta.IsDefined("target") {
		if target := strings.TrimSpace(raw.Target); target != "" {
			cfg.Target = target
		}
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"ping_interval", raw.PingInterval, &cfg.Session.PingInterval},
		{"reconnect_delay_min", raw.ReconnectDelayMin, &cfg.Session.Backoff.InitialDelay},
		{"reconnect_delay_max", raw.ReconnectDelayMax, &cfg.Session.Backoff.MaxDelay},
		{"receive_timeout", raw.ReceiveTimeout, &cfg.Session.ReceiveTimeout},
		{"reply_timeout", raw.ReplyTimeout, &cfg.Session.ReplyTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("ping_interval_ms") {
		cfg.Session.PingInterval = time.Duration(raw.PingIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("reconnect") {
		cfg.Session.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("reconnect_exponent") {
		cfg.Session.Backoff.Multiplier = raw.ReconnectExponent
	}
	if meta.IsDefined("reconnect_jitter_factor") {
		cfg.Session.Backoff.JitterFactor = raw.ReconnectJitterFactor
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.Session.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("framed_stream") {
		cfg.Framed = raw.FramedStream
	}
	if meta.IsDefined("headers") {
		cfg.Headers = normalizeHeaders(raw.Headers)
	}
	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}

	if meta.IsDefined("tls", "enabled") {
		cfg.Session.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		cfg.Session.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}

	return cfg, nil
}

// options turns the config into connection options.
func (c cliConfig) options() []eventbus.Option {
	opts := []eventbus.Option{eventbus.WithConfig(c.Session)}
	if len(c.Headers) > 0 {
		opts = append(opts, eventbus.WithDefaultHeaders(c.Headers))
	}
	if c.Framed {
		opts = append(opts, eventbus.WithFramedStream())
	}
	return opts
}

func normalizeHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(v)
	}
	return out
}
