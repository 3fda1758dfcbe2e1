package eventbus

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Dial picks the connection model from target:
//
//	host:port, tcp://host:port   length-prefixed TCP
//	tls://host:port              length-prefixed TCP over TLS
//	ws://..., wss://...          websocket stream
//	http://..., https://...      websocket stream on <url>/websocket
func Dial(ctx context.Context, target string, opts ...Option) (Connection, error) {
	if !strings.Contains(target, "://") {
		return dialTCP(ctx, target, opts)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "tcp":
		return dialTCP(ctx, u.Host, opts)
	case "tls":
		opts = append(opts[:len(opts):len(opts)], enableTLS())
		return dialTCP(ctx, u.Host, opts)
	case "ws", "wss":
		return dialStream(ctx, target, opts)
	case "http", "https":
		return dialStream(ctx, StreamURL(u), opts)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
}

// StreamURL maps an http(s) bridge prefix to its raw websocket endpoint.
func StreamURL(u *url.URL) string {
	out := *u
	switch strings.ToLower(u.Scheme) {
	case "https":
		out.Scheme = "wss"
	case "http":
		out.Scheme = "ws"
	}
	out.Path = strings.TrimSuffix(out.Path, "/") + "/websocket"
	return out.String()
}

func enableTLS() Option {
	return func(o *options) { o.cfg.TLS.Enabled = true }
}

// the typed nil of a failed dial must not leak into the interface
func dialTCP(ctx context.Context, address string, opts []Option) (Connection, error) {
	c, err := DialTCP(ctx, address, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func dialStream(ctx context.Context, target string, opts []Option) (Connection, error) {
	c, err := DialStream(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}
