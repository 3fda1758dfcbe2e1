// Package eventbus is a client for an event bus bridge.
//
// Two connection models share one public surface, Connection:
//
//   - Client speaks the length-prefixed TCP bridge. A send that asks for a
//     reply blocks until the reply handler ran, either with the reply or with
//     ErrReplyTimeout. At most one such send is in flight per connection.
//   - StreamClient speaks the message-stream (WebSocket) bridge. Replies are
//     correlated by a random token, so any number of sends may wait at once
//     and Send returns as soon as the frame is written. It keeps the bridge
//     alive with pings and can reconnect with jittered exponential backoff.
//
// On both, persistent handlers are registered per address. The bridge sees
// a register frame only for the first local handler of an address and an
// unregister frame only when the last one goes away. Frames that reach no
// handler and no pending reply are passed to the unhandled-frame hook and
// counted.
//
// Handlers run on the connection's receive goroutine. They must not issue a
// blocking request on the same Client, and must not call Close. Hooks run
// after the connection released its resources and may call Close.
package eventbus
