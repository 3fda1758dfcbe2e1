// Package protocol owns the bridge wire contract and parsing primitives.
//
// Ownership boundary:
// - envelope shape and frame kinds
// - JSON encode/decode of one envelope
// - header merge rules
// - synthetic err envelopes for inbound frames that fail to parse
//
// Length-prefixed framing lives in protocol/frame; connection-scoped
// settings, state and backoff live in protocol/session.
package protocol
