// Package session owns connection-scoped bridge session primitives.
//
// Ownership boundary:
// - connection settings and defaults
// - connection state machine
// - reconnect backoff with jitter
// - token-keyed pending reply table
// - transport security validation
package session
