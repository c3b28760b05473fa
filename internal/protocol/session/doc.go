// Package session owns link-level reliability helpers shared by the node
// dialer and the CLI bootstrap loop.
//
// Ownership boundary:
// - link timeouts (connect, handshake, write)
// - dial retry/backoff primitives
package session
