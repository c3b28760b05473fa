// Package node owns the peer overlay runtime: the listener, the outbound
// dialer, the peer directory, and shutdown orchestration.
//
// Ownership boundary:
// - Node: listen/accept loop, Connect/Disconnect, Sweep, SendTo/Broadcast, Stop
// - Peer: one socket, one read goroutine, serialized frame writes
// - Handler: typed event callbacks delivered to the application
//
// Shutdown order is fixed: signal every peer, wait out the grace period,
// join every peer goroutine, then close the listener.
package node
