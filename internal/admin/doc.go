// Package admin exposes a running node over HTTP: health, peer listing,
// connect/disconnect, send, broadcast, stop, and Prometheus metrics.
package admin
