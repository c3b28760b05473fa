package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/p2pnet/internal/observability"
	"github.com/danmuck/p2pnet/internal/protocol/handshake"
	"github.com/danmuck/p2pnet/internal/protocol/session"
	"go.opentelemetry.io/otel/attribute"
)

// Connect dials host:port, runs the handshake, and registers the link as an
// outbound peer. If an outbound peer for the same address already exists it
// is returned together with ErrAlreadyConnected.
func (n *Node) Connect(ctx context.Context, host string, port int) (*Peer, error) {
	switch n.State() {
	case StateListening, StateRunning:
	case StateCreated:
		return nil, ErrNotStarted
	default:
		return nil, ErrStopped
	}
	host = strings.TrimSpace(host)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if n.isSelf(host, port) {
		return nil, fmt.Errorf("%w: %s", ErrSelfConnect, addr)
	}
	if existing := n.dir.findOutbound(host, port); existing != nil {
		return existing, ErrAlreadyConnected
	}

	ctx, span := observability.StartSpan(ctx, "p2pnet.node.connect",
		attribute.String("node.addr", n.label),
		attribute.String("peer.addr", addr),
	)
	p, err := n.connect(ctx, host, port, addr)
	observability.EndSpan(span, err)
	return p, err
}

func (n *Node) connect(ctx context.Context, host string, port int, addr string) (*Peer, error) {
	dialer := net.Dialer{
		Timeout:   n.cfg.Session.ConnectTimeout,
		KeepAlive: n.cfg.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		n.log.Debug().Err(err).Str("peer_addr", addr).Msg("dial failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}

	self := n.Identity()
	peerID, err := handshake.Dial(conn, n.cfg.handshake(), self.ID)
	if err != nil {
		_ = conn.Close()
		observability.RecordHandshakeFailure(n.label, Outbound.String())
		n.log.Warn().Err(err).Str("peer_addr", addr).Msg("outbound handshake failed")
		return nil, err
	}
	if peerID == self.ID {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrSelfConnect, addr)
	}

	p := newPeer(n, conn, peerID, host, port, Outbound)
	p.start()
	// A concurrent Connect to the same address may have won while this one
	// was handshaking.
	if existing, err := n.dir.addOutbound(p); err != nil {
		p.Stop()
		p.announce()
		p.Wait()
		return existing, err
	}
	n.refreshGauges()
	p.log.Info().Msg("outbound peer connected")
	n.emit(EventOutboundConnected, p, nil)
	p.announce()
	return p, nil
}

// ConnectWithRetry calls Connect up to attempts times, backing off between
// failures with the session backoff policy. Errors that a retry cannot fix
// are returned immediately.
func (n *Node) ConnectWithRetry(ctx context.Context, host string, port int, attempts int) (*Peer, error) {
	if attempts < 1 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		p, err := n.Connect(ctx, host, port)
		if err == nil || permanent(err) {
			return p, err
		}
		lastErr = err
		n.log.Debug().Err(err).
			Str("peer_addr", net.JoinHostPort(host, strconv.Itoa(port))).
			Int("attempt", attempt).
			Int("attempts", attempts).
			Msg("connect attempt failed")
		if attempt == attempts {
			break
		}
		if err := session.SleepBackoff(ctx, n.cfg.Session.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func permanent(err error) bool {
	return errors.Is(err, ErrAlreadyConnected) ||
		errors.Is(err, ErrSelfConnect) ||
		errors.Is(err, ErrNotStarted) ||
		errors.Is(err, ErrStopped)
}

// Disconnect closes an outbound peer, joins its read goroutine, and fires
// OutboundDisconnectRequested followed by OutboundDisconnected.
func (n *Node) Disconnect(p *Peer) error {
	if p == nil {
		return ErrUnknownPeer
	}
	if p.Direction != Outbound || !n.dir.removeOutbound(p) {
		p.log.Warn().Msg("disconnect ignored, not a connected outbound peer")
		return ErrUnknownPeer
	}
	n.emit(EventOutboundDisconnectRequested, p, nil)
	p.Stop()
	p.Wait()
	n.refreshGauges()
	n.emitDisconnected(p)
	return nil
}

// Drop terminates a peer of either direction. It leaves the directory on the
// next sweep.
func (n *Node) Drop(p *Peer) error {
	if p == nil || !n.dir.contains(p) {
		return ErrUnknownPeer
	}
	p.log.Info().Msg("dropping peer")
	p.Stop()
	return nil
}

// isSelf reports whether host:port names this node's own listener.
func (n *Node) isSelf(host string, port int) bool {
	if port != n.Port() {
		return false
	}
	if host == n.Host() {
		return true
	}
	return isLocal(host) && isLocal(n.Host())
}

func isLocal(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}
