package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/p2pnet/internal/logging"
	"github.com/danmuck/p2pnet/internal/observability"
	"github.com/danmuck/p2pnet/internal/protocol/frame"
	"github.com/danmuck/p2pnet/internal/protocol/handshake"
	"github.com/danmuck/p2pnet/internal/protocol/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// State is the node lifecycle phase.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// acceptRetry paces the loop after unexpected accept errors.
var acceptRetry = session.BackoffConfig{
	InitialDelay: 10 * time.Millisecond,
	Multiplier:   2.0,
	MaxDelay:     time.Second,
}

// Stats counts messages across all peers for the node lifetime.
type Stats struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	SendErrors       uint64 `json:"send_errors"`
	Inbound          int    `json:"inbound"`
	Outbound         int    `json:"outbound"`
}

// Node listens for inbound peers, dials outbound peers, and reports link
// events to its Handler.
type Node struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger

	mu       sync.Mutex
	state    State
	ln       *net.TCPListener
	identity Identity
	label    string

	dir directory

	stopOnce     sync.Once
	shutdownOnce sync.Once
	stopping     atomic.Bool
	sweepPending atomic.Bool
	stopped      chan struct{}

	sent     atomic.Uint64
	received atomic.Uint64
	sendErrs atomic.Uint64
}

// New builds a node in the Created state. A nil handler drops every event.
func New(cfg Config, h Handler) *Node {
	cfg = cfg.WithDefaults()
	if h == nil {
		h = NopHandler{}
	}
	return &Node{
		cfg:     cfg,
		handler: h,
		log:     logging.Component("node").With().Str("node", cfg.Addr()).Logger(),
		label:   cfg.Addr(),
		stopped: make(chan struct{}),
	}
}

// Start binds the listening socket and derives the node identity.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateCreated {
		return ErrAlreadyStarted
	}

	addr := n.cfg.Addr()
	lc := net.ListenConfig{KeepAlive: n.cfg.KeepAlive}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("%w: %s: not a tcp listener", ErrBind, addr)
	}

	port := tcpLn.Addr().(*net.TCPAddr).Port
	id, err := NewIdentity(n.cfg.Host, port)
	if err != nil {
		_ = tcpLn.Close()
		return err
	}

	n.ln = tcpLn
	n.identity = id
	n.label = id.Addr()
	n.log = logging.Component("node").With().
		Str("node", id.Addr()).
		Str("node_id", id.Short()).
		Logger()
	n.state = StateListening
	n.log.Info().Str("handshake", string(n.cfg.HandshakeMode)).Msg("node listening")
	return nil
}

// Run drives the accept loop until Stop is called or ctx is done, then runs
// the shutdown sequence and returns.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateListening:
		n.state = StateRunning
	case StateCreated:
		n.mu.Unlock()
		return ErrNotStarted
	case StateRunning:
		n.mu.Unlock()
		return ErrAlreadyRunning
	default:
		n.mu.Unlock()
		return ErrStopped
	}
	ln := n.ln
	n.mu.Unlock()
	defer n.shutdown()

	exit := make(chan struct{})
	defer close(exit)
	go func() {
		select {
		case <-ctx.Done():
			n.Stop()
		case <-exit:
		}
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var failures int
	for {
		// Arm the deadline before checking flags: a concurrent wake that
		// lands after this point still interrupts Accept below.
		_ = ln.SetDeadline(time.Now().Add(n.cfg.AcceptTimeout))
		if n.stopping.Load() {
			return nil
		}
		if n.sweepPending.Swap(false) {
			n.Sweep()
		}

		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			n.log.Warn().Err(err).Int("failures", failures).Msg("accept failed")
			_ = session.SleepBackoff(context.Background(), acceptRetry, failures, rng)
			continue
		}
		failures = 0
		n.acceptPeer(conn)
	}
}

func (n *Node) acceptPeer(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	_, span := observability.StartSpan(context.Background(), "p2pnet.node.accept",
		attribute.String("node.addr", n.label),
		attribute.String("peer.addr", remote),
	)

	peerID, err := handshake.Accept(conn, n.cfg.handshake(), n.identity.ID)
	if err != nil {
		_ = conn.Close()
		observability.RecordHandshakeFailure(n.label, Inbound.String())
		n.log.Warn().Err(err).Str("peer_addr", remote).Msg("inbound handshake failed")
		observability.EndSpan(span, err)
		return
	}

	if peerID == n.identity.ID {
		_ = conn.Close()
		n.log.Debug().Str("peer_addr", remote).Msg("dropped inbound link from self")
		observability.EndSpan(span, ErrSelfConnect)
		return
	}

	host, portRaw, _ := net.SplitHostPort(remote)
	port, _ := strconv.Atoi(portRaw)
	p := newPeer(n, conn, peerID, host, port, Inbound)
	p.start()
	if err := n.dir.addInbound(p); err != nil {
		p.Stop()
		p.announce()
		p.Wait()
		observability.EndSpan(span, err)
		return
	}
	n.refreshGauges()
	p.log.Info().Msg("inbound peer connected")
	n.emit(EventInboundConnected, p, nil)
	p.announce()
	span.SetAttributes(attribute.String("peer.id", shortID(peerID)))
	observability.EndSpan(span, nil)
}

// Stop requests shutdown. The first call fires StopRequested; later calls do
// nothing. If Run is active it performs the shutdown sequence, otherwise Stop
// runs it inline.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.emit(EventStopRequested, nil, nil)
		n.stopping.Store(true)

		n.mu.Lock()
		running := n.state == StateRunning
		if running {
			n.state = StateStopping
		}
		ln := n.ln
		n.mu.Unlock()

		if running {
			n.log.Info().Msg("node stop requested")
			_ = ln.SetDeadline(time.Now())
			return
		}
		n.shutdown()
	})
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stopped
}

// Shutdown stops the node and waits for it, bounded by ctx.
func (n *Node) Shutdown(ctx context.Context) error {
	n.Stop()
	select {
	case <-n.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed once the listener has been closed.
func (n *Node) Stopped() <-chan struct{} {
	return n.stopped
}

func (n *Node) shutdown() {
	n.shutdownOnce.Do(func() {
		n.setState(StateStopping)
		peers := n.dir.drain()
		for _, p := range peers {
			p.Stop()
		}

		grace := time.NewTimer(n.cfg.ShutdownGrace)
	wait:
		for _, p := range peers {
			select {
			case <-p.Done():
			case <-grace.C:
				n.log.Warn().Int("peers", len(peers)).Msg("shutdown grace elapsed, joining peers")
				break wait
			}
		}
		grace.Stop()
		for _, p := range peers {
			p.Wait()
		}
		n.refreshGauges()
		for _, p := range peers {
			n.emitDisconnected(p)
		}
		n.dir.waitReaped()

		n.mu.Lock()
		ln := n.ln
		n.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
		n.setState(StateStopped)
		close(n.stopped)
		n.log.Info().Int("peers", len(peers)).Msg("node stopped")
	})
}

// Sweep removes every terminated peer from the directory and fires the
// matching disconnected event once its read goroutine has exited. Peers that
// have already exited are handled before Sweep returns; the rest are joined in
// the background, so Sweep is safe to call from a peer's own callback.
func (n *Node) Sweep() {
	dead := n.dir.extractTerminated()
	if len(dead) == 0 {
		return
	}
	n.refreshGauges()
	for _, p := range dead {
		select {
		case <-p.Done():
			n.reap(p)
		default:
			go n.reap(p)
		}
	}
}

func (n *Node) reap(p *Peer) {
	defer n.dir.reaped()
	p.Wait()
	n.emitDisconnected(p)
}

// SendTo sends data to p if it is still connected. Transport failures are
// logged and counted, not returned; the failed peer leaves on a later sweep.
// A peer that is not connected yields ErrUnknownPeer and nothing is sent.
// A payload over the frame limit yields frame.ErrFrameTooLarge.
func (n *Node) SendTo(p *Peer, data []byte) error {
	n.Sweep()
	_, err := n.deliver(p, data)
	return err
}

// Broadcast sends data to every connected peer not listed in exclude and
// returns how many sends succeeded.
func (n *Node) Broadcast(data []byte, exclude ...*Peer) int {
	n.Sweep()
	inbound, outbound := n.dir.snapshot()
	var delivered int
	for _, p := range append(inbound, outbound...) {
		if indexOf(exclude, p) >= 0 {
			continue
		}
		if ok, _ := n.deliver(p, data); ok {
			delivered++
		}
	}
	return delivered
}

func (n *Node) deliver(p *Peer, data []byte) (bool, error) {
	if p == nil || !n.dir.contains(p) {
		n.log.Debug().Msg("send skipped, peer not connected")
		return false, ErrUnknownPeer
	}
	if err := p.Send(data); err != nil {
		n.sendErrs.Add(1)
		observability.RecordSendError(n.label)
		p.log.Warn().Err(err).Msg("send failed")
		if errors.Is(err, frame.ErrFrameTooLarge) {
			return false, err
		}
		return false, nil
	}
	n.sent.Add(1)
	return true, nil
}

func (n *Node) messageReceived(p *Peer, payload []byte) {
	n.received.Add(1)
	n.emit(EventMessageReceived, p, payload)
}

// peerTerminated runs on a peer's read goroutine as it exits.
func (n *Node) peerTerminated(p *Peer) {
	n.wake()
}

// wake asks the accept loop to sweep on its next iteration.
func (n *Node) wake() {
	n.sweepPending.Store(true)
	n.mu.Lock()
	ln := n.ln
	running := n.state == StateRunning
	n.mu.Unlock()
	if running && ln != nil {
		_ = ln.SetDeadline(time.Now())
	}
}

func (n *Node) emitDisconnected(p *Peer) {
	<-p.announced
	kind := EventInboundDisconnected
	if p.Direction == Outbound {
		kind = EventOutboundDisconnected
	}
	p.log.Info().Msg("peer disconnected")
	n.emit(kind, p, nil)
}

func (n *Node) emit(kind EventKind, p *Peer, payload []byte) {
	observability.RecordEvent(n.label, kind.String())
	if e := n.log.Trace(); e.Enabled() {
		if p != nil {
			e = e.Str("peer_id", shortID(p.ID))
		}
		e.Str("event", kind.String()).Int("payload_bytes", len(payload)).Msg("node event")
	}

	switch kind {
	case EventInboundConnected:
		n.handler.InboundConnected(n, p)
	case EventOutboundConnected:
		n.handler.OutboundConnected(n, p)
	case EventInboundDisconnected:
		n.handler.InboundDisconnected(n, p)
	case EventOutboundDisconnected:
		n.handler.OutboundDisconnected(n, p)
	case EventMessageReceived:
		n.handler.MessageReceived(n, p, payload)
	case EventOutboundDisconnectRequested:
		n.handler.OutboundDisconnectRequested(n, p)
	case EventStopRequested:
		n.handler.StopRequested(n)
	}
}

func (n *Node) refreshGauges() {
	in, out := n.dir.counts()
	observability.SetPeers(n.label, Inbound.String(), in)
	observability.SetPeers(n.label, Outbound.String(), out)
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Identity returns the node identity; it is zero until Start succeeds.
func (n *Node) Identity() Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.identity
}

func (n *Node) ID() string {
	return n.Identity().ID
}

// Host returns the configured listen host.
func (n *Node) Host() string {
	return n.cfg.Host
}

// Port returns the bound port after Start, or the configured port before.
func (n *Node) Port() int {
	if id := n.Identity(); id.ID != "" {
		return id.Port
	}
	return n.cfg.Port
}

func (n *Node) Addr() string {
	return net.JoinHostPort(n.Host(), strconv.Itoa(n.Port()))
}

// Peers returns all connected peers, inbound first.
func (n *Node) Peers() []*Peer {
	inbound, outbound := n.dir.snapshot()
	return append(inbound, outbound...)
}

func (n *Node) Inbound() []*Peer {
	inbound, _ := n.dir.snapshot()
	return inbound
}

func (n *Node) Outbound() []*Peer {
	_, outbound := n.dir.snapshot()
	return outbound
}

// Lookup finds a connected peer by its full id.
func (n *Node) Lookup(id string) (*Peer, bool) {
	p := n.dir.lookup(id)
	return p, p != nil
}

func (n *Node) Stats() Stats {
	in, out := n.dir.counts()
	return Stats{
		MessagesSent:     n.sent.Load(),
		MessagesReceived: n.received.Load(),
		SendErrors:       n.sendErrs.Load(),
		Inbound:          in,
		Outbound:         out,
	}
}

// Summary describes the directory in one line.
func (n *Node) Summary() string {
	in, out := n.dir.counts()
	return fmt.Sprintf("%s: %d connected with us, %d connected to", n, in, out)
}

func (n *Node) String() string {
	return "Node: " + n.Addr()
}
