package node

import "sync"

// EventKind is the closed set of events a Node reports.
type EventKind int

const (
	EventInboundConnected EventKind = iota + 1
	EventOutboundConnected
	EventInboundDisconnected
	EventOutboundDisconnected
	EventMessageReceived
	EventOutboundDisconnectRequested
	EventStopRequested
)

func (k EventKind) String() string {
	switch k {
	case EventInboundConnected:
		return "inbound_connected"
	case EventOutboundConnected:
		return "outbound_connected"
	case EventInboundDisconnected:
		return "inbound_disconnected"
	case EventOutboundDisconnected:
		return "outbound_disconnected"
	case EventMessageReceived:
		return "message_received"
	case EventOutboundDisconnectRequested:
		return "outbound_disconnect_requested"
	case EventStopRequested:
		return "stop_requested"
	default:
		return "unknown"
	}
}

// Handler receives node events. Callbacks run on the goroutine that detected
// the event and may run concurrently: the listener goroutine for inbound
// connects, the caller of Connect/Disconnect/Stop for outbound and disconnect
// events, a background reaper for peers swept while their read goroutine was
// still running, and each peer's read goroutine for MessageReceived. Wrap with
// Serialized for one-at-a-time delivery.
//
// No Node lock is held during a callback, so handlers may call back into the
// Node, including SendTo, Broadcast, Sweep and Drop on the peer the callback
// is for. Calls that wait for that peer's read goroutine to exit must not be
// made synchronously from its own callbacks: Disconnect of that peer, Stop
// when Run is not active, and Shutdown or Wait.
//
// A peer's MessageReceived callbacks start only after its connected callback
// has returned.
//
// A disconnected event for a peer is delivered only after its read goroutine
// has exited, so no MessageReceived for that peer follows it.
type Handler interface {
	InboundConnected(n *Node, p *Peer)
	OutboundConnected(n *Node, p *Peer)
	InboundDisconnected(n *Node, p *Peer)
	OutboundDisconnected(n *Node, p *Peer)
	MessageReceived(n *Node, p *Peer, payload []byte)
	OutboundDisconnectRequested(n *Node, p *Peer)
	StopRequested(n *Node)
}

// NopHandler ignores every event. Embed it to implement a subset.
type NopHandler struct{}

func (NopHandler) InboundConnected(*Node, *Peer)            {}
func (NopHandler) OutboundConnected(*Node, *Peer)           {}
func (NopHandler) InboundDisconnected(*Node, *Peer)         {}
func (NopHandler) OutboundDisconnected(*Node, *Peer)        {}
func (NopHandler) MessageReceived(*Node, *Peer, []byte)     {}
func (NopHandler) OutboundDisconnectRequested(*Node, *Peer) {}
func (NopHandler) StopRequested(*Node)                      {}

var _ Handler = NopHandler{}

// Event is the tagged form of one callback, used by EventFunc.
type Event struct {
	Kind    EventKind
	Node    *Node
	Peer    *Peer
	Payload []byte
}

// EventFunc adapts a single function to Handler.
type EventFunc func(Event)

var _ Handler = EventFunc(nil)

func (f EventFunc) InboundConnected(n *Node, p *Peer) {
	f(Event{Kind: EventInboundConnected, Node: n, Peer: p})
}

func (f EventFunc) OutboundConnected(n *Node, p *Peer) {
	f(Event{Kind: EventOutboundConnected, Node: n, Peer: p})
}

func (f EventFunc) InboundDisconnected(n *Node, p *Peer) {
	f(Event{Kind: EventInboundDisconnected, Node: n, Peer: p})
}

func (f EventFunc) OutboundDisconnected(n *Node, p *Peer) {
	f(Event{Kind: EventOutboundDisconnected, Node: n, Peer: p})
}

func (f EventFunc) MessageReceived(n *Node, p *Peer, payload []byte) {
	f(Event{Kind: EventMessageReceived, Node: n, Peer: p, Payload: payload})
}

func (f EventFunc) OutboundDisconnectRequested(n *Node, p *Peer) {
	f(Event{Kind: EventOutboundDisconnectRequested, Node: n, Peer: p})
}

func (f EventFunc) StopRequested(n *Node) {
	f(Event{Kind: EventStopRequested, Node: n})
}

// Serialized wraps h so at most one callback runs at a time. Handlers wrapped
// this way must not call Node methods that fire events synchronously from
// inside a callback: Connect, Disconnect, Sweep, SendTo and Broadcast (which
// sweep first), and Stop, which fires StopRequested and, when Run is not
// active, every disconnected event before returning.
func Serialized(h Handler) Handler {
	if h == nil {
		h = NopHandler{}
	}
	return &serialized{next: h}
}

type serialized struct {
	mu   sync.Mutex
	next Handler
}

func (s *serialized) InboundConnected(n *Node, p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.InboundConnected(n, p)
}

func (s *serialized) OutboundConnected(n *Node, p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.OutboundConnected(n, p)
}

func (s *serialized) InboundDisconnected(n *Node, p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.InboundDisconnected(n, p)
}

func (s *serialized) OutboundDisconnected(n *Node, p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.OutboundDisconnected(n, p)
}

func (s *serialized) MessageReceived(n *Node, p *Peer, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.MessageReceived(n, p, payload)
}

func (s *serialized) OutboundDisconnectRequested(n *Node, p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.OutboundDisconnectRequested(n, p)
}

func (s *serialized) StopRequested(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.StopRequested(n)
}
