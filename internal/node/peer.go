package node

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/p2pnet/internal/observability"
	"github.com/danmuck/p2pnet/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// Direction records which side established a link.
type Direction int

const (
	Inbound Direction = iota + 1
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Peer is one live link to a remote node. It owns its socket and a single
// read goroutine; writes are serialized so frames never interleave.
type Peer struct {
	ID        string
	Host      string
	Port      int
	Direction Direction

	node   *Node
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits
	log    zerolog.Logger

	writeTimeout time.Duration
	writeMu      sync.Mutex

	terminate atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	// announced is closed once the connected event has been delivered, or
	// once it is known it never will be. Reads and the disconnected event
	// both wait on it.
	announced    chan struct{}
	announceOnce sync.Once

	connectedAt time.Time
	lastSeen    atomic.Int64
	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
}

// PeerInfo is a point-in-time view of a Peer.
type PeerInfo struct {
	ID          string    `json:"id"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Direction   string    `json:"direction"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	FramesIn    uint64    `json:"frames_in"`
	FramesOut   uint64    `json:"frames_out"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Terminated  bool      `json:"terminated"`
}

func newPeer(n *Node, conn net.Conn, id, host string, port int, dir Direction) *Peer {
	p := &Peer{
		ID:           id,
		Host:         host,
		Port:         port,
		Direction:    dir,
		node:         n,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		limits:       n.cfg.Limits,
		writeTimeout: n.cfg.Session.WriteTimeout,
		done:         make(chan struct{}),
		announced:    make(chan struct{}),
		connectedAt:  time.Now(),
	}
	p.lastSeen.Store(p.connectedAt.UnixNano())
	p.log = n.log.With().
		Str("peer_id", shortID(id)).
		Str("peer_addr", p.Addr()).
		Str("direction", dir.String()).
		Logger()
	return p
}

func (p *Peer) start() {
	go p.run()
}

func (p *Peer) run() {
	defer close(p.done)
	defer p.node.peerTerminated(p)

	<-p.announced
	for {
		fr, err := frame.ReadFrame(p.reader, p.limits)
		if err != nil {
			p.readFailed(err)
			return
		}
		p.lastSeen.Store(time.Now().UnixNano())
		p.framesIn.Add(1)
		p.bytesIn.Add(uint64(len(fr.Payload)))
		observability.RecordFrame(p.node.label, "received", len(fr.Payload))
		p.node.messageReceived(p, fr.Payload)
	}
}

func (p *Peer) readFailed(err error) {
	stopping := p.terminate.Swap(true)
	p.closeConn()
	switch {
	case stopping:
		p.log.Debug().Msg("peer read loop stopped")
	case errors.Is(err, io.EOF):
		p.log.Info().Msg("peer closed link")
	case errors.Is(err, frame.ErrFraming):
		p.log.Warn().Err(err).Msg("peer framing error")
	default:
		p.log.Warn().Err(err).Msg("peer transport error")
	}
}

// Send writes data as one frame. A transport failure terminates the peer;
// the Node removes it on the next sweep.
func (p *Peer) Send(data []byte) error {
	if p.terminate.Load() {
		return ErrPeerClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	if err := frame.WriteFrame(p.conn, data, p.limits); err != nil {
		if errors.Is(err, frame.ErrFrameTooLarge) {
			return err
		}
		p.Stop()
		return fmt.Errorf("node: send to %s: %w", p.Addr(), err)
	}
	p.framesOut.Add(1)
	p.bytesOut.Add(uint64(len(data)))
	observability.RecordFrame(p.node.label, "sent", len(data))
	return nil
}

// Stop sets the terminate flag and closes the socket, which unblocks the read
// goroutine. It does not wait; use Wait to join.
func (p *Peer) Stop() {
	p.terminate.Store(true)
	p.closeConn()
}

// Wait blocks until the read goroutine has exited.
func (p *Peer) Wait() {
	<-p.done
}

// Done is closed when the read goroutine exits.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Terminated reports whether the terminate flag is set.
func (p *Peer) Terminated() bool {
	return p.terminate.Load()
}

func (p *Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

func (p *Peer) Info() PeerInfo {
	return PeerInfo{
		ID:          p.ID,
		Host:        p.Host,
		Port:        p.Port,
		Direction:   p.Direction.String(),
		ConnectedAt: p.connectedAt,
		LastSeen:    p.LastSeen(),
		FramesIn:    p.framesIn.Load(),
		FramesOut:   p.framesOut.Load(),
		BytesIn:     p.bytesIn.Load(),
		BytesOut:    p.bytesOut.Load(),
		Terminated:  p.terminate.Load(),
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("Peer: %s %s (%s)", p.Direction, p.Addr(), shortID(p.ID))
}

func (p *Peer) closeConn() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
	})
}

func (p *Peer) announce() {
	p.announceOnce.Do(func() {
		close(p.announced)
	})
}
