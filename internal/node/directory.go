package node

import "sync"

// directory holds live peers in arrival order. Every read and mutation goes
// through mu; a peer is in at most one slice.
type directory struct {
	mu       sync.Mutex
	inbound  []*Peer
	outbound []*Peer
	closed   bool

	// reaping counts extracted peers whose disconnected event is still
	// pending. It is incremented under mu so drain orders it before Wait.
	reaping sync.WaitGroup
}

func (d *directory) addInbound(p *Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrStopped
	}
	d.inbound = append(d.inbound, p)
	return nil
}

// addOutbound appends p unless another outbound peer already targets the
// same host and port, in which case that peer is returned.
func (d *directory) addOutbound(p *Peer) (*Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrStopped
	}
	if existing := d.findOutboundLocked(p.Host, p.Port); existing != nil {
		return existing, ErrAlreadyConnected
	}
	d.outbound = append(d.outbound, p)
	return p, nil
}

func (d *directory) findOutbound(host string, port int) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findOutboundLocked(host, port)
}

func (d *directory) findOutboundLocked(host string, port int) *Peer {
	for _, p := range d.outbound {
		if p.Host == host && p.Port == port {
			return p
		}
	}
	return nil
}

func (d *directory) removeOutbound(p *Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ok bool
	d.outbound, ok = without(d.outbound, p)
	return ok
}

func (d *directory) contains(p *Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return indexOf(d.inbound, p) >= 0 || indexOf(d.outbound, p) >= 0
}

func (d *directory) lookup(id string) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.inbound {
		if p.ID == id {
			return p
		}
	}
	for _, p := range d.outbound {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// extractTerminated removes and returns every peer whose terminate flag is
// set, in one locked pass over both slices. Each returned peer must be
// released with reaped once its disconnected event has fired.
func (d *directory) extractTerminated() []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	var dead []*Peer
	keep := func(list []*Peer) []*Peer {
		live := list[:0]
		for _, p := range list {
			if p.Terminated() {
				dead = append(dead, p)
				continue
			}
			live = append(live, p)
		}
		clear(list[len(live):])
		return live
	}
	d.inbound = keep(d.inbound)
	d.outbound = keep(d.outbound)
	d.reaping.Add(len(dead))
	return dead
}

func (d *directory) reaped() {
	d.reaping.Done()
}

// waitReaped blocks until every extracted peer has been released.
func (d *directory) waitReaped() {
	d.reaping.Wait()
}

// drain closes the directory to new peers and returns everything it held.
func (d *directory) drain() []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	all := make([]*Peer, 0, len(d.inbound)+len(d.outbound))
	all = append(all, d.inbound...)
	all = append(all, d.outbound...)
	d.inbound = nil
	d.outbound = nil
	return all
}

func (d *directory) snapshot() (inbound, outbound []*Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inbound = append([]*Peer(nil), d.inbound...)
	outbound = append([]*Peer(nil), d.outbound...)
	return inbound, outbound
}

func (d *directory) counts() (inbound, outbound int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inbound), len(d.outbound)
}

func indexOf(list []*Peer, p *Peer) int {
	for i, candidate := range list {
		if candidate == p {
			return i
		}
	}
	return -1
}

func without(list []*Peer, p *Peer) ([]*Peer, bool) {
	i := indexOf(list, p)
	if i < 0 {
		return list, false
	}
	copy(list[i:], list[i+1:])
	list[len(list)-1] = nil
	return list[:len(list)-1], true
}
