package device

import (
	"errors"
	"net/netip"
	"sync"
)

var (
	ErrPeerExists   = errors.New("device: peer already registered")
	ErrPeerNotFound = errors.New("device: peer not found")
)

// registry indexes the peers of one instance. Lookups return a held
// reference; the caller puts it when done. The registry itself owns one
// reference per registered peer, dropped on removal.
type registry interface {
	add(p *Peer) error
	del(p *Peer, reason DelReason) error
	byID(id uint32) *Peer
	byVPNAddr(addr netip.Addr) *Peer
	byTransport(src netip.AddrPort) *Peer
	// sameByVPNAddr reports whether claimed is the peer registered for
	// addr, without taking a reference. Used for reverse path checks.
	sameByVPNAddr(addr netip.Addr, claimed *Peer) bool
	rehashTransport(p *Peer, old, fresh netip.AddrPort)
	snapshot() []*Peer
	releaseAll(reason DelReason)
}

// p2pRegistry holds the single peer of a point-to-point instance. Adding a
// peer replaces the previous one.
type p2pRegistry struct {
	mu   sync.Mutex
	peer *Peer
}

func (r *p2pRegistry) add(p *Peer) error {
	if !p.Hold() {
		return ErrPeerNotFound
	}
	r.mu.Lock()
	old := r.peer
	r.peer = p
	r.mu.Unlock()
	if old != nil {
		old.setDelReason(DelReasonTeardown)
		old.Put()
	}
	return nil
}

func (r *p2pRegistry) del(p *Peer, reason DelReason) error {
	r.mu.Lock()
	if r.peer != p {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	r.peer = nil
	r.mu.Unlock()
	p.setDelReason(reason)
	p.Put()
	return nil
}

func (r *p2pRegistry) byID(id uint32) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peer; p != nil && p.id == id && p.Hold() {
		return p
	}
	return nil
}

// byVPNAddr ignores the address: in point-to-point mode all tunneled
// traffic belongs to the single peer.
func (r *p2pRegistry) byVPNAddr(netip.Addr) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peer; p != nil && p.Hold() {
		return p
	}
	return nil
}

func (r *p2pRegistry) byTransport(src netip.AddrPort) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peer; p != nil && p.bind.Load().SrcMatch(src) && p.Hold() {
		return p
	}
	return nil
}

func (r *p2pRegistry) sameByVPNAddr(_ netip.Addr, claimed *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer == claimed
}

func (r *p2pRegistry) rehashTransport(*Peer, netip.AddrPort, netip.AddrPort) {}

func (r *p2pRegistry) snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.peer; p != nil && p.Hold() {
		return []*Peer{p}
	}
	return nil
}

func (r *p2pRegistry) releaseAll(reason DelReason) {
	r.mu.Lock()
	old := r.peer
	r.peer = nil
	r.mu.Unlock()
	if old != nil {
		old.setDelReason(reason)
		old.Put()
	}
}

// mpRegistry indexes the peers of a multipeer instance three ways: by peer
// ID, by tunnel address for routing outbound traffic, and by transport
// endpoint for matching inbound datagrams that carry no peer ID.
type mpRegistry struct {
	mu         sync.RWMutex
	byIDm      map[uint32]*Peer
	byVPN      map[netip.Addr]*Peer
	byEndpoint map[netip.AddrPort]*Peer
}

func newMPRegistry() *mpRegistry {
	return &mpRegistry{
		byIDm:      make(map[uint32]*Peer),
		byVPN:      make(map[netip.Addr]*Peer),
		byEndpoint: make(map[netip.AddrPort]*Peer),
	}
}

func (r *mpRegistry) add(p *Peer) error {
	// peer locks are never taken under the registry lock
	v4, v6 := p.vpnAddrs()
	bind := p.bind.Load()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byIDm[p.id]; ok {
		return ErrPeerExists
	}
	if v4.IsValid() {
		if _, ok := r.byVPN[v4]; ok {
			return ErrPeerExists
		}
	}
	if v6.IsValid() {
		if _, ok := r.byVPN[v6]; ok {
			return ErrPeerExists
		}
	}
	if !p.Hold() {
		return ErrPeerNotFound
	}
	r.byIDm[p.id] = p
	if v4.IsValid() {
		r.byVPN[v4] = p
	}
	if v6.IsValid() {
		r.byVPN[v6] = p
	}
	if bind != nil {
		r.byEndpoint[bind.Remote] = p
	}
	return nil
}

func (r *mpRegistry) del(p *Peer, reason DelReason) error {
	v4, v6 := p.vpnAddrs()

	r.mu.Lock()
	if cur, ok := r.byIDm[p.id]; !ok || cur != p {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	delete(r.byIDm, p.id)
	if r.byVPN[v4] == p {
		delete(r.byVPN, v4)
	}
	if r.byVPN[v6] == p {
		delete(r.byVPN, v6)
	}
	if bind := p.bind.Load(); bind != nil && r.byEndpoint[bind.Remote] == p {
		delete(r.byEndpoint, bind.Remote)
	}
	r.mu.Unlock()

	p.setDelReason(reason)
	p.Put()
	return nil
}

func (r *mpRegistry) byID(id uint32) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.byIDm[id]; p != nil && p.Hold() {
		return p
	}
	return nil
}

func (r *mpRegistry) byVPNAddr(addr netip.Addr) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.byVPN[addr.Unmap()]; p != nil && p.Hold() {
		return p
	}
	return nil
}

func (r *mpRegistry) byTransport(src netip.AddrPort) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.byEndpoint[src]
	if p != nil && p.bind.Load().SrcMatch(src) && p.Hold() {
		return p
	}
	return nil
}

func (r *mpRegistry) sameByVPNAddr(addr netip.Addr, claimed *Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byVPN[addr.Unmap()] == claimed
}

func (r *mpRegistry) rehashTransport(p *Peer, old, fresh netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// a concurrent removal wins over a float
	if r.byIDm[p.id] != p {
		return
	}
	if r.byEndpoint[old] == p {
		delete(r.byEndpoint, old)
	}
	r.byEndpoint[fresh] = p
}

func (r *mpRegistry) snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]*Peer, 0, len(r.byIDm))
	for _, p := range r.byIDm {
		if p.Hold() {
			peers = append(peers, p)
		}
	}
	return peers
}

func (r *mpRegistry) releaseAll(reason DelReason) {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.byIDm))
	for _, p := range r.byIDm {
		peers = append(peers, p)
	}
	r.byIDm = make(map[uint32]*Peer)
	r.byVPN = make(map[netip.Addr]*Peer)
	r.byEndpoint = make(map[netip.AddrPort]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.setDelReason(reason)
		p.Put()
	}
}
