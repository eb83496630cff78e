package device

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ovpn-go/ovpn/conn"
	"github.com/ovpn-go/ovpn/crypto"
	"github.com/ovpn-go/ovpn/internal/refcount"
	"github.com/ovpn-go/ovpn/proto"
)

// DelReason records why a peer was removed. It is attached to the peer when
// deletion is decided and reported through the instance's delete
// notification.
type DelReason int

const (
	// DelReasonTeardown is used when the whole instance shuts down.
	DelReasonTeardown DelReason = iota
	// DelReasonUserspace is a deletion requested via the control API.
	DelReasonUserspace
	// DelReasonExpired marks a keepalive timeout.
	DelReasonExpired
	// DelReasonTransportError marks a broken transport.
	DelReasonTransportError
	// DelReasonTransportDisconnect marks an explicit disconnect message
	// from the remote.
	DelReasonTransportDisconnect
)

func (r DelReason) String() string {
	switch r {
	case DelReasonTeardown:
		return "teardown"
	case DelReasonUserspace:
		return "userspace"
	case DelReasonExpired:
		return "expired"
	case DelReasonTransportError:
		return "transport-error"
	case DelReasonTransportDisconnect:
		return "transport-disconnect"
	default:
		return "unknown"
	}
}

var (
	ErrBadPeerID    = errors.New("device: invalid peer ID")
	ErrNoTransport  = errors.New("device: peer has no transport")
	ErrHasTransport = errors.New("device: peer already has a transport")
)

// A Peer is one remote endpoint of the tunnel: its ID as carried in packet
// headers, its negotiated key material, the transport it speaks over, and
// its keepalive schedule. Peers are reference counted; the object stays
// usable for in-flight packets after removal from the instance and is torn
// down when the last reference drops.
type Peer struct {
	id   uint32
	ovpn *Ovpn
	refs refcount.Count
	bind atomic.Pointer[Bind]

	crypto crypto.State

	mu         sync.Mutex
	udp        *conn.UDPSocket
	tcp        *conn.TCPSocket
	vpn4, vpn6 netip.Addr
	lastRecv   time.Time
	lastSent   time.Time

	keepaliveInterval time.Duration
	keepaliveTimeout  time.Duration
	keepaliveXmitExp  time.Time
	keepaliveRecvExp  time.Time

	// delete reason, set exactly once; stored as reason+1 so zero means
	// unset
	delReason atomic.Int32

	vpnStats  Stats
	linkStats Stats
}

// NewPeer allocates a peer owned by this instance. The ID must fit the
// 24-bit header field and must not be the undefined marker. The peer is not
// reachable until AddPeer registers it.
func (o *Ovpn) NewPeer(id uint32) (*Peer, error) {
	if id >= proto.PeerIDUndef {
		return nil, ErrBadPeerID
	}
	p := &Peer{id: id, ovpn: o}
	p.refs.Init()
	now := time.Now()
	p.lastRecv = now
	p.lastSent = now
	return p, nil
}

func (p *Peer) ID() uint32 { return p.id }

func (p *Peer) String() string { return fmt.Sprintf("peer(%d)", p.id) }

// Hold acquires a reference, failing once the peer is already being torn
// down.
func (p *Peer) Hold() bool { return p.refs.Hold() }

// Put releases a reference. The last Put runs the teardown exactly once.
func (p *Peer) Put() {
	if p.refs.Drop() {
		p.release()
	}
}

func (p *Peer) release() {
	reason := p.DelReason()
	p.ovpn.log.verbosef("%s released (%s)", p, reason)
	if notify := p.ovpn.peerDelNotify; notify != nil {
		notify(p.id, reason)
	}
	p.crypto.Release()
	p.bind.Store(nil)

	p.mu.Lock()
	udp, tcp := p.udp, p.tcp
	p.udp, p.tcp = nil, nil
	p.mu.Unlock()
	if udp != nil {
		udp.Put()
	}
	if tcp != nil {
		tcp.Put()
	}
}

func (p *Peer) setDelReason(r DelReason) {
	p.delReason.CompareAndSwap(0, int32(r)+1)
}

// DelReason returns the recorded removal reason, defaulting to teardown
// when none was set.
func (p *Peer) DelReason() DelReason {
	v := p.delReason.Load()
	if v == 0 {
		return DelReasonTeardown
	}
	return DelReason(v - 1)
}

// SetVPNAddrs sets the tunnel-side addresses this peer is reachable at.
// They take effect when the peer is added to the instance.
func (p *Peer) SetVPNAddrs(v4, v6 netip.Addr) {
	p.mu.Lock()
	p.vpn4 = v4.Unmap()
	p.vpn6 = v6
	p.mu.Unlock()
}

func (p *Peer) vpnAddrs() (netip.Addr, netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vpn4, p.vpn6
}

// SetEndpoint pins the remote UDP endpoint. It must be set before AddPeer
// for a UDP peer; afterwards the endpoint moves only by floating.
func (p *Peer) SetEndpoint(remote netip.AddrPort) {
	p.bind.Store(NewBind(remote))
}

// Endpoint returns the current remote endpoint, which is invalid for TCP
// peers.
func (p *Peer) Endpoint() netip.AddrPort {
	if b := p.bind.Load(); b != nil {
		return b.Remote
	}
	return netip.AddrPort{}
}

// InstallKey builds a key slot from cfg and installs it as the primary,
// demoting the current primary to secondary.
func (p *Peer) InstallKey(cfg crypto.KeyConfig) error {
	slot, err := crypto.NewKeySlot(cfg)
	if err != nil {
		return err
	}
	p.crypto.Install(slot)
	return nil
}

// SwapKeys promotes the secondary key slot to primary.
func (p *Peer) SwapKeys() error { return p.crypto.Swap() }

// SetKeepalive configures the keepalive schedule: send a ping if nothing
// was transmitted for interval, consider the peer dead if nothing was
// received for timeout. Zero values disable the respective side.
func (p *Peer) SetKeepalive(interval, timeout time.Duration) {
	now := time.Now()
	p.mu.Lock()
	p.keepaliveInterval = interval
	p.keepaliveTimeout = timeout
	if interval > 0 {
		p.keepaliveXmitExp = now.Add(interval)
	}
	if timeout > 0 {
		p.keepaliveRecvExp = now.Add(timeout)
	}
	p.mu.Unlock()
}

func (p *Peer) touchRecv(now time.Time) {
	p.mu.Lock()
	p.lastRecv = now
	p.mu.Unlock()
}

func (p *Peer) touchSent(now time.Time) {
	p.mu.Lock()
	p.lastSent = now
	p.mu.Unlock()
}

// float moves a UDP peer to a new remote endpoint after an authenticated
// packet arrived from it, keeping the transport index in step.
func (p *Peer) float(src netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.bind.Load()
	if old == nil || old.SrcMatch(src) {
		return
	}
	fresh := NewBind(src)
	// the learned local address only survives a same-family move
	if old.Remote.Addr().Unmap().Is4() == fresh.Remote.Addr().Is4() {
		fresh = fresh.withLocal(old.Local)
	}
	p.bind.Store(fresh)
	p.ovpn.reg.rehashTransport(p, old.Remote, fresh.Remote)
	p.ovpn.log.verbosef("%s floated %s -> %s", p, old.Remote, fresh.Remote)
}

// updateLocalEndpoint records the local address the peer's traffic arrives
// on, so replies can be matched to the same path.
func (p *Peer) updateLocalEndpoint(dst netip.Addr) {
	if !dst.IsValid() {
		return
	}
	b := p.bind.Load()
	if b == nil || b.Local == dst.Unmap() {
		return
	}
	p.mu.Lock()
	if b := p.bind.Load(); b != nil && b.Local != dst.Unmap() {
		p.bind.Store(b.withLocal(dst))
	}
	p.mu.Unlock()
}

func (p *Peer) transport() (*conn.UDPSocket, *conn.TCPSocket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.udp, p.tcp
}

// VPNStats returns the tunneled payload counters.
func (p *Peer) VPNStats() StatsSnapshot { return p.vpnStats.Snapshot() }

// LinkStats returns the encrypted link counters.
func (p *Peer) LinkStats() StatsSnapshot { return p.linkStats.Snapshot() }

// ReceiveFrame implements conn.FrameHandler for the peer's TCP socket.
func (p *Peer) ReceiveFrame(frame []byte) {
	if !p.Hold() {
		return
	}
	p.ovpn.receive(p, frame, netip.AddrPort{}, netip.Addr{}, true)
}

// TransportError implements conn.FrameHandler: a broken stream removes the
// peer.
func (p *Peer) TransportError(err error) {
	p.ovpn.log.errorf("%s transport failed: %v", p, err)
	_ = p.ovpn.delPeerReason(p, DelReasonTransportError)
}
