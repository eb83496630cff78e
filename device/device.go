// Package device implements the data channel of a VPN instance: peers,
// their key slots and replay state, transport attachment, packet
// encapsulation, and keepalive scheduling. The control channel that
// negotiates keys stays in userspace; this package only moves and protects
// data-plane traffic.
package device

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ovpn-go/ovpn/conn"
	"github.com/ovpn-go/ovpn/crypto"
	"github.com/ovpn-go/ovpn/internal/ratelimit"
)

// Mode selects how an instance maps traffic to peers.
type Mode int

const (
	// ModeP2P serves exactly one peer; all traffic belongs to it.
	ModeP2P Mode = iota
	// ModeMP serves many peers, routed by tunnel address and matched by
	// peer ID or transport endpoint on the way in.
	ModeMP
)

func (m Mode) String() string {
	if m == ModeMP {
		return "MP"
	}
	return "P2P"
}

var ErrClosed = errors.New("device: instance closed")

// NetWriter receives decrypted tunnel payloads for injection into the
// local network stack, typically a tun device.
type NetWriter interface {
	Write(pkt []byte) (int, error)
}

// Config carries everything an instance needs at construction time. Zero
// fields get working defaults: a discarding logger, inline crypto, and the
// platform route lookup.
type Config struct {
	Mode     Mode
	Logger   *Logger
	Engine   crypto.Engine
	Routes   NexthopLookup
	Netstack NetWriter
	// PeerDelNotify runs after a removed peer is fully torn down, with
	// the reason recorded at removal.
	PeerDelNotify func(peerID uint32, reason DelReason)
}

// Ovpn is one data-channel instance.
type Ovpn struct {
	mode          Mode
	log           *Logger
	engine        crypto.Engine
	routes        NexthopLookup
	netstack      NetWriter
	peerDelNotify func(uint32, DelReason)
	reg           registry

	mu     sync.Mutex
	udp    *conn.UDPSocket
	closed bool

	keepaliveTimer *Timer
	running        atomic.Bool

	rxDropped atomic.Uint64
	txDropped atomic.Uint64
	drops     ratelimit.Limiter
}

// New builds an instance from cfg.
func New(cfg Config) *Ovpn {
	o := &Ovpn{
		mode:          cfg.Mode,
		log:           cfg.Logger,
		engine:        cfg.Engine,
		routes:        cfg.Routes,
		netstack:      cfg.Netstack,
		peerDelNotify: cfg.PeerDelNotify,
	}
	if o.log == nil {
		o.log = DiscardLogger()
	}
	if o.engine == nil {
		o.engine = crypto.SyncEngine{}
	}
	if o.routes == nil {
		o.routes = platformRoutes
	}
	switch cfg.Mode {
	case ModeMP:
		o.reg = newMPRegistry()
	default:
		o.reg = &p2pRegistry{}
	}
	o.keepaliveTimer = NewTimer(o.keepaliveWork)
	o.running.Store(true)
	return o
}

// AttachUDP takes over c as the instance's shared UDP transport. Attaching
// when a transport is already present reports success and keeps the
// existing one, so repeated attachment of the same socket is harmless.
func (o *Ovpn) AttachUDP(c *net.UDPConn) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.udp != nil {
		return nil
	}
	s, err := conn.AttachUDP(c, o)
	if err != nil {
		return err
	}
	o.udp = s
	o.log.verbosef("UDP transport attached on %s", s.LocalAddrPort())
	return nil
}

// ConnectPeerTCP attaches c as the dedicated TCP transport of a registered
// peer. A peer speaks over exactly one transport.
func (o *Ovpn) ConnectPeerTCP(peerID uint32, c net.Conn) error {
	p := o.reg.byID(peerID)
	if p == nil {
		return ErrPeerNotFound
	}
	defer p.Put()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tcp != nil || p.udp != nil {
		return ErrHasTransport
	}
	s, err := conn.AttachTCP(c, p)
	if err != nil {
		return err
	}
	p.tcp = s
	return nil
}

// AddPeer registers a previously built peer. A UDP peer picks up the
// instance's shared socket here.
func (o *Ovpn) AddPeer(p *Peer) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	udp := o.udp
	o.mu.Unlock()

	var held bool
	if udp != nil && p.bind.Load() != nil {
		p.mu.Lock()
		if p.udp == nil && p.tcp == nil && udp.Hold() {
			p.udp = udp
			held = true
		}
		p.mu.Unlock()
	}

	if err := o.reg.add(p); err != nil {
		if held {
			p.mu.Lock()
			p.udp = nil
			p.mu.Unlock()
			udp.Put()
		}
		return err
	}
	o.log.verbosef("%s added (%s)", p, o.mode)
	o.kickKeepalive()
	return nil
}

// DelPeer removes a peer at the control plane's request.
func (o *Ovpn) DelPeer(peerID uint32) error {
	p := o.reg.byID(peerID)
	if p == nil {
		return ErrPeerNotFound
	}
	err := o.reg.del(p, DelReasonUserspace)
	p.Put()
	return err
}

func (o *Ovpn) delPeerReason(p *Peer, reason DelReason) error {
	return o.reg.del(p, reason)
}

// SetPeerKeepalive reconfigures a registered peer's keepalive schedule and
// reschedules the worker.
func (o *Ovpn) SetPeerKeepalive(peerID uint32, interval, timeout time.Duration) error {
	p := o.reg.byID(peerID)
	if p == nil {
		return ErrPeerNotFound
	}
	p.SetKeepalive(interval, timeout)
	p.Put()
	o.kickKeepalive()
	return nil
}

// SetPeerKey installs key material as the peer's primary slot.
func (o *Ovpn) SetPeerKey(peerID uint32, cfg crypto.KeyConfig) error {
	p := o.reg.byID(peerID)
	if p == nil {
		return ErrPeerNotFound
	}
	defer p.Put()
	return p.InstallKey(cfg)
}

// SwapPeerKeys promotes the peer's secondary key slot to primary.
func (o *Ovpn) SwapPeerKeys(peerID uint32) error {
	p := o.reg.byID(peerID)
	if p == nil {
		return ErrPeerNotFound
	}
	defer p.Put()
	return p.SwapKeys()
}

// PeerStats returns the payload and link counters of a registered peer.
func (o *Ovpn) PeerStats(peerID uint32) (vpn, link StatsSnapshot, err error) {
	p := o.reg.byID(peerID)
	if p == nil {
		return StatsSnapshot{}, StatsSnapshot{}, ErrPeerNotFound
	}
	defer p.Put()
	return p.VPNStats(), p.LinkStats(), nil
}

// PeerRecvControl returns the next control frame received on a TCP peer's
// stream. It blocks until a frame arrives, done closes, or the stream is
// torn down.
func (o *Ovpn) PeerRecvControl(peerID uint32, done <-chan struct{}) ([]byte, error) {
	p := o.reg.byID(peerID)
	if p == nil {
		return nil, ErrPeerNotFound
	}
	_, tcp := p.transport()
	p.Put()
	if tcp == nil {
		return nil, ErrNoTransport
	}
	return tcp.RecvControl(done)
}

// DroppedRx reports packets discarded on the receive path.
func (o *Ovpn) DroppedRx() uint64 { return o.rxDropped.Load() }

// DroppedTx reports packets discarded on the transmit path.
func (o *Ovpn) DroppedTx() uint64 { return o.txDropped.Load() }

// Close tears the instance down: the keepalive worker is stopped, every
// peer is released with the teardown reason, and the shared transport is
// dropped. In-flight packets drain against their held references.
func (o *Ovpn) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	udp := o.udp
	o.udp = nil
	o.mu.Unlock()

	o.running.Store(false)
	o.keepaliveTimer.DelSync()
	o.reg.releaseAll(DelReasonTeardown)
	if udp != nil {
		udp.Put()
	}
	o.log.verbosef("instance closed")
}

func (o *Ovpn) dropRx(src netip.Addr, format string, args ...any) {
	o.rxDropped.Add(1)
	if o.drops.Allow(src) {
		o.log.verbosef("rx drop: "+format, args...)
	}
}

func (o *Ovpn) dropTx(format string, args ...any) {
	o.txDropped.Add(1)
	o.log.verbosef("tx drop: "+format, args...)
}
