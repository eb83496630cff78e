package device

import (
	"errors"
	"net/netip"
	"time"

	"github.com/ovpn-go/ovpn/crypto"
	"github.com/ovpn-go/ovpn/proto"
)

var (
	ErrNoKey     = errors.New("device: no key installed")
	ErrNotIP     = errors.New("device: payload is not an IP packet")
	ErrNoNexthop = errors.New("device: no peer for destination")
)

// pktCtx carries one packet through the crypto engine so the continuation
// can finish the pipeline when the engine completes asynchronously. It owns
// a peer reference and a key slot reference until the post step runs.
type pktCtx struct {
	peer    *Peer
	ks      *crypto.KeySlot
	origLen int
	src     netip.AddrPort
	dst     netip.Addr
	viaTCP  bool
	special bool
}

// SendPacket encapsulates one tunnel payload and hands it to the owning
// peer's transport. In multipeer mode the peer is picked by routing the
// packet's destination address; point-to-point traffic always goes to the
// single peer.
func (o *Ovpn) SendPacket(pkt []byte) error {
	if !o.running.Load() {
		return ErrClosed
	}

	var p *Peer
	if o.mode == ModeP2P {
		p = o.reg.byVPNAddr(netip.Addr{})
	} else {
		ver := proto.IPVersion(pkt)
		if ver == 0 {
			o.dropTx("outbound payload is not IP")
			return ErrNotIP
		}
		dst := tunnelDst(pkt, ver)
		if !dst.IsValid() {
			o.dropTx("outbound payload has no destination")
			return ErrNotIP
		}
		p = o.reg.byVPNAddr(o.routes.Nexthop(dst))
	}
	if p == nil {
		o.dropTx("no peer to send to")
		return ErrNoNexthop
	}
	return o.sendToPeer(p, pkt, false)
}

// SendBatch sends a burst of payloads, dropping the ones that fail
// individually, and reports how many were handed to a transport or queued
// with the crypto engine.
func (o *Ovpn) SendBatch(pkts [][]byte) int {
	sent := 0
	for _, pkt := range pkts {
		if err := o.SendPacket(pkt); err == nil {
			sent++
		}
	}
	return sent
}

// sendToPeer consumes the caller's peer reference.
func (o *Ovpn) sendToPeer(p *Peer, pkt []byte, special bool) error {
	ks := p.crypto.Primary()
	if ks == nil {
		o.dropTx("%s has no key", p)
		p.Put()
		return ErrNoKey
	}

	ctx := &pktCtx{peer: p, ks: ks, origLen: len(pkt), special: special}
	wire, err := o.engine.Encrypt(ks, p.id, pkt, func(out []byte, err error) {
		o.encryptPost(ctx, out, err)
	})
	if errors.Is(err, crypto.ErrInProgress) {
		return nil
	}
	o.encryptPost(ctx, wire, err)
	return err
}

func (o *Ovpn) encryptPost(ctx *pktCtx, wire []byte, err error) {
	p := ctx.peer
	defer p.Put()
	defer ctx.ks.Put()

	if err != nil {
		if errors.Is(err, crypto.ErrCryptoExhausted) {
			o.log.errorf("%s transmit IDs exhausted, rekey required", p)
		}
		o.dropTx("%s encrypt: %v", p, err)
		return
	}

	udp, tcp := p.transport()
	switch {
	case tcp != nil:
		if err := tcp.Send(wire); err != nil {
			// ErrWouldBlock means the stream is still pushing the
			// previous packet; the packet is dropped, not queued
			o.dropTx("%s tcp: %v", p, err)
			return
		}
	case udp != nil:
		b := p.bind.Load()
		if b == nil {
			o.dropTx("%s has no endpoint", p)
			return
		}
		if err := udp.WriteTo(wire, b.Remote); err != nil {
			o.dropTx("%s udp: %v", p, err)
			return
		}
	default:
		o.dropTx("%s has no transport", p)
		return
	}

	p.touchSent(time.Now())
	p.linkStats.incTx(len(wire))
	if !ctx.special {
		p.vpnStats.incTx(ctx.origLen)
	}
}

// xmitSpecial injects a raw control payload, such as the keepalive
// sentinel, into the peer's data channel.
func (o *Ovpn) xmitSpecial(p *Peer, payload []byte) {
	if !p.Hold() {
		return
	}
	pkt := make([]byte, len(payload))
	copy(pkt, payload)
	_ = o.sendToPeer(p, pkt, true)
}

// ReceiveDatagram implements conn.DatagramHandler for the shared UDP
// socket: it matches the datagram to a peer by the header's peer ID, or by
// source endpoint when the header carries none.
func (o *Ovpn) ReceiveDatagram(pkt []byte, src netip.AddrPort, dst netip.Addr) {
	if !o.running.Load() {
		return
	}
	if len(pkt) < proto.MinPacketSize {
		o.dropRx(src.Addr(), "runt datagram from %s", src)
		return
	}
	if proto.Opcode(pkt) != proto.OpcodeDataV2 {
		// control-channel traffic belongs to the userspace daemon
		o.dropRx(src.Addr(), "non-data opcode %d from %s", proto.Opcode(pkt), src)
		return
	}

	var p *Peer
	if id := proto.PeerID(pkt); id != proto.PeerIDUndef {
		p = o.reg.byID(id)
	} else {
		p = o.reg.byTransport(src)
	}
	if p == nil {
		o.dropRx(src.Addr(), "no peer for datagram from %s", src)
		return
	}

	// the datagram buffer is pooled; the pipeline may outlive this call
	wire := make([]byte, len(pkt))
	copy(wire, pkt)
	o.receive(p, wire, src, dst, false)
}

// receive consumes the caller's peer reference.
func (o *Ovpn) receive(p *Peer, wire []byte, src netip.AddrPort, dst netip.Addr, viaTCP bool) {
	if len(wire) < proto.MinPacketSize {
		o.dropRx(src.Addr(), "%s: runt packet", p)
		p.Put()
		return
	}
	ks := p.crypto.ByKeyID(proto.KeyID(wire))
	if ks == nil {
		o.dropRx(src.Addr(), "%s: no key slot for key ID %d", p, proto.KeyID(wire))
		p.Put()
		return
	}

	ctx := &pktCtx{peer: p, ks: ks, origLen: len(wire), src: src, dst: dst, viaTCP: viaTCP}
	plain, err := o.engine.Decrypt(ks, wire, func(out []byte, err error) {
		o.decryptPost(ctx, out, err)
	})
	if errors.Is(err, crypto.ErrInProgress) {
		return
	}
	o.decryptPost(ctx, plain, err)
}

func (o *Ovpn) decryptPost(ctx *pktCtx, plain []byte, err error) {
	p := ctx.peer
	defer p.Put()
	defer ctx.ks.Put()

	if err != nil {
		o.dropRx(ctx.src.Addr(), "%s decrypt: %v", p, err)
		if ctx.viaTCP {
			// a stream that delivered a bad packet cannot recover
			_ = o.delPeerReason(p, DelReasonTransportError)
		}
		return
	}

	p.touchRecv(time.Now())

	if !ctx.viaTCP && ctx.src.IsValid() {
		p.float(ctx.src)
		p.updateLocalEndpoint(ctx.dst)
	}

	if proto.IsKeepalive(plain) {
		o.log.verbosef("%s keepalive received", p)
		p.linkStats.incRx(ctx.origLen)
		return
	}
	if proto.IsExitNotify(plain) {
		o.log.verbosef("%s sent disconnect notification", p)
		_ = o.delPeerReason(p, DelReasonTransportDisconnect)
		return
	}

	ver := proto.IPVersion(plain)
	if ver == 0 {
		o.dropRx(ctx.src.Addr(), "%s: decrypted payload is not IP", p)
		return
	}
	if !o.checkBySrc(tunnelSrc(plain, ver), p) {
		o.dropRx(ctx.src.Addr(), "%s: reverse path check failed", p)
		return
	}

	p.vpnStats.incRx(len(plain))
	p.linkStats.incRx(ctx.origLen)

	if o.netstack == nil {
		o.dropRx(ctx.src.Addr(), "no network stack attached")
		return
	}
	if _, err := o.netstack.Write(plain); err != nil {
		o.dropRx(ctx.src.Addr(), "%s inject: %v", p, err)
	}
}

// checkBySrc verifies that the decrypted packet's tunnel source address
// actually routes back to the peer that delivered it.
func (o *Ovpn) checkBySrc(src netip.Addr, claimed *Peer) bool {
	if o.mode == ModeP2P {
		return o.reg.sameByVPNAddr(netip.Addr{}, claimed)
	}
	if !src.IsValid() {
		return false
	}
	return o.reg.sameByVPNAddr(o.routes.Nexthop(src), claimed)
}

func tunnelSrc(pkt []byte, ver int) netip.Addr {
	switch {
	case ver == 4 && len(pkt) >= 20:
		return netip.AddrFrom4([4]byte(pkt[12:16]))
	case ver == 6 && len(pkt) >= 40:
		return netip.AddrFrom16([16]byte(pkt[8:24]))
	}
	return netip.Addr{}
}

func tunnelDst(pkt []byte, ver int) netip.Addr {
	switch {
	case ver == 4 && len(pkt) >= 20:
		return netip.AddrFrom4([4]byte(pkt[16:20]))
	case ver == 6 && len(pkt) >= 40:
		return netip.AddrFrom16([16]byte(pkt[24:40]))
	}
	return netip.Addr{}
}
