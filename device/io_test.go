package device

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/ovpn-go/ovpn/crypto"
	"github.com/ovpn-go/ovpn/proto"
)

const testPeerID = 7

type chanWriter struct {
	ch chan []byte
}

func newChanWriter() *chanWriter { return &chanWriter{ch: make(chan []byte, 64)} }

func (w *chanWriter) Write(pkt []byte) (int, error) {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case w.ch <- cp:
	default:
	}
	return len(pkt), nil
}

func (w *chanWriter) expect(t *testing.T) []byte {
	t.Helper()
	select {
	case pkt := <-w.ch:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("no packet reached the network stack")
		return nil
	}
}

func (w *chanWriter) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case pkt := <-w.ch:
		t.Fatalf("unexpected packet reached the network stack: %x", pkt)
	case <-time.After(d):
	}
}

// mirroredKeys builds the two key configurations of one negotiated session.
func mirroredKeys(keyID uint8) (crypto.KeyConfig, crypto.KeyConfig) {
	keyAB := bytes.Repeat([]byte{0xA1}, 32)
	keyBA := bytes.Repeat([]byte{0xB2}, 32)
	var tailAB, tailBA [proto.NonceTailSize]byte
	copy(tailAB[:], "abtails!")
	copy(tailBA[:], "batails!")

	a := crypto.KeyConfig{
		ID:      keyID,
		Alg:     crypto.AlgAESGCM,
		Encrypt: crypto.DirectionConfig{CipherKey: keyAB, NonceTail: tailAB},
		Decrypt: crypto.DirectionConfig{CipherKey: keyBA, NonceTail: tailBA},
	}
	b := crypto.KeyConfig{
		ID:      keyID,
		Alg:     crypto.AlgAESGCM,
		Encrypt: crypto.DirectionConfig{CipherKey: keyBA, NonceTail: tailBA},
		Decrypt: crypto.DirectionConfig{CipherKey: keyAB, NonceTail: tailAB},
	}
	return a, b
}

func ip4Packet(t *testing.T, src, dst string, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 40001}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

type host struct {
	o       *Ovpn
	stack   *chanWriter
	conn    *net.UDPConn
	reasons chan DelReason
}

func newHost(t *testing.T, withUDP bool) *host {
	t.Helper()
	h := &host{
		stack:   newChanWriter(),
		reasons: make(chan DelReason, 8),
	}
	h.o = New(Config{
		Mode:     ModeMP,
		Routes:   DirectNexthop{},
		Netstack: h.stack,
		PeerDelNotify: func(_ uint32, r DelReason) {
			h.reasons <- r
		},
	})
	t.Cleanup(h.o.Close)

	if withUDP {
		var err error
		h.conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		require.NoError(t, h.o.AttachUDP(h.conn))
	}
	return h
}

func (h *host) addr() netip.AddrPort {
	ap := h.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// wirePeer registers the remote side on h: remoteVPN is the tunnel address
// the remote answers to, endpoint its transport address.
func (h *host) wirePeer(t *testing.T, remoteVPN string, endpoint netip.AddrPort, key crypto.KeyConfig) {
	t.Helper()
	p, err := h.o.NewPeer(testPeerID)
	require.NoError(t, err)
	p.SetVPNAddrs(netip.MustParseAddr(remoteVPN), netip.Addr{})
	if endpoint.IsValid() {
		p.SetEndpoint(endpoint)
	}
	require.NoError(t, p.InstallKey(key))
	require.NoError(t, h.o.AddPeer(p))
	p.Put()
}

// newUDPPair wires two hosts into a tunnel over loopback UDP. a owns
// 10.0.0.1, b owns 10.0.0.2.
func newUDPPair(t *testing.T) (a, b *host) {
	t.Helper()
	a = newHost(t, true)
	b = newHost(t, true)
	ka, kb := mirroredKeys(1)
	a.wirePeer(t, "10.0.0.2", b.addr(), ka)
	b.wirePeer(t, "10.0.0.1", a.addr(), kb)
	return a, b
}

func TestUDPTunnelRoundTrip(t *testing.T) {
	a, b := newUDPPair(t)

	out := ip4Packet(t, "10.0.0.1", "10.0.0.2", []byte("ping over the tunnel"))
	require.NoError(t, a.o.SendPacket(out))
	require.Equal(t, out, b.stack.expect(t))

	back := ip4Packet(t, "10.0.0.2", "10.0.0.1", []byte("pong"))
	require.NoError(t, b.o.SendPacket(back))
	require.Equal(t, back, a.stack.expect(t))

	vpn, link, err := a.o.PeerStats(testPeerID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), vpn.TxPackets)
	require.Equal(t, uint64(len(out)), vpn.TxBytes)
	require.Equal(t, uint64(1), vpn.RxPackets)
	require.Equal(t, uint64(1), link.TxPackets)
	require.Greater(t, link.TxBytes, vpn.TxBytes, "link counts the framing overhead")
}

func TestTamperedDatagramDropped(t *testing.T) {
	a, b := newUDPPair(t)

	out := ip4Packet(t, "10.0.0.1", "10.0.0.2", []byte("payload"))
	require.NoError(t, a.o.SendPacket(out))
	require.Equal(t, out, b.stack.expect(t))

	// well-formed header, garbage underneath
	raw := make([]byte, proto.MinPacketSize+16)
	hdr := proto.ComposeHeader(proto.OpcodeDataV2, 1, testPeerID)
	copy(raw, hdr[:])
	binary.BigEndian.PutUint32(raw[proto.OpSizeV2:], 99)

	before := b.o.DroppedRx()
	sender, err := net.DialUDP("udp4", nil, b.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.Write(raw)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.o.DroppedRx() > before },
		2*time.Second, 5*time.Millisecond)
	b.stack.expectNothing(t, 50*time.Millisecond)
}

func TestNonDataOpcodeDropped(t *testing.T) {
	_, b := newUDPPair(t)

	raw := make([]byte, proto.MinPacketSize)
	hdr := proto.ComposeHeader(proto.OpcodeDataV1, 0, testPeerID)
	copy(raw, hdr[:])

	before := b.o.DroppedRx()
	sender, err := net.DialUDP("udp4", nil, b.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.Write(raw)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.o.DroppedRx() > before },
		2*time.Second, 5*time.Millisecond)
}

func TestRPFDropsSpoofedSource(t *testing.T) {
	a, b := newUDPPair(t)

	spoofed := ip4Packet(t, "10.9.9.9", "10.0.0.2", []byte("not from 10.0.0.1"))
	before := b.o.DroppedRx()
	require.NoError(t, a.o.SendPacket(spoofed))

	require.Eventually(t, func() bool { return b.o.DroppedRx() > before },
		2*time.Second, 5*time.Millisecond)
	b.stack.expectNothing(t, 50*time.Millisecond)
}

func TestKeepaliveSentinelStaysInternal(t *testing.T) {
	a, b := newUDPPair(t)

	require.NoError(t, a.o.SetPeerKeepalive(testPeerID, 25*time.Millisecond, time.Hour))

	require.Eventually(t, func() bool {
		_, link, err := b.o.PeerStats(testPeerID)
		return err == nil && link.RxPackets >= 1
	}, 2*time.Second, 5*time.Millisecond, "keepalive never arrived")

	vpn, _, err := b.o.PeerStats(testPeerID)
	require.NoError(t, err)
	require.Zero(t, vpn.RxPackets, "keepalive leaked into payload stats")
	b.stack.expectNothing(t, 50*time.Millisecond)

	// peer is alive and well on both ends
	require.NoError(t, a.o.SetPeerKeepalive(testPeerID, time.Hour, time.Hour))
	select {
	case r := <-b.reasons:
		t.Fatalf("peer removed (%s)", r)
	default:
	}
}

func TestPeerExpiresWithoutTraffic(t *testing.T) {
	_, b := newUDPPair(t)

	require.NoError(t, b.o.SetPeerKeepalive(testPeerID, time.Hour, 40*time.Millisecond))

	select {
	case r := <-b.reasons:
		require.Equal(t, DelReasonExpired, r)
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer never expired")
	}
	require.ErrorIs(t, b.o.DelPeer(testPeerID), ErrPeerNotFound)
}

func TestExitNotifyRemovesPeer(t *testing.T) {
	a, b := newUDPPair(t)

	p := a.o.reg.byID(testPeerID)
	require.NotNil(t, p)
	a.o.xmitSpecial(p, []byte{proto.ExitNotifyFirstByte, 0x00, 0x00, 0x00, 0x00, 0x00})
	p.Put()

	select {
	case r := <-b.reasons:
		require.Equal(t, DelReasonTransportDisconnect, r)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect notification ignored")
	}
}

func TestFloatRecoversStaleEndpoint(t *testing.T) {
	a := newHost(t, true)
	b := newHost(t, true)
	ka, kb := mirroredKeys(1)
	a.wirePeer(t, "10.0.0.2", b.addr(), ka)

	// b believes a lives at the wrong port until a's first packet proves
	// otherwise
	stale := netip.AddrPortFrom(a.addr().Addr(), a.addr().Port()+1)
	b.wirePeer(t, "10.0.0.1", stale, kb)

	out := ip4Packet(t, "10.0.0.1", "10.0.0.2", []byte("hello"))
	require.NoError(t, a.o.SendPacket(out))
	require.Equal(t, out, b.stack.expect(t))

	// the reply follows the floated endpoint
	back := ip4Packet(t, "10.0.0.2", "10.0.0.1", []byte("reply"))
	require.NoError(t, b.o.SendPacket(back))
	require.Equal(t, back, a.stack.expect(t))
}

func TestSendPacketWithoutKey(t *testing.T) {
	a := newHost(t, true)
	p, err := a.o.NewPeer(testPeerID)
	require.NoError(t, err)
	p.SetVPNAddrs(netip.MustParseAddr("10.0.0.2"), netip.Addr{})
	p.SetEndpoint(netip.MustParseAddrPort("127.0.0.1:9"))
	require.NoError(t, a.o.AddPeer(p))
	p.Put()

	err = a.o.SendPacket(ip4Packet(t, "10.0.0.1", "10.0.0.2", []byte("x")))
	require.ErrorIs(t, err, ErrNoKey)
	require.Equal(t, uint64(1), a.o.DroppedTx())
}

func TestSendPacketNoRoute(t *testing.T) {
	a := newHost(t, true)
	err := a.o.SendPacket(ip4Packet(t, "10.0.0.1", "10.0.0.99", []byte("x")))
	require.ErrorIs(t, err, ErrNoNexthop)

	require.ErrorIs(t, a.o.SendPacket([]byte{0x00, 0x01}), ErrNotIP)
}

func TestSendBatchCountsSuccesses(t *testing.T) {
	a, b := newUDPPair(t)

	pkts := [][]byte{
		ip4Packet(t, "10.0.0.1", "10.0.0.2", []byte("one")),
		ip4Packet(t, "10.0.0.1", "10.0.0.99", []byte("no peer")),
		ip4Packet(t, "10.0.0.1", "10.0.0.2", []byte("two")),
	}
	require.Equal(t, 2, a.o.SendBatch(pkts))
	require.Equal(t, pkts[0], b.stack.expect(t))
	require.Equal(t, pkts[2], b.stack.expect(t))
}

func TestTCPTunnelRoundTrip(t *testing.T) {
	a := newHost(t, false)
	b := newHost(t, false)
	ka, kb := mirroredKeys(1)
	a.wirePeer(t, "10.0.0.2", netip.AddrPort{}, ka)
	b.wirePeer(t, "10.0.0.1", netip.AddrPort{}, kb)

	pa, pb := net.Pipe()
	require.NoError(t, a.o.ConnectPeerTCP(testPeerID, pa))
	require.NoError(t, b.o.ConnectPeerTCP(testPeerID, pb))

	out := ip4Packet(t, "10.0.0.1", "10.0.0.2", []byte("stream carried"))
	require.NoError(t, a.o.SendPacket(out))
	require.Equal(t, out, b.stack.expect(t))

	back := ip4Packet(t, "10.0.0.2", "10.0.0.1", []byte("and back"))
	require.NoError(t, b.o.SendPacket(back))
	require.Equal(t, back, a.stack.expect(t))
}

func TestTCPDecryptFailureKillsPeer(t *testing.T) {
	b := newHost(t, false)
	_, kb := mirroredKeys(1)
	b.wirePeer(t, "10.0.0.1", netip.AddrPort{}, kb)

	raw, pb := net.Pipe()
	require.NoError(t, b.o.ConnectPeerTCP(testPeerID, pb))

	// a syntactically valid data frame that cannot authenticate
	garbage := make([]byte, proto.MinPacketSize+8)
	hdr := proto.ComposeHeader(proto.OpcodeDataV2, 1, testPeerID)
	copy(garbage, hdr[:])
	frame := make([]byte, 2+len(garbage))
	binary.BigEndian.PutUint16(frame, uint16(len(garbage)))
	copy(frame[2:], garbage)
	go raw.Write(frame)

	select {
	case r := <-b.reasons:
		require.Equal(t, DelReasonTransportError, r)
	case <-time.After(2 * time.Second):
		t.Fatal("corrupt stream did not tear the peer down")
	}
}

func TestConnectPeerTCPRejectsSecondTransport(t *testing.T) {
	a, _ := newUDPPair(t)
	pa, _ := net.Pipe()
	require.ErrorIs(t, a.o.ConnectPeerTCP(testPeerID, pa), ErrHasTransport)
}
