package conn

import (
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/ovpn-go/ovpn/internal/refcount"
)

const socketBufferSize = 7 << 20

// DatagramHandler receives every datagram read from an attached UDP socket.
// dst is the local address the datagram arrived on, when the platform
// reported one, and is invalid otherwise.
type DatagramHandler interface {
	ReceiveDatagram(pkt []byte, src netip.AddrPort, dst netip.Addr)
}

// UDPSocket wraps a UDP socket attached to the data channel. One socket is
// shared by every peer using it; Hold and Put track the sharing. Attaching
// transfers ownership: the last Put closes the underlying connection.
type UDPSocket struct {
	conn    *net.UDPConn
	pc4     *ipv4.PacketConn
	pc6     *ipv6.PacketConn
	handler DatagramHandler
	refs    refcount.Count
	bufs    *waitPool
	done    chan struct{}
	closing sync.Once
}

// AttachUDP takes over c for data-channel traffic and starts delivering its
// datagrams to handler. The returned socket holds one reference.
func AttachUDP(c *net.UDPConn, handler DatagramHandler) (*UDPSocket, error) {
	s := &UDPSocket{
		conn:    c,
		handler: handler,
		done:    make(chan struct{}),
		bufs: newWaitPool(maxPoolBuffers, func() any {
			return new([MaxSegmentSize]byte)
		}),
	}
	s.refs.Init()

	tuneSocket(c)

	if la, ok := c.LocalAddr().(*net.UDPAddr); ok && la.IP.To4() != nil {
		s.pc4 = ipv4.NewPacketConn(c)
		// best effort; dst learning degrades gracefully without it
		_ = s.pc4.SetControlMessage(ipv4.FlagDst, true)
	} else {
		s.pc6 = ipv6.NewPacketConn(c)
		_ = s.pc6.SetControlMessage(ipv6.FlagDst, true)
	}

	go s.readLoop()
	return s, nil
}

func tuneSocket(c *net.UDPConn) {
	raw, err := c.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
	})
}

// Hold acquires a reference for another user of the socket. It reports
// false once the socket is already shutting down; the caller must then
// attach a fresh socket instead.
func (s *UDPSocket) Hold() bool { return s.refs.Hold() }

// Put releases one reference. The last Put closes the connection and waits
// for no one; the read loop drains on its own.
func (s *UDPSocket) Put() {
	if s.refs.Drop() {
		s.closing.Do(func() { _ = s.conn.Close() })
	}
}

// Done is closed once the read loop has exited.
func (s *UDPSocket) Done() <-chan struct{} { return s.done }

// LocalAddrPort returns the bound local address of the socket.
func (s *UDPSocket) LocalAddrPort() netip.AddrPort {
	la, ok := s.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return la.AddrPort()
}

// WriteTo sends one datagram to the given remote endpoint.
func (s *UDPSocket) WriteTo(pkt []byte, to netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(pkt, to)
	return err
}

func (s *UDPSocket) readLoop() {
	defer close(s.done)
	for {
		buf := s.bufs.Get().(*[MaxSegmentSize]byte)
		n, src, dst, err := s.read(buf[:])
		if err != nil {
			s.bufs.Put(buf)
			return
		}
		if n > 0 {
			s.handler.ReceiveDatagram(buf[:n], src, dst)
		}
		s.bufs.Put(buf)
	}
}

func (s *UDPSocket) read(buf []byte) (int, netip.AddrPort, netip.Addr, error) {
	var (
		n    int
		addr net.Addr
		dst  netip.Addr
		err  error
	)
	if s.pc4 != nil {
		var cm *ipv4.ControlMessage
		n, cm, addr, err = s.pc4.ReadFrom(buf)
		if cm != nil {
			if ip, ok := netip.AddrFromSlice(cm.Dst); ok {
				dst = ip.Unmap()
			}
		}
	} else {
		var cm *ipv6.ControlMessage
		n, cm, addr, err = s.pc6.ReadFrom(buf)
		if cm != nil {
			if ip, ok := netip.AddrFromSlice(cm.Dst); ok {
				dst = ip.Unmap()
			}
		}
	}
	if err != nil {
		return 0, netip.AddrPort{}, netip.Addr{}, err
	}
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, netip.AddrPort{}, netip.Addr{}, nil
	}
	ap := ua.AddrPort()
	return n, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), dst, nil
}
