package device

import "net/netip"

// A Bind pins the remote transport endpoint of a UDP peer together with the
// local address traffic from that peer last arrived on. Binds are immutable;
// a floating peer gets a new one.
type Bind struct {
	Remote netip.AddrPort
	Local  netip.Addr
}

// NewBind builds a bind for remote with no learned local address yet.
// Addresses are stored unmapped so IPv4 compares equal regardless of the
// socket family it traveled over.
func NewBind(remote netip.AddrPort) *Bind {
	return &Bind{Remote: netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())}
}

func (b *Bind) withLocal(local netip.Addr) *Bind {
	return &Bind{Remote: b.Remote, Local: local.Unmap()}
}

// SrcMatch reports whether src is the exact endpoint this bind points at,
// family included.
func (b *Bind) SrcMatch(src netip.AddrPort) bool {
	if b == nil {
		return false
	}
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	return b.Remote == src
}
