//go:build linux

package device

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// NetlinkRoutes resolves nexthops against the kernel routing tables.
type NetlinkRoutes struct{}

// Nexthop implements NexthopLookup. Lookup failures fall back to treating
// dst as directly connected.
func (NetlinkRoutes) Nexthop(dst netip.Addr) netip.Addr {
	routes, err := netlink.RouteGet(net.IP(dst.Unmap().AsSlice()))
	if err != nil || len(routes) == 0 || routes[0].Gw == nil {
		return dst
	}
	gw, ok := netip.AddrFromSlice(routes[0].Gw)
	if !ok {
		return dst
	}
	return gw.Unmap()
}

func init() {
	platformRoutes = NetlinkRoutes{}
}
