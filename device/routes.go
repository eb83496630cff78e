package device

import "net/netip"

// NexthopLookup resolves the gateway a tunneled address is reached through.
// Multipeer instances route and reverse-path-check on the nexthop, so a
// whole subnet behind one peer maps to that peer's tunnel address.
type NexthopLookup interface {
	Nexthop(dst netip.Addr) netip.Addr
}

// DirectNexthop treats every address as directly connected.
type DirectNexthop struct{}

// Nexthop implements NexthopLookup.
func (DirectNexthop) Nexthop(dst netip.Addr) netip.Addr { return dst }

// platformRoutes is the default lookup; platform files override it.
var platformRoutes NexthopLookup = DirectNexthop{}
