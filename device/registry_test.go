package device

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMP(t *testing.T, notify func(uint32, DelReason)) *Ovpn {
	t.Helper()
	o := New(Config{
		Mode:          ModeMP,
		Routes:        DirectNexthop{},
		PeerDelNotify: notify,
	})
	t.Cleanup(o.Close)
	return o
}

func addPeer(t *testing.T, o *Ovpn, id uint32, vpn4, endpoint string) *Peer {
	t.Helper()
	p, err := o.NewPeer(id)
	require.NoError(t, err)
	if vpn4 != "" {
		p.SetVPNAddrs(netip.MustParseAddr(vpn4), netip.Addr{})
	}
	if endpoint != "" {
		p.SetEndpoint(netip.MustParseAddrPort(endpoint))
	}
	require.NoError(t, o.AddPeer(p))
	return p
}

func TestNewPeerRejectsBadIDs(t *testing.T) {
	o := newTestMP(t, nil)
	_, err := o.NewPeer(0x00FFFFFF) // the undefined marker
	require.ErrorIs(t, err, ErrBadPeerID)
	_, err = o.NewPeer(0x01000000) // does not fit 24 bits
	require.ErrorIs(t, err, ErrBadPeerID)
}

func TestAddPeerDuplicateID(t *testing.T) {
	o := newTestMP(t, nil)
	addPeer(t, o, 1, "10.0.0.2", "")

	dup, err := o.NewPeer(1)
	require.NoError(t, err)
	require.ErrorIs(t, o.AddPeer(dup), ErrPeerExists)
}

func TestAddPeerDuplicateVPNAddr(t *testing.T) {
	o := newTestMP(t, nil)
	addPeer(t, o, 1, "10.0.0.2", "")

	dup, err := o.NewPeer(2)
	require.NoError(t, err)
	dup.SetVPNAddrs(netip.MustParseAddr("10.0.0.2"), netip.Addr{})
	require.ErrorIs(t, o.AddPeer(dup), ErrPeerExists)
}

func TestDelPeerAndNotifyOnce(t *testing.T) {
	var mu sync.Mutex
	var notified []DelReason
	o := newTestMP(t, func(id uint32, r DelReason) {
		mu.Lock()
		notified = append(notified, r)
		mu.Unlock()
	})
	p := addPeer(t, o, 1, "10.0.0.2", "")

	// an in-flight packet still holds the peer
	require.True(t, p.Hold())

	require.NoError(t, o.DelPeer(1))
	require.ErrorIs(t, o.DelPeer(1), ErrPeerNotFound)

	mu.Lock()
	require.Empty(t, notified, "peer torn down while still referenced")
	mu.Unlock()

	p.Put() // in-flight packet done
	p.Put() // creator's reference

	mu.Lock()
	require.Equal(t, []DelReason{DelReasonUserspace}, notified)
	mu.Unlock()
}

func TestLookupByIDAndVPNAddr(t *testing.T) {
	o := newTestMP(t, nil)
	p := addPeer(t, o, 7, "10.0.0.2", "")

	got := o.reg.byID(7)
	require.Same(t, p, got)
	got.Put()

	got = o.reg.byVPNAddr(netip.MustParseAddr("10.0.0.2"))
	require.Same(t, p, got)
	got.Put()

	require.Nil(t, o.reg.byID(8))
	require.Nil(t, o.reg.byVPNAddr(netip.MustParseAddr("10.0.0.3")))
}

func TestLookupByTransportRequiresExactEndpoint(t *testing.T) {
	o := newTestMP(t, nil)
	p := addPeer(t, o, 1, "", "192.0.2.10:5000")

	got := o.reg.byTransport(netip.MustParseAddrPort("192.0.2.10:5000"))
	require.Same(t, p, got)
	got.Put()

	require.Nil(t, o.reg.byTransport(netip.MustParseAddrPort("192.0.2.10:5001")))
	require.Nil(t, o.reg.byTransport(netip.MustParseAddrPort("192.0.2.11:5000")))
}

func TestFloatRehashesTransportIndex(t *testing.T) {
	o := newTestMP(t, nil)
	p := addPeer(t, o, 1, "", "192.0.2.10:5000")

	p.float(netip.MustParseAddrPort("192.0.2.10:6000"))

	require.Nil(t, o.reg.byTransport(netip.MustParseAddrPort("192.0.2.10:5000")),
		"old endpoint still resolves after float")
	got := o.reg.byTransport(netip.MustParseAddrPort("192.0.2.10:6000"))
	require.Same(t, p, got)
	got.Put()
	require.Equal(t, netip.MustParseAddrPort("192.0.2.10:6000"), p.Endpoint())
}

func TestFloatToSameEndpointIsNoop(t *testing.T) {
	o := newTestMP(t, nil)
	p := addPeer(t, o, 1, "", "192.0.2.10:5000")
	before := p.bind.Load()
	p.float(netip.MustParseAddrPort("192.0.2.10:5000"))
	require.Same(t, before, p.bind.Load())
}

func TestP2PAddReplacesPeer(t *testing.T) {
	released := make(chan uint32, 2)
	o := New(Config{Mode: ModeP2P, PeerDelNotify: func(id uint32, r DelReason) {
		if r == DelReasonTeardown {
			released <- id
		}
	}})
	defer o.Close()

	first, err := o.NewPeer(1)
	require.NoError(t, err)
	require.NoError(t, o.AddPeer(first))
	first.Put()

	second, err := o.NewPeer(2)
	require.NoError(t, err)
	require.NoError(t, o.AddPeer(second))
	second.Put()

	require.Equal(t, uint32(1), <-released)

	got := o.reg.byID(2)
	require.Same(t, second, got)
	got.Put()
}

func TestP2PVPNAddrLookupIgnoresAddress(t *testing.T) {
	o := New(Config{Mode: ModeP2P})
	defer o.Close()

	p, err := o.NewPeer(1)
	require.NoError(t, err)
	require.NoError(t, o.AddPeer(p))

	got := o.reg.byVPNAddr(netip.MustParseAddr("203.0.113.99"))
	require.Same(t, p, got)
	got.Put()
}

func TestCloseReleasesAllPeers(t *testing.T) {
	reasons := make(chan DelReason, 4)
	o := New(Config{Mode: ModeMP, PeerDelNotify: func(_ uint32, r DelReason) {
		reasons <- r
	}})

	for id := uint32(1); id <= 3; id++ {
		p, err := o.NewPeer(id)
		require.NoError(t, err)
		p.SetVPNAddrs(netip.AddrFrom4([4]byte{10, 0, 0, byte(id)}), netip.Addr{})
		require.NoError(t, o.AddPeer(p))
		p.Put()
	}
	o.Close()

	for i := 0; i < 3; i++ {
		require.Equal(t, DelReasonTeardown, <-reasons)
	}

	p, err := o.NewPeer(9)
	require.NoError(t, err)
	require.ErrorIs(t, o.AddPeer(p), ErrClosed)
}

func TestRegistryConcurrentChurn(t *testing.T) {
	o := newTestMP(t, nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := uint32(w*1000 + i)
				p, err := o.NewPeer(id)
				if err != nil {
					continue
				}
				if o.AddPeer(p) == nil {
					if got := o.reg.byID(id); got != nil {
						got.Put()
					}
					_ = o.DelPeer(id)
				}
				p.Put()
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 4; w++ {
		for i := 0; i < 200; i++ {
			require.Nil(t, o.reg.byID(uint32(w*1000+i)))
		}
	}
}
