package ratelimit

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowBurstThenThrottle(t *testing.T) {
	now := time.Now()
	l := &Limiter{now: func() time.Time { return now }}
	src := netip.MustParseAddr("192.0.2.1")

	allowed := 0
	for i := 0; i < 100; i++ {
		if l.Allow(src) {
			allowed++
		}
	}
	require.Greater(t, allowed, 0)
	require.Less(t, allowed, 10, "burst not capped")

	// tokens refill with time
	now = now.Add(time.Second)
	require.True(t, l.Allow(src))
}

func TestSourcesIndependent(t *testing.T) {
	now := time.Now()
	l := &Limiter{now: func() time.Time { return now }}
	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")

	for l.Allow(a) {
	}
	require.True(t, l.Allow(b), "throttling one source muted another")
}

func TestStaleEntriesCollected(t *testing.T) {
	now := time.Now()
	l := &Limiter{now: func() time.Time { return now }}
	l.Allow(netip.MustParseAddr("192.0.2.1"))

	now = now.Add(time.Minute)
	l.Allow(netip.MustParseAddr("192.0.2.2"))

	l.mu.RLock()
	defer l.mu.RUnlock()
	_, stale := l.table[netip.MustParseAddr("192.0.2.1")]
	require.False(t, stale, "stale entry survived GC")
}
