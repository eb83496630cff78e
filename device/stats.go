package device

import "sync/atomic"

// Stats accumulates per-direction byte and packet counters. Peers keep two
// of them: one counting tunneled payload and one counting the encrypted
// link traffic that carried it.
type Stats struct {
	rxBytes   atomic.Uint64
	rxPackets atomic.Uint64
	txBytes   atomic.Uint64
	txPackets atomic.Uint64
}

func (s *Stats) incRx(bytes int) {
	s.rxBytes.Add(uint64(bytes))
	s.rxPackets.Add(1)
}

func (s *Stats) incTx(bytes int) {
	s.txBytes.Add(uint64(bytes))
	s.txPackets.Add(1)
}

// StatsSnapshot is a point-in-time copy of a Stats.
type StatsSnapshot struct {
	RxBytes   uint64
	RxPackets uint64
	TxBytes   uint64
	TxPackets uint64
}

// Snapshot reads the counters. Values are individually atomic, not
// mutually consistent.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RxBytes:   s.rxBytes.Load(),
		RxPackets: s.rxPackets.Load(),
		TxBytes:   s.txBytes.Load(),
		TxPackets: s.txPackets.Load(),
	}
}
