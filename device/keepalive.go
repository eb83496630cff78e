package device

import (
	"time"

	"github.com/ovpn-go/ovpn/proto"
)

func (o *Ovpn) kickKeepalive() {
	if o.running.Load() {
		o.keepaliveTimer.Mod(0)
	}
}

// keepaliveWorkSingle evaluates one peer's keepalive state at time now. A
// peer that went silent past its timeout is removed and contributes no
// deadline. A peer whose transmit side went idle past its interval gets a
// keepalive sentinel. The returned time is the peer's earliest pending
// deadline, zero when keepalive is disabled for it.
func (o *Ovpn) keepaliveWorkSingle(p *Peer, now time.Time) time.Time {
	p.mu.Lock()
	interval, timeout := p.keepaliveInterval, p.keepaliveTimeout
	if interval == 0 || timeout == 0 {
		p.mu.Unlock()
		return time.Time{}
	}

	expired := false
	var nextRecv time.Time
	delta := now.Sub(p.lastRecv)
	switch {
	case delta < timeout:
		p.keepaliveRecvExp = now.Add(timeout - delta)
		nextRecv = p.keepaliveRecvExp
	case p.keepaliveRecvExp.After(now):
		nextRecv = p.keepaliveRecvExp
	default:
		expired = true
	}
	if expired {
		p.mu.Unlock()
		o.log.verbosef("%s expired: nothing received for %s", p, timeout)
		_ = o.delPeerReason(p, DelReasonExpired)
		return time.Time{}
	}

	sendPing := false
	var nextXmit time.Time
	delta = now.Sub(p.lastSent)
	switch {
	case delta < interval:
		p.keepaliveXmitExp = now.Add(interval - delta)
		nextXmit = p.keepaliveXmitExp
	case p.keepaliveXmitExp.After(now):
		nextXmit = p.keepaliveXmitExp
	default:
		sendPing = true
		p.keepaliveXmitExp = now.Add(interval)
		nextXmit = p.keepaliveXmitExp
	}
	p.mu.Unlock()

	if sendPing {
		o.log.verbosef("%s idle for %s, sending keepalive", p, interval)
		o.xmitSpecial(p, proto.KeepaliveMessage[:])
	}

	if nextRecv.Before(nextXmit) {
		return nextRecv
	}
	return nextXmit
}

// keepaliveWork walks every peer and rearms the worker at the earliest
// deadline any of them reported. The timer stays disarmed while no peer
// has keepalive configured; (re)configuring one kicks the worker.
func (o *Ovpn) keepaliveWork() {
	now := time.Now()
	var next time.Time
	for _, p := range o.reg.snapshot() {
		if d := o.keepaliveWorkSingle(p, now); !d.IsZero() && (next.IsZero() || d.Before(next)) {
			next = d
		}
		p.Put()
	}
	if !next.IsZero() && o.running.Load() {
		d := next.Sub(now)
		if d < 0 {
			d = 0
		}
		o.keepaliveTimer.Mod(d)
	}
}
