// Package ratelimit provides a per-source token bucket used to rate limit
// data-plane diagnostics: a flood of malformed or replayed packets from one
// address must not translate into a flood of log lines.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

const (
	// sustained rate: 5 events/second per source
	eventCost = int64(time.Second) / 5
	// burst capacity: 5 extra events
	maxTokens = eventCost * 5
	// entries idle longer than this are discarded
	staleAfter = 10 * time.Second
	// opportunistic GC runs at most this often
	gcInterval = time.Second
)

type entry struct {
	mu       sync.Mutex
	tokens   int64
	lastTime time.Time
}

// Limiter tracks one token bucket per source address. The zero value is
// ready for use.
type Limiter struct {
	mu     sync.RWMutex
	table  map[netip.Addr]*entry
	lastGC time.Time
	now    func() time.Time // test hook
}

func (l *Limiter) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

// Allow reports whether an event attributed to src may be logged.
func (l *Limiter) Allow(src netip.Addr) bool {
	now := l.clock()

	l.mu.RLock()
	e, ok := l.table[src]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		if l.table == nil {
			l.table = make(map[netip.Addr]*entry)
		}
		// recheck under the write lock; another goroutine may have
		// inserted the entry meanwhile
		if e, ok = l.table[src]; !ok {
			l.table[src] = &entry{tokens: maxTokens - eventCost, lastTime: now}
			l.maybeGC(now)
			l.mu.Unlock()
			return true
		}
		l.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}
	if e.tokens >= eventCost {
		e.tokens -= eventCost
		return true
	}
	return false
}

// maybeGC drops stale entries. Called with l.mu held for writing.
func (l *Limiter) maybeGC(now time.Time) {
	if now.Sub(l.lastGC) < gcInterval {
		return
	}
	l.lastGC = now
	for k, e := range l.table {
		e.mu.Lock()
		stale := now.Sub(e.lastTime) > staleAfter
		e.mu.Unlock()
		if stale {
			delete(l.table, k)
		}
	}
}
