package device

import (
	"sync"
	"time"
)

// Timer wraps time.Timer with the arm/disarm discipline of a kernel
// timer_list: Mod schedules or reschedules, Del disarms, and a firing that
// raced a Del is suppressed.
type Timer struct {
	*time.Timer
	runningMu   sync.Mutex
	modifyingMu sync.RWMutex
	isPending   bool
}

// NewTimer returns a stopped timer that runs expFunc when armed and fired.
func NewTimer(expFunc func()) *Timer {
	t := &Timer{}
	t.Timer = time.AfterFunc(time.Hour, func() {
		t.runningMu.Lock()
		defer t.runningMu.Unlock()
		t.modifyingMu.Lock()
		if !t.isPending {
			t.modifyingMu.Unlock()
			return
		}
		t.isPending = false
		t.modifyingMu.Unlock()
		expFunc()
	})
	t.Stop()
	return t
}

func (t *Timer) Mod(d time.Duration) {
	t.modifyingMu.Lock()
	t.isPending = true
	t.Reset(d)
	t.modifyingMu.Unlock()
}

func (t *Timer) Del() {
	t.modifyingMu.Lock()
	t.isPending = false
	t.Stop()
	t.modifyingMu.Unlock()
}

// DelSync disarms the timer and waits out a concurrently running
// expiration, so the callback is quiescent on return.
func (t *Timer) DelSync() {
	t.Del()
	t.runningMu.Lock()
	t.Del()
	t.runningMu.Unlock()
}

func (t *Timer) IsPending() bool {
	t.modifyingMu.RLock()
	defer t.modifyingMu.RUnlock()
	return t.isPending
}
