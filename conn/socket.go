// Package conn implements the transport layer of the data channel: a shared
// UDP socket demultiplexing datagrams to peers and per-peer TCP sockets
// carrying length-prefixed frames. Sockets are reference counted so several
// peers can share one attachment; the last reference closes the underlying
// connection and stops its goroutines.
package conn

import (
	"errors"
	"sync"
)

var (
	// ErrWouldBlock reports that a TCP socket already has a send in
	// flight. The packet is dropped; the stream stays intact.
	ErrWouldBlock = errors.New("conn: send already in progress")
	// ErrDetached reports an operation on a socket whose last reference
	// was dropped.
	ErrDetached = errors.New("conn: socket detached")
)

// MaxSegmentSize is the largest datagram or frame the transports accept.
const MaxSegmentSize = 65535

const maxPoolBuffers = 1024

// waitPool recycles receive buffers and blocks producers once the configured
// ceiling of outstanding buffers is reached, bounding memory under load.
type waitPool struct {
	pool  sync.Pool
	cond  sync.Cond
	lock  sync.Mutex
	count int
	max   int
}

func newWaitPool(max int, new func() any) *waitPool {
	p := &waitPool{pool: sync.Pool{New: new}, max: max}
	p.cond = sync.Cond{L: &p.lock}
	return p
}

func (p *waitPool) Get() any {
	p.lock.Lock()
	for p.count >= p.max {
		p.cond.Wait()
	}
	p.count++
	p.lock.Unlock()
	return p.pool.Get()
}

func (p *waitPool) Put(x any) {
	p.pool.Put(x)
	p.lock.Lock()
	p.count--
	p.lock.Unlock()
	p.cond.Signal()
}
