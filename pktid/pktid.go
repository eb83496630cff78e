// Package pktid implements the data-channel packet-ID engine: generation of
// strictly increasing 32-bit transmit IDs per key slot and replay protection
// for received IDs using a sliding window in the style of RFC 6479.
package pktid

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrExhausted means the 32-bit transmit counter would wrap. The key
	// slot must be retired and the control plane asked for a rekey.
	ErrExhausted = errors.New("pktid: transmit counter exhausted")
	// ErrReplay means the received ID was already accepted or lies behind
	// the trailing edge of the replay window.
	ErrReplay = errors.New("pktid: replayed packet ID")
	// ErrInvalid means the received ID is zero, which is never generated.
	ErrInvalid = errors.New("pktid: invalid packet ID")
)

const (
	blockBitShift = 6
	nBits         = 1 << blockBitShift // bits per block
	nBlocks       = 1 << 7             // blocks in the ring, power of 2
	bitMask       = nBits - 1
	blockMask     = nBlocks - 1
	// WindowSize is how far behind the highest accepted ID a packet may
	// arrive and still be considered.
	WindowSize = (nBlocks - 1) * nBits
)

// Tx generates transmit packet IDs for one key slot. The zero value is
// ready for use; the first call to Next returns 1.
type Tx struct {
	// runs past MaxUint32 on exhaustion, so every later call keeps
	// failing instead of wrapping back to valid IDs
	seq atomic.Uint64
}

// Next returns the next packet ID. IDs are strictly increasing and never
// zero. Once the 32-bit space is exhausted Next fails with ErrExhausted
// forever; the slot can no longer encrypt.
func (t *Tx) Next() (uint32, error) {
	seq := t.seq.Add(1)
	if seq > 0xFFFFFFFF {
		return 0, ErrExhausted
	}
	return uint32(seq), nil
}

// Rx validates received packet IDs against replay for one key slot. The
// zero value is an empty window ready for use. Validation of concurrent
// decrypts against the same slot is linearized by an internal lock so two
// packets carrying the same ID can never both be accepted.
type Rx struct {
	mu   sync.Mutex
	last uint64
	ring [nBlocks]uint64
}

// Validate accepts id if it is newer than anything seen so far or if it
// falls inside the look-behind window and has not been marked yet. On
// acceptance of a new highest ID the window slides forward.
func (r *Rx) Validate(id uint32) error {
	if id == 0 {
		return ErrInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	value := uint64(id)
	blockIndex := value >> blockBitShift
	if value > r.last {
		// move window forward, clearing the blocks that fell off
		currentIndex := r.last >> blockBitShift
		diff := blockIndex - currentIndex
		if diff > nBlocks {
			diff = nBlocks
		}
		for i := currentIndex + 1; i <= currentIndex+diff; i++ {
			r.ring[i&blockMask] = 0
		}
		r.last = value
	} else if r.last-value > WindowSize {
		return ErrReplay
	}

	bit := uint64(1) << (value & bitMask)
	old := r.ring[blockIndex&blockMask]
	if old&bit != 0 {
		return ErrReplay
	}
	r.ring[blockIndex&blockMask] = old | bit
	return nil
}

// Reset empties the window. Used when a slot's receive state is reinstalled.
func (r *Rx) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = 0
	for i := range r.ring {
		r.ring[i] = 0
	}
}
