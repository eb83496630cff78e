package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ovpn-go/ovpn/pktid"
	"github.com/ovpn-go/ovpn/proto"
)

var (
	// ErrInProgress is the sentinel returned by an asynchronous engine:
	// the result will be delivered to the completion callback instead.
	// Pipeline continuations must check it before treating a result as
	// final.
	ErrInProgress = errors.New("crypto: operation in progress")
	// ErrAuthFailed reports an AEAD tag mismatch.
	ErrAuthFailed = errors.New("crypto: authentication failed")
	// ErrReplay reports a packet ID rejected by the replay window.
	ErrReplay = fmt.Errorf("crypto: %w", pktid.ErrReplay)
	// ErrTruncated reports a wire packet below the minimum framing size.
	ErrTruncated = errors.New("crypto: truncated packet")
	// ErrCryptoExhausted reports transmit packet-ID exhaustion; the slot
	// must be retired by the control plane.
	ErrCryptoExhausted = fmt.Errorf("crypto: %w", pktid.ErrExhausted)
	// ErrNoSpace reports a payload exceeding what the framing can carry.
	ErrNoSpace = errors.New("crypto: payload too large")
)

// MaxPayloadSize bounds the plaintext so the framed packet still fits a
// 16-bit length (the TCP transport prefixes frames with one).
const MaxPayloadSize = 0xFFFF - proto.MinPacketSize

const adSize = proto.OpSizeV2 + proto.NonceWireSize

// Encapsulate seals plain into a wire packet: a 4-byte opcode/key-id/peer-id
// header and the 4-byte packet ID form the associated data, the nonce is the
// packet ID concatenated with the transmit tail, and the 16-byte tag sits
// between the associated data and the ciphertext.
func (ks *KeySlot) Encapsulate(peerID uint32, plain []byte) ([]byte, error) {
	if len(plain) > MaxPayloadSize {
		return nil, ErrNoSpace
	}

	id, err := ks.txID.Next()
	if err != nil {
		return nil, ErrCryptoExhausted
	}

	out := make([]byte, proto.MinPacketSize+len(plain))
	hdr := proto.ComposeHeader(proto.OpcodeDataV2, ks.keyID, peerID)
	copy(out, hdr[:])
	binary.BigEndian.PutUint32(out[proto.OpSizeV2:], id)

	var nonce [proto.NonceSize]byte
	copy(nonce[:proto.NonceWireSize], out[proto.OpSizeV2:adSize])
	copy(nonce[proto.NonceWireSize:], ks.txTail[:])

	// Seal produces ciphertext||tag; the wire format wants tag first
	sealed := ks.encrypt.Seal(nil, nonce[:], plain, out[:adSize])
	copy(out[adSize:adSize+proto.TagSize], sealed[len(plain):])
	copy(out[proto.MinPacketSize:], sealed[:len(plain)])
	return out, nil
}

// Decapsulate reverses Encapsulate: it splits the header, nonce head and
// tag, authenticates, then feeds the packet ID to the replay window. The
// window is updated only after authentication succeeds so forged IDs cannot
// slide it.
func (ks *KeySlot) Decapsulate(wire []byte) ([]byte, error) {
	if len(wire) < proto.MinPacketSize {
		return nil, ErrTruncated
	}

	var nonce [proto.NonceSize]byte
	copy(nonce[:proto.NonceWireSize], wire[proto.OpSizeV2:adSize])
	copy(nonce[proto.NonceWireSize:], ks.rxTail[:])

	ct := wire[proto.MinPacketSize:]
	sealed := make([]byte, 0, len(ct)+proto.TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, wire[adSize:adSize+proto.TagSize]...)

	plain, err := ks.decrypt.Open(nil, nonce[:], sealed, wire[:adSize])
	if err != nil {
		return nil, ErrAuthFailed
	}

	id := binary.BigEndian.Uint32(wire[proto.OpSizeV2:adSize])
	if err := ks.rxID.Validate(id); err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return plain, nil
}

// Completion delivers the result of an asynchronous crypto operation. The
// continuation owns the remainder of the packet pipeline.
type Completion func(out []byte, err error)

// Engine runs encapsulation and decapsulation, possibly asynchronously
// relative to the caller (the software equivalent of hardware crypto
// offload). A synchronous engine returns the result directly and never
// invokes done; an asynchronous engine returns ErrInProgress and invokes
// done exactly once from another goroutine.
type Engine interface {
	Encrypt(ks *KeySlot, peerID uint32, plain []byte, done Completion) ([]byte, error)
	Decrypt(ks *KeySlot, wire []byte, done Completion) ([]byte, error)
}

// SyncEngine completes every operation inline on the caller's goroutine.
type SyncEngine struct{}

// Encrypt implements Engine.
func (SyncEngine) Encrypt(ks *KeySlot, peerID uint32, plain []byte, _ Completion) ([]byte, error) {
	return ks.Encapsulate(peerID, plain)
}

// Decrypt implements Engine.
func (SyncEngine) Decrypt(ks *KeySlot, wire []byte, _ Completion) ([]byte, error) {
	return ks.Decapsulate(wire)
}

type cryptoJob struct {
	ks      *KeySlot
	peerID  uint32
	data    []byte
	encrypt bool
	done    Completion
}

// AsyncEngine runs crypto on a pool of workers and delivers results through
// completion callbacks, decoupling the packet pipelines from cipher cost.
type AsyncEngine struct {
	jobs chan cryptoJob
}

// NewAsyncEngine starts workers goroutines servicing crypto jobs.
func NewAsyncEngine(workers int) *AsyncEngine {
	if workers < 1 {
		workers = 1
	}
	e := &AsyncEngine{jobs: make(chan cryptoJob, workers*8)}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *AsyncEngine) worker() {
	for job := range e.jobs {
		if job.encrypt {
			job.done(job.ks.Encapsulate(job.peerID, job.data))
		} else {
			job.done(job.ks.Decapsulate(job.data))
		}
	}
}

// Encrypt implements Engine: it queues the job and reports ErrInProgress.
func (e *AsyncEngine) Encrypt(ks *KeySlot, peerID uint32, plain []byte, done Completion) ([]byte, error) {
	e.jobs <- cryptoJob{ks: ks, peerID: peerID, data: plain, encrypt: true, done: done}
	return nil, ErrInProgress
}

// Decrypt implements Engine: it queues the job and reports ErrInProgress.
func (e *AsyncEngine) Decrypt(ks *KeySlot, wire []byte, done Completion) ([]byte, error) {
	e.jobs <- cryptoJob{ks: ks, data: wire, done: done}
	return nil, ErrInProgress
}

// Close stops the workers once queued jobs have drained.
func (e *AsyncEngine) Close() {
	close(e.jobs)
}
