// Package crypto implements the data-channel AEAD engine: per-peer key
// slots holding one cipher context per direction, the two-slot container
// used for rekeying and the encapsulation/decapsulation of wire packets.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ovpn-go/ovpn/internal/refcount"
	"github.com/ovpn-go/ovpn/pktid"
	"github.com/ovpn-go/ovpn/proto"
)

// Alg selects the AEAD construction for a key slot.
type Alg int

const (
	// AlgAESGCM is AES-GCM with a 16, 24 or 32 byte key.
	AlgAESGCM Alg = iota
	// AlgChaCha20Poly1305 is ChaCha20-Poly1305 with a 32 byte key.
	AlgChaCha20Poly1305
)

// ErrUnsupportedAlg reports a cipher algorithm this engine cannot build.
var ErrUnsupportedAlg = errors.New("crypto: unsupported cipher algorithm")

// DirectionConfig carries the negotiated material for one direction.
type DirectionConfig struct {
	CipherKey []byte
	NonceTail [proto.NonceTailSize]byte
}

// KeyConfig is what the control plane delivers when installing a key slot.
// All material arrives already negotiated; this package never derives keys.
type KeyConfig struct {
	// ID is the 3-bit wire key ID (0-7, wraps).
	ID      uint8
	Alg     Alg
	Encrypt DirectionConfig
	Decrypt DirectionConfig
}

// KeySlot is one complete set of cipher state for one peer: an AEAD context
// per direction, the per-direction nonce tails, the transmit packet-ID
// counter and the receive replay window. Slots are reference counted so a
// lookup can keep using one while the control plane replaces it.
type KeySlot struct {
	encrypt cipher.AEAD
	decrypt cipher.AEAD
	txTail  [proto.NonceTailSize]byte
	rxTail  [proto.NonceTailSize]byte
	txID    pktid.Tx
	rxID    pktid.Rx
	keyID   uint8
	refs    refcount.Count
}

func newAEAD(alg Alg, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AlgAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: aes key: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, ErrUnsupportedAlg
	}
}

// NewKeySlot builds a key slot from control-plane material. The returned
// slot holds its initial reference.
func NewKeySlot(kc KeyConfig) (*KeySlot, error) {
	enc, err := newAEAD(kc.Alg, kc.Encrypt.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt context: %w", err)
	}
	dec, err := newAEAD(kc.Alg, kc.Decrypt.CipherKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt context: %w", err)
	}
	if enc.NonceSize() != proto.NonceSize || enc.Overhead() != proto.TagSize {
		return nil, ErrUnsupportedAlg
	}

	ks := &KeySlot{
		encrypt: enc,
		decrypt: dec,
		txTail:  kc.Encrypt.NonceTail,
		rxTail:  kc.Decrypt.NonceTail,
		keyID:   kc.ID & proto.KeyIDMask,
	}
	ks.refs.Init()
	return ks, nil
}

// KeyID returns the slot's 3-bit wire key ID.
func (ks *KeySlot) KeyID() uint8 { return ks.keyID }

// Hold takes an additional reference. It fails if the slot is already dead.
func (ks *KeySlot) Hold() bool { return ks.refs.Hold() }

// Put drops a reference. Cipher contexts carry no external resources, so
// the last drop simply lets the slot go.
func (ks *KeySlot) Put() { ks.refs.Drop() }

// State is the per-peer crypto-state container: up to two key slots, the
// primary used for encryption and a secondary kept around across rekeys.
// On decrypt either slot may match, selected by the wire key ID.
type State struct {
	mu        sync.Mutex
	primary   *KeySlot
	secondary *KeySlot
}

// Primary returns a reference-held primary slot, or nil when unkeyed.
func (s *State) Primary() *KeySlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary == nil || !s.primary.Hold() {
		return nil
	}
	return s.primary
}

// ByKeyID returns a reference-held slot matching the wire key ID,
// independent of which slot is currently primary, or nil.
func (s *State) ByKeyID(id uint8) *KeySlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ks := range []*KeySlot{s.primary, s.secondary} {
		if ks != nil && ks.keyID == id {
			if !ks.Hold() {
				return nil
			}
			return ks
		}
	}
	return nil
}

// Install places a new slot as primary, demoting the current primary to
// secondary. A previously demoted slot is dropped.
func (s *State) Install(ks *KeySlot) {
	s.mu.Lock()
	old := s.secondary
	s.secondary = s.primary
	s.primary = ks
	s.mu.Unlock()

	if old != nil {
		old.Put()
	}
}

// ErrNoSecondary reports a swap request without an installed secondary slot.
var ErrNoSecondary = errors.New("crypto: no secondary key slot to promote")

// Swap promotes the secondary slot to primary on rekey completion.
func (s *State) Swap() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secondary == nil {
		return ErrNoSecondary
	}
	s.primary, s.secondary = s.secondary, s.primary
	return nil
}

// Release drops both slots. In-flight packet processing holding its own
// slot references is unaffected.
func (s *State) Release() {
	s.mu.Lock()
	p, sec := s.primary, s.secondary
	s.primary, s.secondary = nil, nil
	s.mu.Unlock()

	if p != nil {
		p.Put()
	}
	if sec != nil {
		sec.Put()
	}
}
