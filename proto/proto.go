// Package proto defines the OpenVPN data-channel wire format: the combined
// opcode/key-id/peer-id header, the packet-ID nonce prefix, the special
// keepalive and exit-notify payloads and the TCP stream framing.
//
// Data-channel packet layout (UDP payload or framed TCP unit):
//
//	+---------------+------------------+----------------+-------------+
//	| op|keyid|peer | packet-id (4B)   | auth tag (16B) | ciphertext  |
//	| (4B, V2)      | head of nonce    |                |             |
//	+---------------+------------------+----------------+-------------+
package proto

import (
	"encoding/binary"
	"errors"
)

const (
	// OpcodeDataV1 is the legacy 1-byte-header data channel opcode.
	OpcodeDataV1 = 6
	// OpcodeDataV2 is the data channel opcode carrying a 24-bit peer ID.
	OpcodeDataV2 = 9

	// KeyIDMask covers the 3 key-id bits of the first header byte.
	KeyIDMask = 0x07
	// OpcodeShift positions the 5 opcode bits of the first header byte.
	OpcodeShift = 3

	// PeerIDMask covers the 24 peer-id bits of the V2 header.
	PeerIDMask uint32 = 0x00FFFFFF
	// PeerIDUndef is the reserved all-ones peer ID meaning "not set".
	PeerIDUndef uint32 = 0x00FFFFFF

	// OpSizeV2 is the size of the V2 opcode header.
	OpSizeV2 = 4
	// NonceSize is the full AEAD nonce: 4-byte packet ID plus 8-byte tail.
	NonceSize = 12
	// NonceWireSize is the part of the nonce transmitted on the wire (the
	// packet ID); the tail is pre-shared and never sent.
	NonceWireSize = 4
	// NonceTailSize is the per-direction salt appended to the packet ID.
	NonceTailSize = NonceSize - NonceWireSize
	// TagSize is the AEAD authentication tag size.
	TagSize = 16

	// MinPacketSize is the smallest parseable data packet: header, packet
	// ID and tag with an empty payload.
	MinPacketSize = OpSizeV2 + NonceWireSize + TagSize

	// TCPPrefixSize is the big-endian length prefix preceding every unit
	// on a TCP stream. The prefix covers everything that follows it.
	TCPPrefixSize = 2
	// TCPMinFrame is the minimum valid length prefix value.
	TCPMinFrame = 2

	// KeepaliveFirstByte distinguishes the keepalive sentinel payload.
	KeepaliveFirstByte = 0x2a
	// ExitNotifyFirstByte distinguishes an explicit exit notification.
	ExitNotifyFirstByte = 0x28
)

// KeepaliveMessage is the fixed payload exchanged to refresh peer liveness.
// It is the OpenVPN ping magic string, encrypted and framed like any other
// data packet.
var KeepaliveMessage = [16]byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

// ErrShortPacket reports a buffer smaller than the minimum framing size.
var ErrShortPacket = errors.New("proto: packet shorter than minimum framing")

// ComposeHeader builds the 4-byte V2 header from opcode, key ID and peer ID.
func ComposeHeader(opcode, keyID uint8, peerID uint32) [OpSizeV2]byte {
	v := uint32(opcode)<<(OpcodeShift+24) |
		uint32(keyID&KeyIDMask)<<24 |
		(peerID & PeerIDMask)
	var hdr [OpSizeV2]byte
	binary.BigEndian.PutUint32(hdr[:], v)
	return hdr
}

// Opcode extracts the 5-bit opcode from the first byte of a packet.
func Opcode(b []byte) uint8 {
	if len(b) < 1 {
		return 0
	}
	return b[0] >> OpcodeShift
}

// KeyID extracts the 3-bit key ID from the first byte of a packet.
func KeyID(b []byte) uint8 {
	if len(b) < 1 {
		return 0
	}
	return b[0] & KeyIDMask
}

// PeerID extracts the 24-bit peer ID from a V2 header. It returns
// PeerIDUndef when the buffer is too short to carry one.
func PeerID(b []byte) uint32 {
	if len(b) < OpSizeV2 {
		return PeerIDUndef
	}
	return binary.BigEndian.Uint32(b[:OpSizeV2]) & PeerIDMask
}

// PacketID extracts the wire packet ID that follows the V2 header.
func PacketID(b []byte) (uint32, error) {
	if len(b) < OpSizeV2+NonceWireSize {
		return 0, ErrShortPacket
	}
	return binary.BigEndian.Uint32(b[OpSizeV2 : OpSizeV2+NonceWireSize]), nil
}

// IsKeepalive reports whether an authenticated plaintext payload is the
// keepalive sentinel.
func IsKeepalive(payload []byte) bool {
	if len(payload) != len(KeepaliveMessage) {
		return false
	}
	if payload[0] != KeepaliveFirstByte {
		return false
	}
	for i := range KeepaliveMessage {
		if payload[i] != KeepaliveMessage[i] {
			return false
		}
	}
	return true
}

// IsExitNotify reports whether an authenticated plaintext payload is an
// explicit exit notification.
func IsExitNotify(payload []byte) bool {
	return len(payload) > 0 && payload[0] == ExitNotifyFirstByte
}

// IPVersion sniffs the network-layer protocol of a tunneled packet. It
// returns 4 or 6, or 0 when the payload is not a plausible IP packet.
func IPVersion(payload []byte) int {
	if len(payload) < 1 {
		return 0
	}
	switch payload[0] >> 4 {
	case 4:
		if len(payload) >= 20 {
			return 4
		}
	case 6:
		if len(payload) >= 40 {
			return 6
		}
	}
	return 0
}
