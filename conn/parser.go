package conn

import (
	"encoding/binary"
	"errors"

	"github.com/ovpn-go/ovpn/proto"
)

// ErrBadFrame reports a length prefix below the protocol minimum. The TCP
// byte stream cannot be resynchronized after this, so the connection must
// be torn down.
var ErrBadFrame = errors.New("conn: invalid frame length prefix")

// StreamParser incrementally splits a TCP byte stream into packets. Every
// unit on the stream is prefixed with a 2-byte big-endian length covering
// everything that follows the prefix. Partial input is buffered until the
// frame completes. Not safe for concurrent use; each TCP socket owns one.
type StreamParser struct {
	buf []byte
	off int
}

// Parse consumes data and returns the complete frames it finished, without
// their length prefixes. Frames reference freshly allocated memory and may
// be retained by the caller.
func (p *StreamParser) Parse(data []byte) ([][]byte, error) {
	p.buf = append(p.buf, data...)

	var frames [][]byte
	for {
		rest := p.buf[p.off:]
		if len(rest) < proto.TCPPrefixSize {
			break
		}
		n := int(binary.BigEndian.Uint16(rest))
		if n < proto.TCPMinFrame {
			return frames, ErrBadFrame
		}
		if len(rest) < proto.TCPPrefixSize+n {
			break
		}
		frame := make([]byte, n)
		copy(frame, rest[proto.TCPPrefixSize:proto.TCPPrefixSize+n])
		frames = append(frames, frame)
		p.off += proto.TCPPrefixSize + n
	}

	// compact once the consumed prefix dominates the buffer
	if p.off > 0 && (p.off == len(p.buf) || p.off > 4096) {
		p.buf = append(p.buf[:0], p.buf[p.off:]...)
		p.off = 0
	}
	return frames, nil
}
