package conn

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ovpn-go/ovpn/internal/refcount"
	"github.com/ovpn-go/ovpn/proto"
)

// FrameHandler receives the data-channel frames parsed from an attached TCP
// stream and is told when the stream breaks. Both callbacks run on the
// socket's own goroutines.
type FrameHandler interface {
	ReceiveFrame(frame []byte)
	TransportError(err error)
}

const controlQueueLen = 128

// TCPSocket carries the data channel of exactly one peer over a TCP stream.
// Frames are length prefixed; data frames go to the handler, everything
// else is queued for the control plane to collect with RecvControl. At most
// one outbound frame is in flight at a time: Send reports ErrWouldBlock
// while a previous frame is still being written and the caller drops the
// packet. Attaching transfers ownership of the connection; the last Put
// closes it.
type TCPSocket struct {
	conn    net.Conn
	handler FrameHandler
	refs    refcount.Count

	mu      sync.Mutex
	pending []byte
	kick    chan struct{}

	control chan []byte
	stop    chan struct{}
	closed  atomic.Bool
	closing sync.Once
}

// AttachTCP takes over c as the data channel of one peer. The returned
// socket holds one reference.
func AttachTCP(c net.Conn, handler FrameHandler) (*TCPSocket, error) {
	s := &TCPSocket{
		conn:    c,
		handler: handler,
		kick:    make(chan struct{}, 1),
		control: make(chan []byte, controlQueueLen),
		stop:    make(chan struct{}),
	}
	s.refs.Init()
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

// Hold acquires a reference for another user of the socket.
func (s *TCPSocket) Hold() bool { return s.refs.Hold() }

// Put releases one reference; the last one shuts the socket down. Shutdown
// only signals the I/O goroutines, it does not wait for them: the stream
// callbacks may themselves be what drops the final reference.
func (s *TCPSocket) Put() {
	if s.refs.Drop() {
		s.closing.Do(func() {
			s.closed.Store(true)
			close(s.stop)
			_ = s.conn.Close()
		})
	}
}

// Send queues pkt for transmission with its length prefix. It never blocks:
// if the writer is still pushing a previous frame into the stream the
// packet is rejected with ErrWouldBlock.
func (s *TCPSocket) Send(pkt []byte) error {
	if len(pkt) < proto.TCPMinFrame || len(pkt) > MaxSegmentSize {
		return ErrBadFrame
	}
	if s.closed.Load() {
		return ErrDetached
	}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return ErrWouldBlock
	}
	frame := make([]byte, proto.TCPPrefixSize+len(pkt))
	binary.BigEndian.PutUint16(frame, uint16(len(pkt)))
	copy(frame[proto.TCPPrefixSize:], pkt)
	s.pending = frame
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// RecvControl returns the next non-data frame received on the stream,
// without its length prefix. It blocks until one arrives, the socket shuts
// down, or done is closed.
func (s *TCPSocket) RecvControl(done <-chan struct{}) ([]byte, error) {
	select {
	case frame := <-s.control:
		return frame, nil
	case <-s.stop:
		return nil, ErrDetached
	case <-done:
		return nil, ErrDetached
	}
}

func (s *TCPSocket) writeLoop() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
		}

		s.mu.Lock()
		frame := s.pending
		s.mu.Unlock()
		if frame == nil {
			continue
		}

		_, err := s.conn.Write(frame)

		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()

		if err != nil {
			if !s.closed.Load() {
				s.handler.TransportError(err)
			}
			return
		}
	}
}

func (s *TCPSocket) readLoop() {
	var parser StreamParser
	buf := make([]byte, 16384)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, perr := parser.Parse(buf[:n])
			for _, frame := range frames {
				if proto.Opcode(frame) == proto.OpcodeDataV2 {
					s.handler.ReceiveFrame(frame)
					continue
				}
				select {
				case s.control <- frame:
				default:
					// control plane is not draining; drop
				}
			}
			if perr != nil {
				if !s.closed.Load() {
					s.handler.TransportError(perr)
				}
				return
			}
		}
		if err != nil {
			if !s.closed.Load() {
				s.handler.TransportError(err)
			}
			return
		}
	}
}
