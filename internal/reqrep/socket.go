// Package reqrep implements a strict request-reply exchange over TCP.
//
// A Socket is the replying side. It serves one peer at a time: Recv blocks
// until that peer sends a message, and Send answers it. Recv and Send must
// alternate. When the peer disconnects the socket waits for the next one.
// There are no read timeouts; a silent peer blocks Recv until Close.
//
// Every message on the wire is a 4-byte big-endian length followed by that
// many bytes.
package reqrep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// MaxMessageSize is the largest message either side accepts.
const MaxMessageSize = 32 << 20

var (
	// ErrClosed is returned once the socket has been closed.
	ErrClosed = errors.New("reqrep: socket closed")
	// ErrState is returned when Recv and Send are called out of order.
	ErrState = errors.New("reqrep: operation out of request-reply order")
	// ErrPeerGone is returned by Send when the peer dropped before the reply.
	ErrPeerGone = errors.New("reqrep: peer disconnected")
	// ErrTooLarge is returned when a length prefix exceeds MaxMessageSize.
	ErrTooLarge = errors.New("reqrep: message too large")
)

// Socket is the replying end of a request-reply exchange.
type Socket struct {
	ln     net.Listener
	logger zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	pending bool
	closed  bool
}

// Listen binds addr. Bind failures are returned immediately.
func Listen(addr string, logger zerolog.Logger) (*Socket, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Socket{ln: ln, logger: logger}, nil
}

// Addr returns the bound address.
func (s *Socket) Addr() net.Addr { return s.ln.Addr() }

// Recv blocks until the current peer sends a request and returns it.
// A peer that disconnects or sends an invalid frame is dropped and Recv
// keeps waiting for the next peer. Recv only fails once the socket is
// closed, or with ErrState if the previous request was not answered.
func (s *Socket) Recv() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.pending {
		s.mu.Unlock()
		return nil, ErrState
	}
	s.mu.Unlock()

	for {
		conn, err := s.peer()
		if err != nil {
			return nil, err
		}

		msg, err := readMessage(conn)
		if err != nil {
			if s.isClosed() {
				return nil, ErrClosed
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info().Str("peer", conn.RemoteAddr().String()).Msg("peer disconnected")
			} else {
				s.logger.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("dropping peer")
			}
			s.dropPeer(conn)
			continue
		}

		s.mu.Lock()
		s.pending = true
		s.mu.Unlock()
		return msg, nil
	}
}

// Send answers the request returned by the last Recv.
func (s *Socket) Send(msg []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.pending {
		s.mu.Unlock()
		return ErrState
	}
	s.pending = false
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrPeerGone
	}
	if err := writeMessage(conn, msg); err != nil {
		s.dropPeer(conn)
		if s.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	return nil
}

// Close releases the listener and the current peer, unblocking Recv.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	err := s.ln.Close()
	if conn != nil {
		conn.Close()
	}
	return err
}

// peer returns the connected peer, accepting one if there is none.
func (s *Socket) peer() (net.Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil, ErrClosed
		}
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info().Str("peer", conn.RemoteAddr().String()).Msg("peer connected")
		return conn, nil
	}
}

func (s *Socket) dropPeer(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.pending = false
	s.mu.Unlock()
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func readMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}

func writeMessage(w io.Writer, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(msg))
	}
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)
	_, err := w.Write(buf)
	return err
}
