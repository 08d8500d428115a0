// Package framing implements the length-prefixed message channel used by
// the image path.
//
// A message is a 4-byte big-endian unsigned length followed by at least
// that many payload bytes. Bytes after the declared payload are ignored.
// Each received message is answered with AckToken when it decodes and is
// accepted by the handler, and with ErrorToken otherwise.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

var (
	// AckToken is the reply to a message that was decoded and accepted.
	AckToken = []byte("OK")
	// ErrorToken is the reply to a message that failed to decode.
	ErrorToken = []byte("ERROR")
)

var (
	ErrShortHeader = errors.New("framing: message shorter than length prefix")
	ErrTruncated   = errors.New("framing: payload shorter than declared length")
)

// Encode prefixes payload with its length.
func Encode(payload []byte) []byte {
	msg := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(msg, uint32(len(payload)))
	copy(msg[HeaderSize:], payload)
	return msg
}

// Decode returns the payload of msg. The returned slice aliases msg.
func Decode(msg []byte) ([]byte, error) {
	if len(msg) < HeaderSize {
		return nil, ErrShortHeader
	}
	size := binary.BigEndian.Uint32(msg[:HeaderSize])
	if uint64(len(msg)-HeaderSize) < uint64(size) {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrTruncated, size, len(msg)-HeaderSize)
	}
	return msg[HeaderSize : HeaderSize+int(size)], nil
}

// Transport is a request-reply endpoint. Recv blocks for the next request
// and fails only when the endpoint is closed; Send answers it.
type Transport interface {
	Recv() ([]byte, error)
	Send(reply []byte) error
}

// Handler consumes a decoded payload. A non-nil error rejects the message.
type Handler func(payload []byte) error

// State is the position of a Channel in its receive cycle.
type State int32

const (
	StateIdle State = iota
	StateReceiving
	StateDecoding
	StateReplying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateDecoding:
		return "decoding"
	case StateReplying:
		return "replying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DecodeError reports a message that was answered with ErrorToken.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decoding message: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// Channel runs the receive, decode, reply cycle over a Transport.
type Channel struct {
	transport Transport
	handle    Handler
	logger    zerolog.Logger
	state     atomic.Int32
}

// NewChannel creates a channel delivering payloads to handle.
func NewChannel(t Transport, handle Handler, logger zerolog.Logger) *Channel {
	return &Channel{transport: t, handle: handle, logger: logger}
}

// State returns the current state.
func (c *Channel) State() State { return State(c.state.Load()) }

// ServeOne handles a single message. It returns nil when the message was
// acknowledged, a *DecodeError when it was answered with ErrorToken, and
// any other error when the transport is closed.
func (c *Channel) ServeOne() error {
	c.state.Store(int32(StateReceiving))
	msg, err := c.transport.Recv()
	if err != nil {
		c.state.Store(int32(StateClosed))
		return fmt.Errorf("receiving: %w", err)
	}

	c.state.Store(int32(StateDecoding))
	payload, err := Decode(msg)
	if err == nil {
		err = c.handle(payload)
	}

	c.state.Store(int32(StateReplying))
	reply := AckToken
	if err != nil {
		reply = ErrorToken
	}
	if sendErr := c.transport.Send(reply); sendErr != nil {
		c.logger.Warn().Err(sendErr).Msg("reply not delivered")
	}
	c.state.Store(int32(StateIdle))

	if err != nil {
		c.logger.Debug().Err(err).Int("size", len(msg)).Msg("rejected message")
		return &DecodeError{Err: err}
	}
	return nil
}

// Serve handles messages until the transport is closed. Rejected messages
// never stop the loop.
func (c *Channel) Serve() error {
	for {
		err := c.ServeOne()
		var decodeErr *DecodeError
		if err == nil || errors.As(err, &decodeErr) {
			continue
		}
		return err
	}
}
