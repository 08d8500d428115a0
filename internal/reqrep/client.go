package reqrep

import (
	"fmt"
	"net"
	"time"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// Client is the requesting end of a request-reply exchange. It is not safe
// for concurrent use.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to a Socket. A zero timeout waits for replies forever.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Request sends msg and waits for the reply.
func (c *Client) Request(msg []byte) ([]byte, error) {
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}
	if err := writeMessage(c.conn, msg); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	reply, err := readMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	return reply, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
