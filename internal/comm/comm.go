// Package comm is the exchange with the macro daemon: fixed-size
// ActionMessage records over a Unix stream socket at a well-known path.
// Authentication is filesystem-level; the socket directory's owner and mode
// decide who may connect.
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"hawck-inputd/internal/keyboard"
)

// MessageSize is the wire size of one ActionMessage: a done byte, seven
// bytes of padding, then the 24-byte input_event record.
const MessageSize = 8 + keyboard.EventSize

var (
	// ErrPeerGone means the macro daemon hung up or the socket broke.
	ErrPeerGone = errors.New("macro daemon gone")

	// ErrTimeout means the macro daemon did not answer within the deadline.
	ErrTimeout = errors.New("macro daemon timeout")
)

// Message is the inter-daemon framing unit. Done terminates a reply
// sequence; its Event field is ignored on the wire when Done is set.
type Message struct {
	Done  bool
	Event keyboard.Event
}

// Put encodes the message into buf, which must hold MessageSize bytes.
func (m Message) Put(buf []byte) {
	for i := 0; i < 8; i++ {
		buf[i] = 0
	}
	if m.Done {
		buf[0] = 1
	}
	m.Event.Put(buf[8:])
}

// Decode decodes one wire record.
func Decode(buf []byte) Message {
	return Message{
		Done:  buf[0] != 0,
		Event: keyboard.DecodeEvent(buf[8:]),
	}
}

// Channel is the daemon's connection to its peer. Not safe for concurrent
// use; the event loop is the only caller.
type Channel struct {
	path string
	conn net.Conn

	// Reconnect policy.
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Dial connects to the macro daemon's socket.
func Dial(path string) (*Channel, error) {
	c := &Channel{
		path:           path,
		maxAttempts:    20,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	c.conn = conn
	return c, nil
}

// Send writes one message. Any write failure maps to ErrPeerGone; the
// caller's recovery path owns the reconnect.
func (c *Channel) Send(m Message) error {
	var buf [MessageSize]byte
	m.Put(buf[:])
	if _, err := c.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("send: %w (%w)", ErrPeerGone, err)
	}
	return nil
}

// Recv reads one message with a deadline.
func (c *Channel) Recv(m *Message, timeout time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("recv: %w (%w)", ErrPeerGone, err)
	}
	var buf [MessageSize]byte
	if _, err := io.ReadFull(c.conn, buf[:]); err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("recv: %w", ErrTimeout)
		}
		return fmt.Errorf("recv: %w (%w)", ErrPeerGone, err)
	}
	*m = Decode(buf[:])
	return nil
}

// Reconnect closes the current descriptor and redials with exponential
// backoff. It blocks the caller; the event loop unlocks every keyboard
// before calling it. Exhausting the attempts surfaces ErrPeerGone, which
// the daemon treats as fatal.
func (c *Channel) Reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		conn, err := net.Dial("unix", c.path)
		if err == nil {
			c.conn = conn
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff *= 2; backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
	return fmt.Errorf("reconnect %s: %w (%w)", c.path, ErrPeerGone, lastErr)
}

// Close shuts the channel down.
func (c *Channel) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
