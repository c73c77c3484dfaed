package router

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ockam-project/secure-channel/wire"
)

// TCPConnWriteTimeout bounds how long a single frame write may block before
// the connection is treated as broken.
const TCPConnWriteTimeout = 5 * time.Second

// TCPConn adapts a single net.Conn into the channel's wire format: it
// reads and writes length-prefixed wire.Frame values and hands decoded
// frames to the caller, leaving AEAD opening and envelope dispatch to the
// channel layer.
type TCPConn struct {
	conn         net.Conn
	maxFrameSize int
	logger       *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// NewTCPConn wraps conn for framed reads/writes, bounding inbound frames to
// maxFrameSize (use wire.DefaultMaxFrameSize when the caller has no
// tighter policy).
func NewTCPConn(conn net.Conn, maxFrameSize int) *TCPConn {
	if maxFrameSize <= 0 {
		maxFrameSize = wire.DefaultMaxFrameSize
	}
	return &TCPConn{
		conn:         conn,
		maxFrameSize: maxFrameSize,
		logger:       logrus.WithFields(logrus.Fields{"package": "router", "component": "tcp_conn"}),
	}
}

// WriteFrame writes one frame to the underlying connection, applying
// TCPConnWriteTimeout as a write deadline.
func (c *TCPConn) WriteFrame(f wire.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(TCPConnWriteTimeout)); err != nil {
		return fmt.Errorf("router: set write deadline: %w", err)
	}
	return wire.WriteFrame(c.conn, f)
}

// ReadFrame reads one frame from the underlying connection.
func (c *TCPConn) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(c.conn, c.maxFrameSize)
}

// Close closes the underlying connection. Safe to call more than once.
func (c *TCPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Serve runs a read loop until ctx is cancelled or the connection closes,
// decoding each length-prefixed frame and handing the decoded wire.Frame
// to onFrame. The caller is responsible for AEAD-opening the frame's
// ciphertext — TCPConn only handles stream framing.
func (c *TCPConn) Serve(ctx context.Context, onFrame func(wire.Frame)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := c.ReadFrame()
		if err != nil {
			return fmt.Errorf("router: read frame: %w", err)
		}
		onFrame(f)
	}
}
