// Package tcp provides TCP transport implementation for the chat server.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/omochice/roomchat/pkg/protocol"
)

// ErrIdleTimeout is returned by Read when no frame arrived within the idle timeout.
var ErrIdleTimeout = errors.New("idle timeout")

// Conn adapts net.Conn to chat.Conn interface. Each Read and Write moves
// exactly one length-prefixed frame.
type Conn struct {
	conn        net.Conn
	reader      *bufio.Reader
	codec       *protocol.Codec
	idleTimeout time.Duration
}

// NewConn wraps a net.Conn. A nil codec uses the default frame limit and a
// zero idleTimeout disables the read deadline.
func NewConn(conn net.Conn, codec *protocol.Codec, idleTimeout time.Duration) *Conn {
	if codec == nil {
		codec = protocol.NewCodec(0)
	}
	return &Conn{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		codec:       codec,
		idleTimeout: idleTimeout,
	}
}

// Read implements chat.Conn.
// Reads one frame and returns its payload. Canceling ctx unblocks the read.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deadline time.Time
	if c.idleTimeout > 0 {
		deadline = time.Now().Add(c.idleTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	payload, err := c.codec.ReadFrame(c.reader)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrIdleTimeout, err)
		}
		return nil, err
	}
	return payload, nil
}

// Write implements chat.Conn.
// The frame is written with a single call, bounded by the ctx deadline.
func (c *Conn) Write(ctx context.Context, payload []byte) error {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.codec.WriteFrame(c.conn, payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
