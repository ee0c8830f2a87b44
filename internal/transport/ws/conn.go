// Package ws provides WebSocket transport implementation for the chat server.
// Every binary WebSocket message carries exactly one protocol frame, header
// included, so both transports share the same codec.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/roomchat/pkg/protocol"
)

// ErrIdleTimeout is returned by Read when no message arrived within the idle timeout.
var ErrIdleTimeout = errors.New("idle timeout")

// Conn adapts an upgraded net.Conn to chat.Conn interface using gobwas/ws.
type Conn struct {
	conn        net.Conn
	state       ws.State
	codec       *protocol.Codec
	idleTimeout time.Duration

	// wmu serializes frame writes; control replies from the reader share the
	// connection with data writes.
	wmu sync.Mutex
}

// NewConn wraps a server-side connection returned by ws.UpgradeHTTP.
func NewConn(conn net.Conn, codec *protocol.Codec, idleTimeout time.Duration) *Conn {
	return newConn(conn, ws.StateServerSide, codec, idleTimeout)
}

// NewClientConn wraps a client-side connection returned by ws.Dial.
func NewClientConn(conn net.Conn, codec *protocol.Codec) *Conn {
	return newConn(conn, ws.StateClientSide, codec, 0)
}

func newConn(conn net.Conn, state ws.State, codec *protocol.Codec, idleTimeout time.Duration) *Conn {
	if codec == nil {
		codec = protocol.NewCodec(0)
	}
	return &Conn{
		conn:        conn,
		state:       state,
		codec:       codec,
		idleTimeout: idleTimeout,
	}
}

// Read implements chat.Conn.
// Reads the next binary message and unwraps the frame it carries.
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

	data, err := c.readBinary()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var closed wsutil.ClosedError
		switch {
		case errors.As(err, &closed):
			return nil, io.EOF
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil, fmt.Errorf("%w: %v", ErrIdleTimeout, err)
		}
		return nil, err
	}
	return c.codec.Unframe(data)
}

// readBinary reads one binary message, answering control frames on the way.
func (c *Conn) readBinary() ([]byte, error) {
	handle := wsutil.ControlFrameHandler(c.conn, c.state)
	control := func(h ws.Header, r io.Reader) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return handle(h, r)
	}

	rd := wsutil.Reader{
		Source:         c.conn,
		State:          c.state,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	limit := int64(protocol.HeaderSize) + int64(c.codec.MaxFrameSize())

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(&rd, limit+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > limit {
			return nil, fmt.Errorf("%w: websocket message exceeds %d bytes", protocol.ErrFrameTooLarge, limit)
		}
		return data, nil
	}
}

// Write implements chat.Conn.
// Writes the framed payload as one binary message.
func (c *Conn) Write(ctx context.Context, payload []byte) error {
	frame, err := c.codec.Frame(payload)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := wsutil.WriteMessage(c.conn, c.state, ws.OpBinary, frame); err != nil {
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	return nil
}

// Close implements chat.Conn.
// Sends a close frame, best effort, before closing the connection. The close
// frame is skipped when a write is still in flight.
func (c *Conn) Close() error {
	if c.wmu.TryLock() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, body)
		c.wmu.Unlock()
	}
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
