// Package client implements a chat client over TCP or WebSocket.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/transport/tcp"
	wstransport "github.com/omochice/roomchat/internal/transport/ws"
	"github.com/omochice/roomchat/pkg/protocol"
)

var (
	// ErrNotConnected is returned when sending on a closed client.
	ErrNotConnected = errors.New("not connected to server")
	// ErrJoinRejected is returned by Connect when the server refused the username.
	ErrJoinRejected = errors.New("join rejected")
)

// Options tunes a client. The zero value of each field selects its default.
type Options struct {
	// HeartbeatInterval between Heartbeat messages; negative disables them.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	MaxFrameSize      uint32
	// OnMessage is called for every received message, one at a time, from
	// the receive goroutine. When nil, messages go to Messages().
	OnMessage func(protocol.Message)
}

// DefaultOptions returns the options used by Connect.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
	}
}

// Stats holds the client's message counters.
type Stats struct {
	Sent     uint64
	Received uint64
}

// Client represents a connected chat client
type Client struct {
	username string
	opts     Options
	conn     chat.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	wmu sync.Mutex

	mu        sync.RWMutex
	room      string
	connected bool

	messages chan protocol.Message
	joined   chan struct{}
	stopped  chan struct{}
	lastNote atomic.Value

	sent     atomic.Uint64
	received atomic.Uint64

	// inCallback is set while OnMessage runs on the receive goroutine.
	inCallback atomic.Bool
	closeOnce  sync.Once
}

// Connect dials address and joins as username with the default options.
// address is host:port for TCP or a ws:// URL for WebSocket.
func Connect(ctx context.Context, address, username string) (*Client, error) {
	return ConnectWithOptions(ctx, address, username, DefaultOptions())
}

// ConnectWithOptions is Connect with explicit options. It returns once the
// server acknowledged the join, or with ErrJoinRejected when it refused.
func ConnectWithOptions(ctx context.Context, address, username string, opts Options) (*Client, error) {
	def := DefaultOptions()
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = def.MaxFrameSize
	}

	conn, err := dial(ctx, address, protocol.NewCodec(opts.MaxFrameSize))
	if err != nil {
		return nil, err
	}

	c := &Client{
		username:  username,
		opts:      opts,
		conn:      conn,
		connected: true,
		messages:  make(chan protocol.Message, 64),
		joined:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.receiveMessages()

	if err := c.send(protocol.NewMessage(protocol.MessageTypeUserJoin, username, "", "")); err != nil {
		c.shutdown()
		return nil, err
	}

	select {
	case <-c.joined:
	case <-c.stopped:
		c.shutdown()
		note, _ := c.lastNote.Load().(string)
		if note == "" {
			note = "connection closed during join"
		}
		return nil, fmt.Errorf("%w: %s", ErrJoinRejected, note)
	case <-ctx.Done():
		c.shutdown()
		return nil, fmt.Errorf("failed to join: %w", ctx.Err())
	}

	if opts.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}

	log.Info().Str("module", "client").Str("user", username).Str("addr", address).Str("room", c.Room()).Msg("joined")
	return c, nil
}

func dial(ctx context.Context, address string, codec *protocol.Codec) (chat.Conn, error) {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		conn, br, _, err := ws.Dial(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to server: %w", err)
		}
		if br != nil {
			conn = &bufferedConn{Conn: conn, r: br}
		}
		return wstransport.NewClientConn(conn, codec), nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return tcp.NewConn(conn, codec, 0), nil
}

// bufferedConn drains bytes the handshake reader already buffered.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.r.Buffered() > 0 {
		return b.r.Read(p)
	}
	return b.Conn.Read(p)
}

// Username returns the name the client joined with.
func (c *Client) Username() string { return c.username }

// Room returns the room the server last confirmed, or "".
func (c *Client) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Messages returns the channel for receiving messages when no OnMessage
// callback is set. It is closed when the connection ends.
func (c *Client) Messages() <-chan protocol.Message {
	return c.messages
}

// Done is closed when the receive loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.stopped
}

// Stats returns the sent and received counters.
func (c *Client) Stats() Stats {
	return Stats{Sent: c.sent.Load(), Received: c.received.Load()}
}

// SendChat broadcasts content to room, or to the current room when room is
// empty. It fails when there is no room to send to.
func (c *Client) SendChat(content, room string) error {
	if room == "" {
		room = c.Room()
	}
	return c.send(protocol.NewMessage(protocol.MessageTypeChat, c.username, content, room))
}

// SendPrivate sends content to a single user.
func (c *Client) SendPrivate(recipient, content string) error {
	if recipient == "" {
		return fmt.Errorf("%w: empty recipient", protocol.ErrInvalidMessage)
	}
	return c.send(protocol.NewPrivateMessage(c.username, recipient, content))
}

// JoinRoom asks the server to move the client to room.
func (c *Client) JoinRoom(room string) error {
	if room == "" {
		return fmt.Errorf("%w: empty room", protocol.ErrInvalidMessage)
	}
	return c.send(protocol.NewMessage(protocol.MessageTypeRoomJoin, c.username, "", room))
}

// LeaveRoom asks the server to remove the client from its current room.
func (c *Client) LeaveRoom() error {
	return c.send(protocol.NewMessage(protocol.MessageTypeRoomLeave, c.username, "", c.Room()))
}

// Heartbeat sends a single keep-alive message.
func (c *Client) Heartbeat() error {
	return c.send(protocol.NewMessage(protocol.MessageTypeHeartbeat, c.username, "", ""))
}

// Disconnect sends UserLeave, best effort, and closes the connection. It
// waits for the receive goroutine unless it is called from OnMessage, which
// runs on that goroutine.
func (c *Client) Disconnect() {
	if c.IsConnected() {
		if err := c.send(protocol.NewMessage(protocol.MessageTypeUserLeave, c.username, "", "")); err != nil {
			log.Debug().Str("module", "client").Err(err).Msg("leave not sent")
		}
	}
	c.shutdown()
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.cancel()
		if err := c.conn.Close(); err != nil {
			log.Debug().Str("module", "client").Err(err).Msg("close connection")
		}
	})
	if c.inCallback.Load() {
		return
	}
	c.wg.Wait()
}

// send writes one message; writes are serialized.
func (c *Client) send(msg protocol.Message) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.Write(ctx, payload); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// receiveMessages continuously receives messages from the server
func (c *Client) receiveMessages() {
	defer c.wg.Done()
	defer close(c.stopped)
	defer close(c.messages)
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	joined := false
	for {
		payload, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Warn().Str("module", "client").Err(err).Msg("error reading from server")
			}
			return
		}

		var msg protocol.Message
		if err := msg.Decode(payload); err != nil {
			log.Warn().Str("module", "client").Err(err).Msg("failed to decode message")
			return
		}
		c.received.Add(1)

		if !joined && msg.Type == protocol.MessageTypeUserJoin && msg.Sender == c.username {
			joined = true
			c.setRoom(msg.Room)
			close(c.joined)
		} else {
			c.track(msg)
		}

		if !c.deliver(msg) {
			return
		}
	}
}

// track follows the server's acknowledgements of room changes.
func (c *Client) track(msg protocol.Message) {
	switch {
	case msg.Type == protocol.MessageTypeServerAnnouncement:
		c.lastNote.Store(msg.Content)
	case msg.Sender != c.username:
	case msg.Type == protocol.MessageTypeRoomJoin:
		c.setRoom(msg.Room)
	case msg.Type == protocol.MessageTypeRoomLeave:
		c.setRoom("")
	}
}

func (c *Client) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

func (c *Client) deliver(msg protocol.Message) bool {
	if c.opts.OnMessage != nil {
		c.inCallback.Store(true)
		defer c.inCallback.Store(false)
		c.opts.OnMessage(msg)
		return true
	}
	select {
	case c.messages <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopped:
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				log.Debug().Str("module", "client").Err(err).Msg("heartbeat failed")
			}
		}
	}
}
