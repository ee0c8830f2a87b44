package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/pkg/protocol"
)

var (
	// ErrSessionClosed is returned by Send once the session is closing.
	ErrSessionClosed = errors.New("session closed")
	// ErrBackpressure is returned by Send when the outbound queue is full.
	ErrBackpressure = errors.New("send queue full")
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dispatcher receives decoded messages from a session's read pipeline.
// The Directory is the production implementation.
type Dispatcher interface {
	Dispatch(s *Session, msg protocol.Message)
	Disconnect(s *Session)
}

// SessionOptions tunes the outbound path of a session.
type SessionOptions struct {
	SendQueueSize int
	WriteTimeout  time.Duration
}

// DefaultSessionOptions returns the options used when none are configured.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		SendQueueSize: 256,
		WriteTimeout:  5 * time.Second,
	}
}

// SessionStats is a point-in-time view of a session.
type SessionStats struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Room             string    `json:"room"`
	State            string    `json:"state"`
	RemoteAddr       string    `json:"remote_addr"`
	ConnectedAt      time.Time `json:"connected_at"`
	LastSeen         time.Time `json:"last_seen"`
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
}

// Session owns one live connection. Its read pipeline (Run) is sequential;
// its write path keeps at most one transport write in flight.
type Session struct {
	id          string
	conn        Conn
	dispatcher  Dispatcher
	opts        SessionOptions
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	lastSeen atomic.Int64
	sent     atomic.Uint64
	received atomic.Uint64

	mu       sync.Mutex
	state    State
	username string
	room     string
	queue    [][]byte
	writing  bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession creates a session in the Connecting state. dispatcher is a
// non-owning back-reference used only to hand off decoded messages.
func NewSession(conn Conn, dispatcher Dispatcher, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = def.SendQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		dispatcher:  dispatcher,
		opts:        opts,
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.touch()
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// Username returns the username, empty until the join handshake completes.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Room returns the name of the room the session is in, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the transport has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of the session.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	username, room, state := s.username, s.room, s.state
	s.mu.Unlock()
	return SessionStats{
		ID:               s.id,
		Username:         username,
		Room:             room,
		State:            state.String(),
		RemoteAddr:       s.conn.RemoteAddr(),
		ConnectedAt:      s.connectedAt,
		LastSeen:         time.Unix(0, s.lastSeen.Load()),
		MessagesSent:     s.sent.Load(),
		MessagesReceived: s.received.Load(),
	}
}

// activate completes the join handshake. It fails unless the session is
// still Connecting.
func (s *Session) activate(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("%w: session is %s", ErrSessionClosed, s.state)
	}
	s.state = StateActive
	s.username = username
	return nil
}

// setRoom records the current room and returns the previous one.
func (s *Session) setRoom(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.room
	s.room = name
	return prev
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// Run is the read pipeline: read frame, decode, dispatch, repeat. It returns
// after the session has been removed from the dispatcher and its transport
// released. Canceling ctx closes the session.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()
	defer s.finish()

	logger := log.With().Str("module", "chat.session").Str("sid", s.id).Str("remote", s.RemoteAddr()).Logger()
	logger.Debug().Msg("session started")

	for {
		if s.State() >= StateClosing {
			return
		}

		data, err := s.conn.Read(s.ctx)
		if err != nil {
			switch {
			case s.State() >= StateClosing:
				logger.Debug().Err(err).Msg("read stopped")
			case errors.Is(err, io.EOF):
				logger.Info().Str("user", s.Username()).Msg("peer disconnected")
			case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrMalformed):
				logger.Warn().Err(err).Msg("protocol error, closing session")
			default:
				logger.Warn().Err(err).Msg("read error, closing session")
			}
			return
		}

		var msg protocol.Message
		if err := msg.Decode(data); err != nil {
			logger.Warn().Err(err).Msg("protocol error, closing session")
			return
		}

		s.received.Add(1)
		s.touch()
		s.dispatcher.Dispatch(s, msg)
	}
}

// finish moves the session to Closing, detaches it from the dispatcher and
// waits for the write path to release the transport.
func (s *Session) finish() {
	s.Close()
	s.dispatcher.Disconnect(s)

	s.mu.Lock()
	idle := !s.writing
	s.mu.Unlock()
	if idle {
		s.closeTransport()
	}
	<-s.done

	log.Debug().Str("module", "chat.session").Str("sid", s.id).
		Uint64("sent", s.sent.Load()).Uint64("received", s.received.Load()).
		Msg("session closed")
}

// Send encodes msg and appends it to the outbound queue. It never blocks on
// the transport: if no write is in flight it starts one, otherwise the
// in-flight writer picks the frame up when it completes.
func (s *Session) Send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if len(s.queue) >= s.opts.SendQueueSize {
		s.mu.Unlock()
		return ErrBackpressure
	}
	s.queue = append(s.queue, data)
	if s.writing {
		s.mu.Unlock()
		return nil
	}
	s.writing = true
	s.mu.Unlock()

	go s.flush()
	return nil
}

// flush drains the queue one write at a time. Only one flush runs per
// session, guarded by the writing flag.
func (s *Session) flush() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.writing = false
			closing := s.state >= StateClosing
			s.mu.Unlock()
			if closing {
				s.closeTransport()
			}
			return
		}
		data := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.write(data); err != nil {
			log.Warn().Str("module", "chat.session").Str("sid", s.id).Err(err).Msg("write failed, closing session")
			s.mu.Lock()
			s.queue = nil
			s.writing = false
			s.mu.Unlock()
			s.Close()
			s.closeTransport()
			return
		}
		s.sent.Add(1)
	}
}

func (s *Session) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, data)
}

// Close moves the session to Closing and stops its read pipeline. Frames
// already queued are still written, best effort, before the transport is
// released. Close is idempotent and never blocks.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.mu.Unlock()
	s.cancel()
}

// Abort closes the session and releases the transport immediately,
// abandoning queued frames.
func (s *Session) Abort() {
	s.Close()
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.closeTransport()
}

func (s *Session) closeTransport() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		if err := s.conn.Close(); err != nil {
			log.Debug().Str("module", "chat.session").Str("sid", s.id).Err(err).Msg("close transport")
		}
		close(s.done)
	})
}
