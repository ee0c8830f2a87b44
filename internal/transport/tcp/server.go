package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/pkg/protocol"
)

// Options configures accepted connections.
type Options struct {
	Codec       *protocol.Codec
	IdleTimeout time.Duration
	Session     chat.SessionOptions
}

// Server accepts TCP connections and hands each one to the Directory as a
// new session.
type Server struct {
	address  string
	listener net.Listener
	dir      *chat.Directory
	opts     Options
	quit     chan struct{}
	stopOnce sync.Once

	acceptWG  sync.WaitGroup
	sessionWG sync.WaitGroup
}

// New creates a TCP server that uses the provided Directory.
func New(address string, dir *chat.Directory, opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(0)
	}
	return &Server{
		address: address,
		dir:     dir,
		opts:    opts,
		quit:    make(chan struct{}),
	}
}

// Start binds the listener and starts accepting in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.listener = listener

	log.Info().Str("module", "transport.tcp").Str("addr", listener.Addr().String()).Msg("TCP server started")

	s.acceptWG.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Str("module", "transport.tcp").Err(err).Msg("failed to accept TCP connection")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	session, err := s.dir.Accept(NewConn(conn, s.opts.Codec, s.opts.IdleTimeout), s.opts.Session)
	if err == nil {
		log.Debug().Str("module", "transport.tcp").Str("sid", session.ID()).Str("remote", session.RemoteAddr()).Msg("connection accepted")
	}

	s.sessionWG.Add(1)
	go func() {
		defer s.sessionWG.Done()
		session.Run(context.Background())
	}()
}

// Stop closes the listener and waits for the accept loop. Sessions already
// running are not touched; see Wait.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				log.Debug().Str("module", "transport.tcp").Err(err).Msg("close listener")
			}
		}
	})
	s.acceptWG.Wait()
}

// Wait blocks until every session started by this server has finished.
func (s *Server) Wait() {
	s.sessionWG.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
