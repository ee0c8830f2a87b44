// Package server wires the Directory to its listeners and owns process-level
// startup and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/config"
	"github.com/omochice/roomchat/internal/httpapi"
	"github.com/omochice/roomchat/internal/transport/tcp"
	"github.com/omochice/roomchat/internal/transport/ws"
	"github.com/omochice/roomchat/pkg/protocol"
)

// ShutdownMessage is announced to every session when the server stops.
const ShutdownMessage = "server shutting down"

// Server represents a chat server: one Directory shared by a framed TCP
// listener and an HTTP listener carrying the admin API and WebSocket route.
type Server struct {
	cfg *config.Config
	dir *chat.Directory

	tcp *tcp.Server
	ws  *ws.Handler

	httpServer   *http.Server
	httpListener net.Listener
	httpDone     chan struct{}
}

// New creates a server from cfg without binding any socket.
func New(cfg *config.Config) *Server {
	dir := chat.NewDirectory(chat.Options{
		DefaultRoom:         cfg.DefaultRoom,
		DefaultRoomCapacity: cfg.DefaultRoomCapacity,
		RoomCapacity:        cfg.RoomCapacity,
		KeepDefaultRoom:     cfg.KeepDefaultRoom,
		EchoChat:            cfg.EchoChat,
		PrivateRooms:        cfg.PrivateRooms,
		MaxClients:          cfg.MaxClients,
	})

	codec := protocol.NewCodec(cfg.MaxFrameSize)
	sessionOpts := chat.SessionOptions{
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
	}

	s := &Server{
		cfg: cfg,
		dir: dir,
		tcp: tcp.New(cfg.TCPAddr, dir, tcp.Options{
			Codec:       codec,
			IdleTimeout: cfg.IdleTimeout,
			Session:     sessionOpts,
		}),
	}
	if cfg.HTTPAddr != "" {
		s.ws = ws.NewHandler(dir, ws.Options{
			Codec:       codec,
			IdleTimeout: cfg.IdleTimeout,
			Session:     sessionOpts,
		})
		s.httpServer = &http.Server{
			Handler:           httpapi.NewRouter(dir, s.ws),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

// Directory returns the shared session and room registry.
func (s *Server) Directory() *chat.Directory { return s.dir }

// Start binds every listener and serves in the background.
func (s *Server) Start() error {
	if err := s.tcp.Start(); err != nil {
		return err
	}
	if s.httpServer == nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		s.tcp.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.httpListener = listener
	s.httpDone = make(chan struct{})

	log.Info().Str("module", "server").Str("addr", listener.Addr().String()).Msg("HTTP server started")

	go func() {
		defer close(s.httpDone)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("module", "server").Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// TCPAddr returns the bound TCP address.
func (s *Server) TCPAddr() string { return s.tcp.Addr() }

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled.
func (s *Server) HTTPAddr() string {
	if s.httpListener != nil {
		return s.httpListener.Addr().String()
	}
	return ""
}

// Shutdown stops accepting, announces the shutdown to every session and
// closes them. Sessions that have not finished within the configured grace
// period are force-closed. ctx bounds the whole sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("module", "server").Int("sessions", s.dir.SessionCount()).Msg("shutting down")

	s.tcp.Stop()
	if s.httpServer != nil {
		s.ws.Close()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warn().Str("module", "server").Err(err).Msg("HTTP shutdown")
		}
		if s.httpDone != nil {
			<-s.httpDone
		}
	}

	s.dir.CloseAll(ShutdownMessage)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.tcp.Wait()
		if s.ws != nil {
			s.ws.Wait()
		}
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-drained:
		log.Info().Str("module", "server").Msg("all sessions closed")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	log.Warn().Str("module", "server").Int("sessions", s.dir.SessionCount()).Msg("grace period over, force-closing sessions")
	s.dir.AbortAll()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown incomplete: %w", ctx.Err())
	}
}
