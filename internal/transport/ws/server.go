package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/pkg/protocol"
)

// Options configures upgraded connections.
type Options struct {
	Codec       *protocol.Codec
	IdleTimeout time.Duration
	Session     chat.SessionOptions
}

// Handler upgrades HTTP requests to WebSocket and hands each connection to
// the Directory as a new session. It is mounted on the HTTP admin router.
type Handler struct {
	dir  *chat.Directory
	opts Options

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewHandler creates a WebSocket handler that uses the provided Directory.
func NewHandler(dir *chat.Directory, opts Options) *Handler {
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(0)
	}
	return &Handler{dir: dir, opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.wg.Done()
		log.Warn().Str("module", "transport.ws").Str("remote", r.RemoteAddr).Err(err).Msg("failed to upgrade connection")
		return
	}

	session, err := h.dir.Accept(NewConn(conn, h.opts.Codec, h.opts.IdleTimeout), h.opts.Session)
	if err == nil {
		log.Debug().Str("module", "transport.ws").Str("sid", session.ID()).Str("remote", session.RemoteAddr()).Msg("connection accepted")
	}

	go func() {
		defer h.wg.Done()
		session.Run(context.Background())
	}()
}

// Close stops accepting new upgrades. Running sessions are not touched.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// Wait blocks until every session started by this handler has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}
