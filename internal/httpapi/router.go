// Package httpapi exposes the read-only admin surface and the WebSocket
// upgrade route over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/internal/chat"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type StatsResponse struct {
	chat.Stats
	Uptime string `json:"uptime"`
}

type RoomResponse struct {
	chat.RoomStats
	Users []string `json:"users"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the admin router. ws may be nil to disable the
// WebSocket route.
func NewRouter(dir *chat.Directory, ws http.Handler) *mux.Router {
	h := &handler{dir: dir}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/rooms", h.rooms).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{name}", h.room).Methods(http.MethodGet)
	if ws != nil {
		r.Handle("/ws", ws).Methods(http.MethodGet)
	}
	return r
}

type handler struct {
	dir *chat.Directory
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "UP", Timestamp: time.Now()})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.dir.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:  stats,
		Uptime: time.Since(stats.StartedAt).Truncate(time.Second).String(),
	})
}

func (h *handler) rooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dir.Rooms())
}

func (h *handler) room(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	room, ok := h.dir.Room(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "room " + name + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, RoomResponse{RoomStats: room.Stats(), Users: room.UserList()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Str("module", "httpapi").Err(err).Msg("failed to encode response")
	}
}
