package chat

import (
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/pkg/protocol"
)

var (
	// ErrServerFull is returned by Register when MaxClients sessions are active.
	ErrServerFull = errors.New("server is full")
	// ErrUsernameTaken is returned when another session already owns a name.
	ErrUsernameTaken = errors.New("username already taken")
)

// Options configures routing policy and capacities.
type Options struct {
	DefaultRoom         string
	DefaultRoomCapacity int
	RoomCapacity        int
	// KeepDefaultRoom keeps the default room in the table when it empties.
	KeepDefaultRoom bool
	// EchoChat delivers a Chat broadcast back to its sender.
	EchoChat   bool
	MaxClients int
	// PrivateRooms names the rooms that only accept Chat from members.
	PrivateRooms []string
}

// DefaultOptions returns the default policy.
func DefaultOptions() Options {
	return Options{
		DefaultRoom:         "lobby",
		DefaultRoomCapacity: 1000,
		RoomCapacity:        100,
		KeepDefaultRoom:     true,
		EchoChat:            false,
		MaxClients:          1000,
	}
}

// Stats is a point-in-time view of the directory.
type Stats struct {
	Sessions  int       `json:"sessions"`
	Users     int       `json:"users"`
	Rooms     int       `json:"rooms"`
	Messages  uint64    `json:"messages"`
	StartedAt time.Time `json:"started_at"`
}

// Directory is the server-wide owner of sessions, rooms and the username
// index. The three tables are guarded independently; the room table lock is
// never held while broadcasting.
type Directory struct {
	opts      Options
	startedAt time.Time
	messages  atomic.Uint64

	sessionsMu sync.RWMutex
	sessions   map[*Session]struct{}

	roomsMu sync.RWMutex
	rooms   map[string]*Room

	namesMu   sync.Mutex
	usernames map[string]*Session
}

// NewDirectory creates an empty directory. When the default room is kept it
// is created eagerly.
func NewDirectory(opts Options) *Directory {
	def := DefaultOptions()
	if opts.DefaultRoom == "" {
		opts.DefaultRoom = def.DefaultRoom
	}
	if opts.DefaultRoomCapacity <= 0 {
		opts.DefaultRoomCapacity = def.DefaultRoomCapacity
	}
	if opts.RoomCapacity <= 0 {
		opts.RoomCapacity = def.RoomCapacity
	}

	d := &Directory{
		opts:      opts,
		startedAt: time.Now(),
		sessions:  make(map[*Session]struct{}),
		rooms:     make(map[string]*Room),
		usernames: make(map[string]*Session),
	}
	if opts.KeepDefaultRoom {
		d.GetOrCreateRoom(opts.DefaultRoom)
	}
	return d
}

// Options returns the policy the directory was created with.
func (d *Directory) Options() Options { return d.opts }

// Register adds a newly accepted session to the session set.
func (d *Directory) Register(s *Session) error {
	d.sessionsMu.Lock()
	if d.opts.MaxClients > 0 && len(d.sessions) >= d.opts.MaxClients {
		d.sessionsMu.Unlock()
		return ErrServerFull
	}
	d.sessions[s] = struct{}{}
	count := len(d.sessions)
	d.sessionsMu.Unlock()

	log.Info().Str("module", "chat.directory").Str("sid", s.ID()).Str("remote", s.RemoteAddr()).
		Int("sessions", count).Msg("session registered")
	return nil
}

// Accept wraps conn in a session and registers it. A connection over the
// client cap gets an announcement and a session that is already closing;
// the caller still runs it so the announcement is flushed and conn released.
func (d *Directory) Accept(conn Conn, opts SessionOptions) (*Session, error) {
	s := NewSession(conn, d, opts)
	if err := d.Register(s); err != nil {
		log.Warn().Str("module", "chat.directory").Str("remote", conn.RemoteAddr()).Err(err).Msg("connection rejected")
		_ = s.Send(protocol.NewAnnouncement(err.Error(), ""))
		s.Close()
		return s, err
	}
	return s, nil
}

// Disconnect removes s from its room, the username index and the session
// set. It is safe to call more than once.
func (d *Directory) Disconnect(s *Session) {
	d.sessionsMu.Lock()
	_, registered := d.sessions[s]
	delete(d.sessions, s)
	d.sessionsMu.Unlock()

	d.leaveCurrentRoom(s)
	d.releaseUsername(s)

	if registered {
		log.Info().Str("module", "chat.directory").Str("sid", s.ID()).Str("user", s.Username()).Msg("session removed")
	}
}

// GetOrCreateRoom returns the named room, creating it on first use.
func (d *Directory) GetOrCreateRoom(name string) *Room {
	d.roomsMu.RLock()
	r, ok := d.rooms[name]
	d.roomsMu.RUnlock()
	if ok {
		return r
	}

	d.roomsMu.Lock()
	defer d.roomsMu.Unlock()
	if r, ok = d.rooms[name]; ok {
		return r
	}
	capacity := d.opts.RoomCapacity
	if name == d.opts.DefaultRoom {
		capacity = d.opts.DefaultRoomCapacity
	}
	private := slices.Contains(d.opts.PrivateRooms, name)
	r = NewRoom(name, capacity, private)
	d.rooms[name] = r
	log.Info().Str("module", "chat.directory").Str("room", name).Int("capacity", capacity).Bool("private", private).Msg("room created")
	return r
}

// Room looks up a room without creating it.
func (d *Directory) Room(name string) (*Room, bool) {
	d.roomsMu.RLock()
	defer d.roomsMu.RUnlock()
	r, ok := d.rooms[name]
	return r, ok
}

// RemoveRoom evicts the named room if it is empty. The default room is kept
// when KeepDefaultRoom is set.
func (d *Directory) RemoveRoom(name string) bool {
	if d.opts.KeepDefaultRoom && name == d.opts.DefaultRoom {
		return false
	}

	d.roomsMu.Lock()
	defer d.roomsMu.Unlock()
	r, ok := d.rooms[name]
	if !ok || !r.close() {
		return false
	}
	delete(d.rooms, name)
	log.Info().Str("module", "chat.directory").Str("room", name).Msg("room removed")
	return true
}

// Rooms returns the stats of every room, sorted by name.
func (d *Directory) Rooms() []RoomStats {
	d.roomsMu.RLock()
	rooms := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.roomsMu.RUnlock()

	out := make([]RoomStats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds the active session that owns username.
func (d *Directory) Lookup(username string) (*Session, bool) {
	d.namesMu.Lock()
	defer d.namesMu.Unlock()
	s, ok := d.usernames[username]
	return s, ok
}

// Sessions returns a snapshot of the registered sessions.
func (d *Directory) Sessions() []*Session {
	d.sessionsMu.RLock()
	defer d.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(d.sessions))
	for s := range d.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount returns the number of registered sessions.
func (d *Directory) SessionCount() int {
	d.sessionsMu.RLock()
	defer d.sessionsMu.RUnlock()
	return len(d.sessions)
}

// Stats returns directory-wide counters.
func (d *Directory) Stats() Stats {
	d.namesMu.Lock()
	users := len(d.usernames)
	d.namesMu.Unlock()

	d.roomsMu.RLock()
	rooms := len(d.rooms)
	d.roomsMu.RUnlock()

	return Stats{
		Sessions:  d.SessionCount(),
		Users:     users,
		Rooms:     rooms,
		Messages:  d.messages.Load(),
		StartedAt: d.startedAt,
	}
}

// CloseAll announces reason to every session and moves it to Closing.
func (d *Directory) CloseAll(reason string) {
	for _, s := range d.Sessions() {
		if reason != "" {
			_ = s.Send(protocol.NewAnnouncement(reason, ""))
		}
		s.Close()
	}
}

// AbortAll force-closes every remaining session.
func (d *Directory) AbortAll() {
	for _, s := range d.Sessions() {
		log.Warn().Str("module", "chat.directory").Str("sid", s.ID()).Msg("force-closing session")
		s.Abort()
	}
}

// claimUsername atomically checks and inserts username for s and activates
// the session. Two sessions racing for one name cannot both win. It returns
// ErrUsernameTaken for a lost race and ErrSessionClosed when s stopped
// Connecting before the claim.
func (d *Directory) claimUsername(username string, s *Session) error {
	d.namesMu.Lock()
	defer d.namesMu.Unlock()
	if _, taken := d.usernames[username]; taken {
		return ErrUsernameTaken
	}
	if err := s.activate(username); err != nil {
		return err
	}
	d.usernames[username] = s
	return nil
}

func (d *Directory) releaseUsername(s *Session) {
	name := s.Username()
	if name == "" {
		return
	}
	d.namesMu.Lock()
	defer d.namesMu.Unlock()
	if d.usernames[name] == s {
		delete(d.usernames, name)
	}
}

// joinRoom adds s to the named room, retrying when it races with eviction.
func (d *Directory) joinRoom(s *Session, name string) (*Room, error) {
	for {
		r := d.GetOrCreateRoom(name)
		err := r.AddUser(s)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil && r.IsEmpty() {
			d.RemoveRoom(name)
		}
		return r, err
	}
}

// leaveCurrentRoom removes s from its room, evicting the room when it
// empties. It returns the name of the room that was left.
func (d *Directory) leaveCurrentRoom(s *Session) string {
	name := s.setRoom("")
	if name == "" {
		return ""
	}
	d.leaveRoom(s, name)
	return name
}

func (d *Directory) leaveRoom(s *Session, name string) {
	r, ok := d.Room(name)
	if !ok {
		return
	}
	r.RemoveUser(s)
	if r.IsEmpty() {
		d.RemoveRoom(name)
	}
}
