package chat

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/pkg/protocol"
)

var (
	// ErrRoomFull is returned by AddUser when the room is at capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrRoomClosed is returned by AddUser after the room was evicted.
	ErrRoomClosed = errors.New("room closed")
	// ErrAlreadyMember is returned by AddUser for a duplicate add.
	ErrAlreadyMember = errors.New("already a member")
)

// Member is what a room stores and fans out to. Members are compared by
// identity, never by username.
type Member interface {
	ID() string
	Username() string
	Send(msg protocol.Message) error
}

// RoomStats is a read-only view of a room.
type RoomStats struct {
	Name          string    `json:"name"`
	CurrentUsers  int       `json:"current_users"`
	MaxUsers      int       `json:"max_users"`
	TotalMessages uint64    `json:"total_messages"`
	CreatedAt     time.Time `json:"created_at"`
	Private       bool      `json:"private"`
}

// Room is a named, capacity-bounded broadcast group. The member set is
// guarded by a RWMutex; broadcasts deliver to a snapshot taken under the
// read lock.
type Room struct {
	name      string
	maxUsers  int
	createdAt time.Time
	private   bool
	messages  atomic.Uint64

	mu      sync.RWMutex
	members map[Member]struct{}
	closed  bool
}

// NewRoom creates an empty room. A private room only accepts Chat from its
// members.
func NewRoom(name string, maxUsers int, private bool) *Room {
	return &Room{
		name:      name,
		maxUsers:  maxUsers,
		createdAt: time.Now(),
		private:   private,
		members:   make(map[Member]struct{}),
	}
}

func (r *Room) Name() string    { return r.name }
func (r *Room) IsPrivate() bool { return r.private }

// Len returns the number of members.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) IsEmpty() bool { return r.Len() == 0 }

// Has reports whether m is a member.
func (r *Room) Has(m Member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[m]
	return ok
}

// AddUser adds m unless the room is full or closed, then notifies the
// existing members with a RoomJoin message.
func (r *Room) AddUser(m Member) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrRoomClosed
	case r.has(m):
		r.mu.Unlock()
		return ErrAlreadyMember
	case len(r.members) >= r.maxUsers:
		r.mu.Unlock()
		return ErrRoomFull
	}
	r.members[m] = struct{}{}
	count := len(r.members)
	r.mu.Unlock()

	log.Info().Str("module", "chat.room").Str("room", r.name).Str("sid", m.ID()).
		Str("user", m.Username()).Int("members", count).Msg("member added")

	notice := protocol.NewMessage(protocol.MessageTypeRoomJoin, m.Username(),
		fmt.Sprintf("%s joined %s", m.Username(), r.name), r.name)
	r.Broadcast(notice, m)
	return nil
}

// RemoveUser removes m if present and notifies the remaining members.
func (r *Room) RemoveUser(m Member) bool {
	r.mu.Lock()
	if !r.has(m) {
		r.mu.Unlock()
		return false
	}
	delete(r.members, m)
	count := len(r.members)
	r.mu.Unlock()

	log.Info().Str("module", "chat.room").Str("room", r.name).Str("sid", m.ID()).
		Str("user", m.Username()).Int("members", count).Msg("member removed")

	if count > 0 {
		notice := protocol.NewMessage(protocol.MessageTypeRoomLeave, m.Username(),
			fmt.Sprintf("%s left %s", m.Username(), r.name), r.name)
		r.Broadcast(notice, nil)
	}
	return true
}

// Broadcast delivers msg to every member except exclude and returns the
// number of members that accepted it. A failed delivery is logged and does
// not stop the fan-out.
func (r *Room) Broadcast(msg protocol.Message, exclude Member) int {
	if msg.Type == protocol.MessageTypeChat {
		r.messages.Add(1)
	}

	delivered := 0
	dropped := 0
	for _, m := range r.Members() {
		if exclude != nil && m == exclude {
			continue
		}
		if err := m.Send(msg); err != nil {
			dropped++
			log.Debug().Str("module", "chat.room").Str("room", r.name).Str("sid", m.ID()).Err(err).Msg("delivery failed")
			continue
		}
		delivered++
	}

	log.Debug().Str("module", "chat.room").Str("room", r.name).Str("type", msg.Type.String()).
		Int("sent_to", delivered).Int("dropped", dropped).Msg("broadcast result")
	return delivered
}

// Members returns a snapshot of the member set.
func (r *Room) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	return out
}

// UserList returns the sorted usernames of the members.
func (r *Room) UserList() []string {
	members := r.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Username())
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of the room attributes and counters.
func (r *Room) Stats() RoomStats {
	return RoomStats{
		Name:          r.name,
		CurrentUsers:  r.Len(),
		MaxUsers:      r.maxUsers,
		TotalMessages: r.messages.Load(),
		CreatedAt:     r.createdAt,
		Private:       r.IsPrivate(),
	}
}

// close marks an empty room as closed so no member can be added to a room
// that is no longer in the directory table.
func (r *Room) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) has(m Member) bool {
	_, ok := r.members[m]
	return ok
}
