package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/pkg/protocol"
)

const (
	MaxUsernameLength = 32
	MaxRoomNameLength = 64
)

var (
	// ErrInvalidUsername is returned for empty, oversized or reserved names.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrInvalidRoomName is returned for empty or oversized room names.
	ErrInvalidRoomName = errors.New("invalid room name")
)

// ValidateUsername checks the username rules applied at join time.
func ValidateUsername(name string) error {
	if err := validateName(name, MaxUsernameLength); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUsername, err)
	}
	if strings.EqualFold(name, protocol.ServerName) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidUsername, name)
	}
	return nil
}

// ValidateRoomName checks the room name rules.
func ValidateRoomName(name string) error {
	if err := validateName(name, MaxRoomNameLength); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoomName, err)
	}
	return nil
}

func validateName(name string, max int) error {
	if name == "" {
		return errors.New("empty")
	}
	if utf8.RuneCountInString(name) > max {
		return fmt.Errorf("longer than %d characters", max)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("contains whitespace or control characters")
		}
	}
	return nil
}

// Dispatch routes one decoded message from s. It is called from the
// session's read pipeline and is safe for concurrent use across sessions.
func (d *Directory) Dispatch(s *Session, msg protocol.Message) {
	log.Debug().Str("module", "chat.directory").Str("sid", s.ID()).Str("user", s.Username()).
		Str("type", msg.Type.String()).Str("room", msg.Room).Msg("dispatch")

	if err := msg.Validate(); err != nil {
		d.reply(s, err.Error())
		return
	}

	switch msg.Type {
	case protocol.MessageTypeUserJoin:
		d.handleUserJoin(s, msg)
	case protocol.MessageTypeUserLeave:
		d.handleUserLeave(s)
	case protocol.MessageTypeChat:
		d.handleChat(s, msg)
	case protocol.MessageTypePrivate:
		d.handlePrivate(s, msg)
	case protocol.MessageTypeRoomJoin:
		d.handleRoomJoin(s, msg)
	case protocol.MessageTypeRoomLeave:
		d.handleRoomLeave(s, msg)
	case protocol.MessageTypeHeartbeat:
		// The session refreshed its liveness timestamp before dispatch.
	case protocol.MessageTypeServerAnnouncement:
		d.reply(s, "clients cannot send server announcements")
	default:
		log.Warn().Str("module", "chat.directory").Str("sid", s.ID()).Uint8("type", uint8(msg.Type)).Msg("unknown message type")
	}
}

func (d *Directory) handleUserJoin(s *Session, msg protocol.Message) {
	if s.State() != StateConnecting {
		d.reply(s, fmt.Sprintf("already joined as %s", s.Username()))
		return
	}

	name := msg.Sender
	if err := ValidateUsername(name); err != nil {
		d.reject(s, err.Error())
		return
	}
	if err := d.claimUsername(name, s); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			d.reject(s, fmt.Sprintf("username %q is already taken", name))
			return
		}
		log.Debug().Str("module", "chat.directory").Str("sid", s.ID()).Str("user", name).Err(err).Msg("join abandoned")
		return
	}

	// A session that cannot enter the default room never becomes usable.
	room, err := d.joinRoom(s, d.opts.DefaultRoom)
	if err != nil {
		d.releaseUsername(s)
		d.reject(s, fmt.Sprintf("cannot join %s: %v", d.opts.DefaultRoom, err))
		return
	}
	s.setRoom(room.Name())
	log.Info().Str("module", "chat.directory").Str("sid", s.ID()).Str("user", name).Msg("user joined")

	_ = s.Send(protocol.NewMessage(protocol.MessageTypeUserJoin, name, "joined", room.Name()))
	d.reply(s, fmt.Sprintf("Welcome to the chat, %s!", name))
	d.sendUserList(s, room)
}

func (d *Directory) handleUserLeave(s *Session) {
	d.leaveCurrentRoom(s)
	d.releaseUsername(s)
	s.Close()
	log.Info().Str("module", "chat.directory").Str("sid", s.ID()).Str("user", s.Username()).Msg("user left")
}

func (d *Directory) handleChat(s *Session, msg protocol.Message) {
	if !d.requireActive(s) {
		return
	}

	name := msg.Room
	if err := ValidateRoomName(name); err != nil {
		d.reply(s, err.Error())
		return
	}

	room := d.GetOrCreateRoom(name)
	if room.IsPrivate() && !room.Has(s) {
		if room.IsEmpty() {
			d.RemoveRoom(name)
		}
		d.reply(s, fmt.Sprintf("room %s is private", name))
		return
	}

	out := msg
	out.Sender = s.Username()
	out.Recipient = ""
	out.Room = name
	if out.Timestamp == 0 {
		out.Timestamp = protocol.Now()
	}

	var exclude Member
	if !d.opts.EchoChat {
		exclude = s
	}
	room.Broadcast(out, exclude)
	d.messages.Add(1)

	// A chat can create its room implicitly; do not leave it behind empty.
	if room.IsEmpty() {
		d.RemoveRoom(name)
	}
}

func (d *Directory) handlePrivate(s *Session, msg protocol.Message) {
	if !d.requireActive(s) {
		return
	}
	target, ok := d.Lookup(msg.Recipient)
	if !ok {
		d.reply(s, fmt.Sprintf("user %s not found", msg.Recipient))
		return
	}

	out := msg
	out.Sender = s.Username()
	out.Room = ""
	if out.Timestamp == 0 {
		out.Timestamp = protocol.Now()
	}
	if err := target.Send(out); err != nil {
		log.Debug().Str("module", "chat.directory").Str("sid", s.ID()).Str("to", msg.Recipient).Err(err).Msg("private delivery failed")
		d.reply(s, fmt.Sprintf("could not deliver message to %s", msg.Recipient))
		return
	}
	d.messages.Add(1)
}

func (d *Directory) handleRoomJoin(s *Session, msg protocol.Message) {
	if !d.requireActive(s) {
		return
	}

	name := msg.Room
	if err := ValidateRoomName(name); err != nil {
		d.reply(s, err.Error())
		return
	}
	if s.Room() == name {
		d.reply(s, fmt.Sprintf("already in room %s", name))
		return
	}

	// Join the target first so a rejection leaves the session where it was.
	room, err := d.joinRoom(s, name)
	if err != nil {
		d.reply(s, fmt.Sprintf("cannot join room %s: %v", name, err))
		return
	}
	if prev := s.setRoom(name); prev != "" {
		d.leaveRoom(s, prev)
	}

	_ = s.Send(protocol.NewMessage(protocol.MessageTypeRoomJoin, s.Username(), "joined", name))
	d.sendUserList(s, room)
}

func (d *Directory) handleRoomLeave(s *Session, msg protocol.Message) {
	if !d.requireActive(s) {
		return
	}
	switch current := s.Room(); {
	case current == "":
		d.reply(s, "not in a room")
		return
	case current != msg.Room:
		d.reply(s, fmt.Sprintf("not in room %s", msg.Room))
		return
	}
	name := d.leaveCurrentRoom(s)
	if name == "" {
		d.reply(s, "not in a room")
		return
	}
	_ = s.Send(protocol.NewMessage(protocol.MessageTypeRoomLeave, s.Username(), "left", name))
}

func (d *Directory) requireActive(s *Session) bool {
	if s.State() == StateActive {
		return true
	}
	d.reply(s, "join with a username first")
	return false
}

func (d *Directory) sendUserList(s *Session, room *Room) {
	users := room.UserList()
	d.reply(s, fmt.Sprintf("Users in %s (%d): %s", room.Name(), len(users), strings.Join(users, ", ")))
}

// reply sends a server announcement to s only.
func (d *Directory) reply(s *Session, text string) {
	if err := s.Send(protocol.NewAnnouncement(text, s.Room())); err != nil {
		log.Debug().Str("module", "chat.directory").Str("sid", s.ID()).Err(err).Msg("reply dropped")
	}
}

// reject announces text and closes a session that never became valid.
func (d *Directory) reject(s *Session, text string) {
	log.Info().Str("module", "chat.directory").Str("sid", s.ID()).Str("reason", text).Msg("join rejected")
	d.reply(s, text)
	s.Close()
}
