// Package protocol defines the chat wire messages and the frame codec
// shared by the server, the transports and the client.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ServerName is the reserved sender identity of synthetic server messages.
const ServerName = "ChatServer"

// MaxContentLength bounds the content field of a single message.
const MaxContentLength = 4096

// MessageType represents the type of message
type MessageType uint8

const (
	MessageTypeUserJoin MessageType = iota + 1
	MessageTypeUserLeave
	MessageTypeChat
	MessageTypePrivate
	MessageTypeRoomJoin
	MessageTypeRoomLeave
	MessageTypeServerAnnouncement
	MessageTypeHeartbeat
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeUserJoin:
		return "USER_JOIN"
	case MessageTypeUserLeave:
		return "USER_LEAVE"
	case MessageTypeChat:
		return "CHAT"
	case MessageTypePrivate:
		return "PRIVATE"
	case MessageTypeRoomJoin:
		return "ROOM_JOIN"
	case MessageTypeRoomLeave:
		return "ROOM_LEAVE"
	case MessageTypeServerAnnouncement:
		return "SERVER_ANNOUNCEMENT"
	case MessageTypeHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether mt is one of the known message types.
func (mt MessageType) Valid() bool {
	return mt >= MessageTypeUserJoin && mt <= MessageTypeHeartbeat
}

// Message represents a chat message. It is a value type; copies are
// independent.
type Message struct {
	Type      MessageType
	Sender    string
	Recipient string
	Room      string
	Content   string
	Timestamp uint64
}

// Payload field numbers. They are part of the wire format and must not change.
const (
	fieldType      protowire.Number = 1
	fieldSender    protowire.Number = 2
	fieldRecipient protowire.Number = 3
	fieldRoom      protowire.Number = 4
	fieldContent   protowire.Number = 5
	fieldTimestamp protowire.Number = 6
)

var (
	// ErrMalformed is returned when a payload cannot be parsed into a Message.
	ErrMalformed = errors.New("malformed message")
	// ErrContentTooLong is returned when content exceeds MaxContentLength.
	ErrContentTooLong = fmt.Errorf("message content exceeds maximum length (%d bytes)", MaxContentLength)
	// ErrInvalidMessage is returned by Validate.
	ErrInvalidMessage = errors.New("invalid message")
)

// Now returns the current time as Unix seconds, the timestamp unit of the protocol.
func Now() uint64 {
	return uint64(time.Now().Unix())
}

// NewMessage creates a message stamped with the current time.
func NewMessage(t MessageType, sender, content, room string) Message {
	return Message{
		Type:      t,
		Sender:    sender,
		Room:      room,
		Content:   content,
		Timestamp: Now(),
	}
}

// NewPrivateMessage creates a direct message from sender to recipient.
func NewPrivateMessage(sender, recipient, content string) Message {
	m := NewMessage(MessageTypePrivate, sender, content, "")
	m.Recipient = recipient
	return m
}

// NewAnnouncement creates a server announcement, optionally scoped to a room.
func NewAnnouncement(content, room string) Message {
	return NewMessage(MessageTypeServerAnnouncement, ServerName, content, room)
}

// Validate checks the structural invariants of a message: a known type,
// bounded content, a recipient on Private and a room on Chat, RoomJoin and
// RoomLeave.
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %d", ErrInvalidMessage, m.Type)
	}
	if len(m.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	switch m.Type {
	case MessageTypePrivate:
		if m.Recipient == "" {
			return fmt.Errorf("%w: private message without recipient", ErrInvalidMessage)
		}
	case MessageTypeChat, MessageTypeRoomJoin, MessageTypeRoomLeave:
		if m.Room == "" {
			return fmt.Errorf("%w: %s without room", ErrInvalidMessage, m.Type)
		}
	}
	return nil
}

// Encode encodes the message payload using the protobuf wire format.
func (m *Message) Encode() ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("failed to encode message: unknown type %d", m.Type)
	}
	if len(m.Content) > MaxContentLength {
		return nil, fmt.Errorf("failed to encode message: %w", ErrContentTooLong)
	}
	return m.appendWire(make([]byte, 0, m.wireSizeHint())), nil
}

// Decode decodes a payload produced by Encode.
func (m *Message) Decode(data []byte) error {
	var out Message
	if err := out.parseWire(data); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	*m = out
	return nil
}

func (m *Message) wireSizeHint() int {
	return 16 + len(m.Sender) + len(m.Recipient) + len(m.Room) + len(m.Content)
}

// appendWire writes non-zero fields only, like proto3.
func (m *Message) appendWire(b []byte) []byte {
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = appendString(b, fieldSender, m.Sender)
	b = appendString(b, fieldRecipient, m.Recipient)
	b = appendString(b, fieldRoom, m.Room)
	b = appendString(b, fieldContent, m.Content)
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Timestamp)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func (m *Message) parseWire(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case (num == fieldType || num == fieldTimestamp) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldTimestamp {
				m.Timestamp = v
				continue
			}
			if v > 0xff || !MessageType(v).Valid() {
				return fmt.Errorf("%w: unknown type %d", ErrMalformed, v)
			}
			m.Type = MessageType(v)
		case num >= fieldSender && num <= fieldContent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			m.setString(num, string(v))
		default:
			// Unknown fields are skipped so newer peers can add fields.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !m.Type.Valid() {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if len(m.Content) > MaxContentLength {
		return fmt.Errorf("%w: %w", ErrMalformed, ErrContentTooLong)
	}
	return nil
}

func (m *Message) setString(num protowire.Number, s string) {
	switch num {
	case fieldSender:
		m.Sender = s
	case fieldRecipient:
		m.Recipient = s
	case fieldRoom:
		m.Room = s
	case fieldContent:
		m.Content = s
	}
}
