package protocol

import (
	"bytes"
	"testing"
)

func TestMessage_appendWire(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want []byte
	}{
		{
			name: "type only",
			msg:  Message{Type: MessageTypeHeartbeat},
			want: []byte{0x08, 0x08},
		},
		{
			name: "sender and content",
			msg:  Message{Type: MessageTypeChat, Sender: "al", Content: "hi"},
			want: []byte{0x08, 0x03, 0x12, 0x02, 'a', 'l', 0x2a, 0x02, 'h', 'i'},
		},
		{
			name: "recipient room and timestamp",
			msg:  Message{Type: MessageTypePrivate, Recipient: "b", Room: "r", Timestamp: 300},
			want: []byte{0x08, 0x04, 0x1a, 0x01, 'b', 0x22, 0x01, 'r', 0x30, 0xac, 0x02},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.msg.appendWire(nil)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("appendWire() = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestMessage_parseWireLastFieldWins(t *testing.T) {
	data := []byte{0x08, 0x03, 0x12, 0x01, 'a', 0x12, 0x01, 'b'}

	var m Message
	if err := m.parseWire(data); err != nil {
		t.Fatalf("parseWire() error = %v", err)
	}
	if m.Sender != "b" {
		t.Errorf("Sender = %q, want %q", m.Sender, "b")
	}
}

func TestMessageType_Valid(t *testing.T) {
	tests := []struct {
		mt   MessageType
		want bool
	}{
		{0, false},
		{MessageTypeUserJoin, true},
		{MessageTypeHeartbeat, true},
		{MessageTypeHeartbeat + 1, false},
	}

	for _, tt := range tests {
		if got := tt.mt.Valid(); got != tt.want {
			t.Errorf("MessageType(%d).Valid() = %v, want %v", tt.mt, got, tt.want)
		}
	}
}
