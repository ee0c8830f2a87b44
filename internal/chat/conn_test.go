package chat_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	remoteAddr string
	writeDelay time.Duration

	writtenMu sync.Mutex
	written   [][]byte
	writeErr  error

	inflight atomic.Int32
	overlaps atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 16),
		remoteAddr: addr,
		closed:     make(chan struct{}),
	}
}

func (m *mockConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.EOF
	case data, ok := <-m.readCh:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	}
}

func (m *mockConn) Write(ctx context.Context, data []byte) error {
	if m.inflight.Add(1) > 1 {
		m.overlaps.Add(1)
	}
	defer m.inflight.Add(-1)

	if m.writeDelay > 0 {
		time.Sleep(m.writeDelay)
	}

	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	m.written = append(m.written, copied)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *mockConn) setWriteErr(err error) {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.writeErr = err
}

// push queues an inbound message as if the peer had sent it.
func (m *mockConn) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	m.readCh <- data
}

// messages decodes everything written so far.
func (m *mockConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	out := make([]protocol.Message, 0, len(m.written))
	for _, data := range m.written {
		var msg protocol.Message
		if err := msg.Decode(data); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// waitFor polls the written messages until cond holds or the deadline passes.
func (m *mockConn) waitFor(t *testing.T, cond func([]protocol.Message) bool) []protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := m.messages(t)
		if cond(msgs) {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, written messages: %+v", msgs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasMessage(typ protocol.MessageType, match func(protocol.Message) bool) func([]protocol.Message) bool {
	return func(msgs []protocol.Message) bool {
		for _, msg := range msgs {
			if msg.Type == typ && (match == nil || match(msg)) {
				return true
			}
		}
		return false
	}
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)

// fakeMember is a chat.Member that records what it receives.
type fakeMember struct {
	id       string
	username string
	err      error

	mu       sync.Mutex
	received []protocol.Message
}

func newFakeMember(name string) *fakeMember {
	return &fakeMember{id: "id-" + name, username: name}
}

func (f *fakeMember) ID() string       { return f.id }
func (f *fakeMember) Username() string { return f.username }

func (f *fakeMember) Send(msg protocol.Message) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeMember) got() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.received...)
}

var _ chat.Member = (*fakeMember)(nil)
