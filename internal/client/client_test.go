package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/transport/tcp"
	"github.com/omochice/roomchat/internal/transport/ws"
	"github.com/omochice/roomchat/pkg/protocol"
)

func startTCPServer(t *testing.T) (string, *chat.Directory) {
	t.Helper()
	dir := chat.NewDirectory(chat.DefaultOptions())
	srv := tcp.New("127.0.0.1:0", dir, tcp.Options{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		dir.AbortAll()
		srv.Wait()
	})
	return srv.Addr(), dir
}

func connect(t *testing.T, addr, username string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, addr, username)
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", username, err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func waitMessage(t *testing.T, c *client.Client, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				t.Fatal("connection closed while waiting for message")
			}
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatal("timeout waiting for message")
		}
	}
}

func TestClient_ConnectJoinsDefaultRoom(t *testing.T) {
	addr, dir := startTCPServer(t)

	c := connect(t, addr, "alice")

	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if got := c.Room(); got != "lobby" {
		t.Errorf("Room() = %q, want lobby", got)
	}
	waitMessage(t, c, func(m protocol.Message) bool {
		return m.Type == protocol.MessageTypeServerAnnouncement && strings.Contains(m.Content, "Welcome")
	})
	if _, ok := dir.Lookup("alice"); !ok {
		t.Error("server does not know alice")
	}
}

func TestClient_ChatAndPrivate(t *testing.T) {
	addr, _ := startTCPServer(t)
	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")

	if err := alice.SendChat("hello", ""); err != nil {
		t.Fatalf("SendChat() error = %v", err)
	}
	got := waitMessage(t, bob, func(m protocol.Message) bool { return m.Type == protocol.MessageTypeChat })
	if got.Sender != "alice" || got.Content != "hello" || got.Room != "lobby" {
		t.Errorf("bob received %+v", got)
	}

	if err := bob.SendPrivate("alice", "psst"); err != nil {
		t.Fatalf("SendPrivate() error = %v", err)
	}
	got = waitMessage(t, alice, func(m protocol.Message) bool { return m.Type == protocol.MessageTypePrivate })
	if got.Sender != "bob" || got.Content != "psst" {
		t.Errorf("alice received %+v", got)
	}

	if err := bob.SendPrivate("", "x"); !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Errorf("SendPrivate() empty recipient error = %v", err)
	}
}

func TestClient_JoinAndLeaveRoom(t *testing.T) {
	addr, _ := startTCPServer(t)
	c := connect(t, addr, "alice")

	if err := c.JoinRoom("games"); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	waitMessage(t, c, func(m protocol.Message) bool {
		return m.Type == protocol.MessageTypeRoomJoin && m.Sender == "alice"
	})
	if got := c.Room(); got != "games" {
		t.Errorf("Room() = %q, want games", got)
	}

	if err := c.LeaveRoom(); err != nil {
		t.Fatalf("LeaveRoom() error = %v", err)
	}
	waitMessage(t, c, func(m protocol.Message) bool {
		return m.Type == protocol.MessageTypeRoomLeave && m.Sender == "alice"
	})
	if got := c.Room(); got != "" {
		t.Errorf("Room() = %q, want empty", got)
	}
	if err := c.SendChat("nowhere", ""); !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Errorf("SendChat() outside a room error = %v, want %v", err, protocol.ErrInvalidMessage)
	}
	if err := c.LeaveRoom(); !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Errorf("LeaveRoom() outside a room error = %v, want %v", err, protocol.ErrInvalidMessage)
	}

	if err := c.JoinRoom(""); err == nil {
		t.Error("JoinRoom(\"\") error = nil")
	}
}

func TestClient_DuplicateUsernameRejected(t *testing.T) {
	addr, _ := startTCPServer(t)
	connect(t, addr, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Connect(ctx, addr, "bob")
	if !errors.Is(err, client.ErrJoinRejected) {
		t.Fatalf("Connect() error = %v, want %v", err, client.ErrJoinRejected)
	}
	if !strings.Contains(err.Error(), "already taken") {
		t.Errorf("error %q does not carry the server reason", err)
	}
}

func TestClient_DisconnectReleasesUsername(t *testing.T) {
	addr, dir := startTCPServer(t)

	c, err := client.Connect(context.Background(), addr, "alice")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Disconnect()
	c.Disconnect()

	if c.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	if err := c.SendChat("late", ""); !errors.Is(err, client.ErrNotConnected) {
		t.Errorf("SendChat() after Disconnect error = %v, want %v", err, client.ErrNotConnected)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := dir.Lookup("alice"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("username not released after Disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Connect(ctx, "127.0.0.1:1", "alice"); err == nil {
		t.Error("Connect() error = nil, want dial error")
	}
}

func TestClient_OnMessageAndHeartbeat(t *testing.T) {
	addr, dir := startTCPServer(t)

	var mu sync.Mutex
	var inCallback, overlaps int
	var got []protocol.Message
	opts := client.DefaultOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.OnMessage = func(m protocol.Message) {
		mu.Lock()
		inCallback++
		if inCallback > 1 {
			overlaps++
		}
		got = append(got, m)
		mu.Unlock()

		mu.Lock()
		inCallback--
		mu.Unlock()
	}

	c, err := client.ConnectWithOptions(context.Background(), addr, "alice", opts)
	if err != nil {
		t.Fatalf("ConnectWithOptions() error = %v", err)
	}
	defer c.Disconnect()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[0].Type != protocol.MessageTypeUserJoin {
		t.Errorf("first callback message = %+v, want join ack", got)
	}
	if overlaps != 0 {
		t.Errorf("callback overlapped %d times", overlaps)
	}

	s, _ := dir.Lookup("alice")
	if received := s.Stats().MessagesReceived; received < 3 {
		t.Errorf("server received %d messages, want join plus heartbeats", received)
	}
	if stats := c.Stats(); stats.Sent < 3 || stats.Received == 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestClient_DisconnectFromOnMessage(t *testing.T) {
	addr, dir := startTCPServer(t)
	bob := connect(t, addr, "bob")

	self := make(chan *client.Client, 1)
	returned := make(chan struct{})
	opts := client.DefaultOptions()
	opts.OnMessage = func(m protocol.Message) {
		if m.Type != protocol.MessageTypeChat {
			return
		}
		c := <-self
		c.Disconnect()
		close(returned)
	}

	alice, err := client.ConnectWithOptions(context.Background(), addr, "alice", opts)
	if err != nil {
		t.Fatalf("ConnectWithOptions() error = %v", err)
	}
	self <- alice

	if err := bob.SendChat("bye", ""); err != nil {
		t.Fatalf("SendChat() error = %v", err)
	}

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect inside OnMessage did not return")
	}
	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop still running after Disconnect")
	}
	if alice.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := dir.Lookup("alice"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server still knows alice")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second Disconnect from outside waits and returns.
	alice.Disconnect()
}

func TestClient_WebSocket(t *testing.T) {
	dir := chat.NewDirectory(chat.DefaultOptions())
	h := ws.NewHandler(dir, ws.Options{})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		dir.AbortAll()
		h.Wait()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	alice := connect(t, url, "alice")
	bob := connect(t, url, "bob")

	if err := bob.SendChat("over websocket", ""); err != nil {
		t.Fatalf("SendChat() error = %v", err)
	}
	got := waitMessage(t, alice, func(m protocol.Message) bool { return m.Type == protocol.MessageTypeChat })
	if got.Sender != "bob" || got.Content != "over websocket" {
		t.Errorf("alice received %+v", got)
	}
}
