package tcp_test

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/transport/tcp"
	"github.com/omochice/roomchat/pkg/protocol"
)

func startServer(t *testing.T, opts chat.Options) (*tcp.Server, *chat.Directory) {
	t.Helper()
	dir := chat.NewDirectory(opts)
	srv := tcp.New("127.0.0.1:0", dir, tcp.Options{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		dir.AbortAll()
		srv.Wait()
	})
	return srv, dir
}

func dialAndJoin(t *testing.T, addr, username string) (net.Conn, *protocol.Codec) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	codec := protocol.NewCodec(0)
	if err := codec.WriteMessage(conn, protocol.NewMessage(protocol.MessageTypeUserJoin, username, "", "")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	return conn, codec
}

func readUntil(t *testing.T, conn net.Conn, codec *protocol.Codec, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		msg, err := codec.ReadMessage(conn)
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestServer_Start(t *testing.T) {
	srv, _ := startServer(t, chat.DefaultOptions())

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	conn.Close()
}

func TestServer_Addr(t *testing.T) {
	srv, _ := startServer(t, chat.DefaultOptions())

	if addr := srv.Addr(); addr == "" {
		t.Error("Addr() returned empty string")
	}
}

func TestServer_Stop(t *testing.T) {
	dir := chat.NewDirectory(chat.DefaultOptions())
	srv := tcp.New("127.0.0.1:0", dir, tcp.Options{})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	srv.Stop()
	srv.Stop()

	_, err := net.Dial("tcp", srv.Addr())
	if err == nil {
		t.Error("expected error after stop, got nil")
	}
}

func TestServer_JoinAndChat(t *testing.T) {
	srv, dir := startServer(t, chat.DefaultOptions())

	alice, aliceCodec := dialAndJoin(t, srv.Addr(), "alice")
	ack := readUntil(t, alice, aliceCodec, func(m protocol.Message) bool { return m.Type == protocol.MessageTypeUserJoin })
	if ack.Sender != "alice" || ack.Room != "lobby" {
		t.Errorf("join ack = %+v", ack)
	}

	bob, bobCodec := dialAndJoin(t, srv.Addr(), "bob")
	readUntil(t, bob, bobCodec, func(m protocol.Message) bool { return m.Type == protocol.MessageTypeUserJoin })

	if err := aliceCodec.WriteMessage(alice, protocol.Message{Type: protocol.MessageTypeChat, Room: "lobby", Content: "hello"}); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	got := readUntil(t, bob, bobCodec, func(m protocol.Message) bool { return m.Type == protocol.MessageTypeChat })
	if got.Sender != "alice" || got.Content != "hello" || got.Room != "lobby" {
		t.Errorf("bob received %+v", got)
	}

	if n := dir.SessionCount(); n != 2 {
		t.Errorf("SessionCount() = %d, want 2", n)
	}
}

func TestServer_DuplicateUsernameClosesConnection(t *testing.T) {
	srv, _ := startServer(t, chat.DefaultOptions())

	first, firstCodec := dialAndJoin(t, srv.Addr(), "bob")
	readUntil(t, first, firstCodec, func(m protocol.Message) bool { return m.Type == protocol.MessageTypeUserJoin })

	second, codec := dialAndJoin(t, srv.Addr(), "bob")
	readUntil(t, second, codec, func(m protocol.Message) bool {
		return m.Type == protocol.MessageTypeServerAnnouncement && strings.Contains(m.Content, "already taken")
	})

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := codec.ReadMessage(second); err == nil {
		t.Error("connection still open after rejection")
	}
}

func TestServer_MaxClients(t *testing.T) {
	opts := chat.DefaultOptions()
	opts.MaxClients = 1
	srv, _ := startServer(t, opts)

	first, firstCodec := dialAndJoin(t, srv.Addr(), "first")
	readUntil(t, first, firstCodec, func(m protocol.Message) bool { return m.Type == protocol.MessageTypeUserJoin })

	second, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer second.Close()

	codec := protocol.NewCodec(0)
	readUntil(t, second, codec, func(m protocol.Message) bool {
		return m.Type == protocol.MessageTypeServerAnnouncement && strings.Contains(m.Content, chat.ErrServerFull.Error())
	})
}

func TestServer_OversizedFrameClosesOnlyOffender(t *testing.T) {
	srv, _ := startServer(t, chat.DefaultOptions())

	good, goodCodec := dialAndJoin(t, srv.Addr(), "good")
	readUntil(t, good, goodCodec, func(m protocol.Message) bool { return m.Type == protocol.MessageTypeUserJoin })

	bad, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer bad.Close()
	bad.Write([]byte{0x7f, 0xff, 0xff, 0xff})

	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bad.Read(make([]byte, 1)); err == nil {
		t.Error("oversized frame did not close the connection")
	}

	if err := goodCodec.WriteMessage(good, protocol.Message{Type: protocol.MessageTypeHeartbeat}); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := goodCodec.WriteMessage(good, protocol.NewPrivateMessage("good", "nobody", "x")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	readUntil(t, good, goodCodec, func(m protocol.Message) bool {
		return m.Type == protocol.MessageTypeServerAnnouncement && strings.Contains(m.Content, "not found")
	})
}
