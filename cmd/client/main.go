package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/logging"
	"github.com/omochice/roomchat/pkg/protocol"
)

func main() {
	serverAddr := flag.String("server", "localhost:8080", "Server address: host:port for TCP or ws://host:port/ws")
	username := flag.String("username", "", "Username for chat")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	if err := logging.Setup(*logLevel, "console"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *username == "" {
		log.Fatal().Msg("Username is required. Use -username flag")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := client.DefaultOptions()
	opts.OnMessage = printMessage

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.ConnectWithOptions(dialCtx, *serverAddr, *username, opts)
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Str("server", *serverAddr).Msg("failed to connect")
	}
	defer c.Disconnect()

	fmt.Printf("Connected to %s as %s. Commands: /join <room>, /leave, /msg <user> <text>, /quit\n", *serverAddr, *username)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			fmt.Println("*** connection closed ***")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Println(err)
				continue
			}
			if cmd.kind == cmdQuit {
				return
			}
			if err := cmd.run(c); err != nil {
				log.Error().Err(err).Msg("failed to send")
			}
		}
	}
}

func printMessage(msg protocol.Message) {
	ts := time.Unix(int64(msg.Timestamp), 0).Format(time.TimeOnly)
	switch msg.Type {
	case protocol.MessageTypeChat:
		fmt.Printf("%s [%s] %s: %s\n", ts, msg.Room, msg.Sender, msg.Content)
	case protocol.MessageTypePrivate:
		fmt.Printf("%s (private) %s: %s\n", ts, msg.Sender, msg.Content)
	case protocol.MessageTypeRoomJoin, protocol.MessageTypeRoomLeave:
		fmt.Printf("%s *** %s ***\n", ts, msg.Content)
	case protocol.MessageTypeUserJoin:
		fmt.Printf("%s *** joined %s ***\n", ts, msg.Room)
	case protocol.MessageTypeServerAnnouncement:
		fmt.Printf("%s [%s] %s\n", ts, protocol.ServerName, msg.Content)
	}
}

type commandKind int

const (
	cmdChat commandKind = iota
	cmdJoin
	cmdLeave
	cmdPrivate
	cmdQuit
)

type command struct {
	kind      commandKind
	room      string
	recipient string
	text      string
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, fmt.Errorf("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdChat, text: line}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return command{kind: cmdQuit}, nil
	case "/leave":
		return command{kind: cmdLeave}, nil
	case "/join":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: /join <room>")
		}
		return command{kind: cmdJoin, room: fields[1]}, nil
	case "/msg":
		if len(fields) < 3 {
			return command{}, fmt.Errorf("usage: /msg <user> <text>")
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		text := strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
		return command{kind: cmdPrivate, recipient: fields[1], text: text}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s", fields[0])
	}
}

func (cmd command) run(c *client.Client) error {
	switch cmd.kind {
	case cmdJoin:
		return c.JoinRoom(cmd.room)
	case cmdLeave:
		return c.LeaveRoom()
	case cmdPrivate:
		return c.SendPrivate(cmd.recipient, cmd.text)
	default:
		return c.SendChat(cmd.text, "")
	}
}
