package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gosuda/pairchat/chat"
	"github.com/gosuda/pairchat/chat/protocol"
	"github.com/gosuda/pairchat/chat/session"
)

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  /login <login> <password>     log in
  /register <login> <password>  create an account and log in
  /users                        refresh and list online peers
  /all                          list every registered user
  /chat <peer>                  open the room with peer
  /history                      refetch the active room
  /logout                       forget the stored identity
  /quit                         exit
anything else is sent to the active room`

// console drives the client from a line-oriented terminal.
type console struct {
	client *chat.Client
	in     io.Reader
	out    io.Writer
}

// run reads commands until the input ends, /quit, or ctx is done. It
// returns errQuit on /quit.
func (c *console) run(ctx context.Context) error {
	events, cancel := c.client.Subscribe()
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.printf("pairchat: /help for commands\n")
	if self := c.client.Self(); self != "" {
		c.printf("logged in as %s\n", self)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.show(ev)
		case line := <-lines:
			if err := c.exec(ctx, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return errQuit
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.client.Send(line)
		return err
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		c.printf("%s\n", consoleHelp)
	case "/login", "/register":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s <login> <password>", cmd)
		}
		login := c.client.Login
		if cmd == "/register" {
			login = c.client.Register
		}
		user, err := login(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		c.printf("logged in as %s\n", user)
	case "/users":
		if err := c.client.RefreshOnline(ctx); err != nil {
			return err
		}
		c.listOnline()
	case "/all":
		users, err := c.client.Directory(ctx)
		if err != nil {
			return err
		}
		c.printf("users: %s\n", strings.Join(users, ", "))
	case "/chat":
		if len(args) != 1 {
			return errors.New("usage: /chat <peer>")
		}
		room, err := c.client.Select(args[0])
		if err != nil {
			return err
		}
		c.printf("-- %s (%s)\n", args[0], room)
	case "/history":
		room := c.client.Room()
		if room == "" {
			return chat.ErrNoRoom
		}
		if err := c.client.LoadHistory(ctx, room); err != nil {
			return err
		}
		for _, m := range c.client.Messages(room) {
			c.printMessage(m)
		}
	case "/logout":
		if err := c.client.Logout(); err != nil {
			return err
		}
		c.printf("logged out\n")
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
	return nil
}

// show prints events that concern the active room.
func (c *console) show(ev chat.Event) {
	switch ev.Type {
	case chat.EventMessage:
		if ev.Message != nil && ev.Room == c.client.Room() && ev.Message.Sender != c.client.Self() {
			c.printMessage(*ev.Message)
		}
	case chat.EventHistory:
		if ev.Room == c.client.Room() {
			c.printf("-- %d messages in %s\n", len(c.client.Messages(ev.Room)), ev.Room)
		}
	case chat.EventState:
		if ev.State == session.Reconnecting.String() || ev.State == session.Disconnected.String() {
			c.printf("-- connection %s\n", ev.State)
		}
	}
}

func (c *console) listOnline() {
	peers := c.client.Online()
	if len(peers) == 0 {
		c.printf("nobody else is online\n")
		return
	}
	for _, p := range peers {
		c.printf("  %s\n", p.ID)
	}
}

func (c *console) printMessage(m protocol.Message) {
	c.printf("[%s] %s: %s\n", m.Timestamp, m.Sender, m.Body)
}

func (c *console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}
