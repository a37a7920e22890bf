// Command chatctl is a line-oriented chat client.
//
//	TOUCHLINE_URL=http://localhost:8080 TOUCHLINE_TOKEN=<token> chatctl
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"touchline/internal/client"
	"touchline/internal/conversation"
	"touchline/internal/inbox"
	"touchline/internal/models"
	"touchline/internal/restclient"
)

const historyLimit = 50

const help = `Commands:
  /chats             list conversations
  /open <chat|user>  open a conversation by chat id, username or user id
  /read              mark the open conversation read
  /block, /unblock   block or unblock the peer of the open conversation
  /delete <chat>     remove a conversation from the list
  /online            list online users
  /quit              exit
Any other line is sent to the open conversation.
`

// wsURL turns the API base URL into the socket endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

type app struct {
	rest    *restclient.Client
	session *client.Session
	chat    *conversation.Controller
	typist  *conversation.Typist
	inbox   *inbox.Inbox
	me      models.User

	outMu sync.Mutex
	out   io.Writer
}

func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, _ = fmt.Fprintf(a.out, format, args...)
}

func (a *app) printMessage(m models.Message) {
	who := "them"
	if m.SenderID == a.me.ID {
		who = "me"
	}
	body := m.Content
	if m.Type != models.MessageTypeText {
		body = strings.TrimSpace(fmt.Sprintf("[%s] %s %s", m.Type, m.MediaURL, m.Content))
	}
	a.printf("%s %-4s %s\n", m.CreatedAt.Local().Format("15:04"), who, body)
}

// HandleEvent prints what the user should notice.
func (a *app) HandleEvent(ev client.Event) {
	active := a.chat.ChatID()
	switch e := ev.(type) {
	case client.Connected:
		a.printf("* connected as %s\n", e.UserID)
	case client.Disconnected:
		switch {
		case e.Closed:
		case e.Exhausted:
			a.printf("* disconnected: %v\n", e.Err)
		default:
			a.printf("* connection lost, reconnecting\n")
		}
	case client.NewMessage:
		if e.Message.ChatID == active {
			a.printMessage(e.Message)
		} else {
			a.printf("* new message in %s\n", e.Message.ChatID)
		}
	case client.UserTyping:
		if e.ChatID == active {
			a.printf("* typing...\n")
		}
	case client.YouWereBlocked:
		if e.ChatID == active {
			a.printf("* you have been blocked\n")
		}
	case client.YouWereUnblocked:
		if e.ChatID == active {
			a.printf("* you have been unblocked\n")
		}
	case client.ServerError:
		a.printf("* server error: %s\n", e.Message)
	}
}

func (a *app) listChats(ctx context.Context) error {
	if err := a.inbox.Refresh(ctx); err != nil {
		return err
	}
	previews := a.inbox.Previews()
	if len(previews) == 0 {
		a.printf("no conversations\n")
		return nil
	}
	for _, p := range previews {
		status := " "
		if p.Online {
			status = "●"
		}
		summary := ""
		if p.LastMessage != nil {
			summary = p.LastMessage.Summary
		}
		unread := ""
		if p.Unread > 0 {
			unread = fmt.Sprintf(" (%d)", p.Unread)
		}
		a.printf("%s %-24s %s%s  %s\n", status, p.ChatID, p.Peer.UserName, unread, summary)
	}
	return nil
}

// open accepts a chat id, or a username or user id to start a conversation with.
func (a *app) open(ctx context.Context, target string) error {
	chat, err := a.rest.GetChat(ctx, target)
	if errors.Is(err, models.ErrNotFound) {
		chat, err = a.startChat(ctx, target)
	}
	if err != nil {
		return err
	}

	history, err := a.rest.Messages(ctx, chat.ID, historyLimit, time.Time{})
	if err != nil {
		return err
	}
	a.chat.Open(chat, history)
	a.typist.Reset(chat.ID, a.chat.Peer())
	a.inbox.Select(chat.ID)

	a.printf("-- %s --\n", chat.ID)
	for _, m := range a.chat.Messages() {
		a.printMessage(m)
	}
	if blocked, by := a.chat.Blocked(); blocked {
		if by == a.me.ID {
			a.printf("* you blocked this user\n")
		} else {
			a.printf("* you have been blocked\n")
		}
	}
	a.chat.MarkRead(ctx)
	return nil
}

func (a *app) startChat(ctx context.Context, peer string) (models.Chat, error) {
	users, err := a.rest.Users(ctx)
	if err != nil {
		return models.Chat{}, err
	}
	for _, u := range users {
		if u.UserName == peer {
			peer = u.ID
			break
		}
	}
	return a.rest.StartChat(ctx, peer)
}

func (a *app) send(ctx context.Context, line string) error {
	a.typist.Keystroke(line)
	defer a.typist.Stop()

	msg, err := a.chat.SendMessage(ctx, line, models.MessageTypeText, "")
	if err != nil {
		return err
	}
	a.printMessage(msg)
	return nil
}

// handle runs one input line. It reports false when the user asked to quit.
func (a *app) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return true, nil
	}
	if !strings.HasPrefix(line, "/") {
		return true, a.send(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return false, nil
	case "/help":
		a.printf("%s", help)
	case "/chats":
		return true, a.listChats(ctx)
	case "/open":
		if arg == "" {
			return true, errors.New("usage: /open <chat|user>")
		}
		return true, a.open(ctx, arg)
	case "/read":
		a.chat.MarkRead(ctx)
	case "/block":
		if err := a.chat.Block(ctx); err != nil {
			return true, err
		}
		a.printf("* blocked\n")
	case "/unblock":
		if err := a.chat.Unblock(ctx); err != nil {
			return true, err
		}
		a.printf("* unblocked\n")
	case "/delete":
		if arg == "" {
			arg = a.chat.ChatID()
		}
		if arg == "" {
			return true, errors.New("usage: /delete <chat>")
		}
		if err := a.inbox.Delete(ctx, arg); err != nil {
			return true, err
		}
		if arg == a.chat.ChatID() {
			a.chat.Close()
			a.typist.Reset("", "")
		}
	case "/online":
		online := a.session.GetOnlineUsers(ctx)
		a.printf("%d online: %s\n", online.Count, strings.Join(online.OnlineUsers, ", "))
	default:
		return true, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return true, nil
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	flags := flag.NewFlagSet("chatctl", flag.ContinueOnError)
	baseURL := flags.String("url", os.Getenv("TOUCHLINE_URL"), "API base URL (TOUCHLINE_URL)")
	token := flags.String("token", os.Getenv("TOUCHLINE_TOKEN"), "Access token (TOUCHLINE_TOKEN)")
	timeout := flags.Duration("timeout", client.DefaultRequestTimeout, "Request timeout")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *baseURL == "" {
		*baseURL = "http://localhost:8080"
	}
	if *token == "" {
		return errors.New("a token is required: set TOUCHLINE_TOKEN or -token")
	}
	socketURL, err := wsURL(*baseURL)
	if err != nil {
		return err
	}

	rest := restclient.New(*baseURL, *token)
	me, err := rest.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch profile: %w", err)
	}

	session := client.New(client.Config{URL: socketURL, Token: *token, RequestTimeout: *timeout})
	a := &app{
		rest:    rest,
		session: session,
		chat:    conversation.New(me.ID, session),
		typist:  conversation.NewTypist(session),
		inbox:   inbox.New(rest, session),
		me:      me,
		out:     out,
	}
	session.Subscribe(a.chat)
	session.Subscribe(a.inbox)
	session.Subscribe(a)

	inboxCtx, stopInbox := context.WithCancel(ctx)
	defer stopInbox()
	go a.inbox.Run(inboxCtx)

	if err := session.Open(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = session.Close() }()

	a.printf("Signed in as %s. Type /help for commands.\n", me.UserName)
	if err := a.listChats(ctx); err != nil {
		a.printf("! %v\n", err)
	}

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			more, err := a.handle(ctx, line)
			if err != nil {
				a.printf("! %v\n", err)
			}
			if !more {
				return nil
			}
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("chatctl: %v", err)
	}
}
