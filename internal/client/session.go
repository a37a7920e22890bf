// Package client holds the connection manager of the chat core: one Session
// per credential owning one socket, bounded reconnection, request/ack
// correlation, presence tracking and in-order event dispatch.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"touchline/internal/models"
	"touchline/internal/protocol"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = time.Second
	DefaultConnectTimeout       = 20 * time.Second
	DefaultRequestTimeout       = 10 * time.Second

	eventQueueSize = 256
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoCredential = errors.New("no credential")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTimeout      = errors.New("request timed out")
)

// TransportError is returned when the server explicitly rejects a request.
type TransportError struct {
	Event   string
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Event, e.Message)
}

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

type Config struct {
	// URL of the socket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ConnectTimeout       time.Duration
	// RequestTimeout bounds every request/response operation. Negative disables it.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// run is the lifetime of one Open: a supervisor goroutine reading the socket
// (and re-dialing it) and a dispatcher goroutine delivering its events.
type run struct {
	cancel     context.CancelFunc
	events     chan Event
	done       chan struct{}
	dispatched chan struct{}
}

type Session struct {
	cfg    Config
	dial   dialFunc
	logger *slog.Logger

	ackSeq atomic.Uint64

	mu    sync.Mutex
	state State
	link  *link
	run   *run
	// retired is a run that gave up reconnecting and may still be
	// delivering its last events.
	retired   *run
	userID    string
	online    map[string]struct{}
	listeners map[uint64]Listener
	listenSeq uint64
}

func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		dial:      websocketDialer(cfg.ConnectTimeout),
		logger:    slog.Default().With("component", "chat_session"),
		state:     StateDisconnected,
		online:    make(map[string]struct{}),
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe registers l for every subsequent event and returns a function removing it.
func (s *Session) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listenSeq++
	id := s.listenSeq
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID is the identity the server reported for the current credential.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Open connects with the configured credential. It does nothing and returns
// ErrNoCredential while the token is empty, and nothing at all when the session
// is already open. ctx only bounds the initial connection; the session lives until Close.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.cfg.Token == "" {
		s.mu.Unlock()
		return ErrNoCredential
	}
	if s.run != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		cancel:     cancel,
		events:     make(chan Event, eventQueueSize),
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	s.run = r
	s.state = StateConnecting
	token := s.cfg.Token
	prev := s.retired
	s.mu.Unlock()

	// A Close racing with the initial dial aborts it.
	connectCtx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(runCtx, stop)
	defer unlink()

	l, err := s.connect(connectCtx, token, 1+s.cfg.MaxReconnectAttempts)
	if err != nil {
		cancel()
		close(r.done)
		close(r.dispatched)
		s.mu.Lock()
		if s.run == r {
			s.run = nil
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		return err
	}

	s.install(l)
	go s.dispatch(prev, r.events, r.dispatched)
	go s.supervise(runCtx, r, l, token)
	return nil
}

// Close tears the connection down and stops reconnection. Pending requests
// fail with ErrNotConnected. It returns once every listener has seen the final
// Disconnected event, so it must not be called from a listener.
func (s *Session) Close() error {
	s.mu.Lock()
	runs := []*run{s.run, s.retired}
	s.run, s.retired = nil, nil
	s.mu.Unlock()

	if runs[0] == nil && runs[1] == nil {
		return nil
	}
	for _, r := range runs {
		if r == nil {
			continue
		}
		r.cancel()
		<-r.done
		<-r.dispatched
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	return nil
}

// Rebind replaces the credential: the previous connection is closed and a new
// one opened when token is not empty.
func (s *Session) Rebind(ctx context.Context, token string) error {
	if err := s.Close(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg.Token = token
	s.userID = ""
	s.mu.Unlock()

	if token == "" {
		return nil
	}
	return s.Open(ctx)
}

func (s *Session) connect(ctx context.Context, token string, attempts int) (*link, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.ReconnectDelay):
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		ws, err := s.dial(dialCtx, s.cfg.URL, token)
		cancel()
		if err == nil {
			return newLink(ws), nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		s.logger.Debug("connect attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("connect failed after %d attempts: %w", attempts, lastErr)
}

func (s *Session) install(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link = l
	s.state = StateConnected
}

// drop forgets l and the presence it carried.
func (s *Session) drop(l *link) {
	s.mu.Lock()
	if s.link == l {
		s.link = nil
		clear(s.online)
	}
	s.mu.Unlock()
	l.fail()
	l.close()
}

func (s *Session) currentLink() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// supervise owns the run: it reads l until it fails and re-dials up to
// MaxReconnectAttempts times. It is the only sender on r.events.
func (s *Session) supervise(ctx context.Context, r *run, l *link, token string) {
	defer close(r.done)
	defer close(r.events)

	for {
		stop := context.AfterFunc(ctx, l.close)
		err := l.readLoop(func(env protocol.Envelope) {
			ev, err := decodeEvent(env)
			if err != nil {
				s.logger.Warn("dropping malformed event", "event", env.Event, "error", err)
				return
			}
			s.observe(ev)
			r.events <- ev
		})
		stop()
		s.drop(l)

		if ctx.Err() != nil {
			r.events <- Disconnected{Closed: true}
			return
		}

		s.logger.Info("connection lost", "error", err)
		s.setState(StateConnecting)
		r.events <- Disconnected{Err: err}

		l, err = s.connect(ctx, token, s.cfg.MaxReconnectAttempts)
		if err != nil {
			if ctx.Err() != nil {
				r.events <- Disconnected{Closed: true}
				return
			}
			s.logger.Warn("giving up reconnecting", "error", err)
			s.mu.Lock()
			if s.run == r {
				s.run = nil
				s.retired = r
			}
			s.state = StateDisconnected
			s.mu.Unlock()
			r.events <- Disconnected{Err: err, Exhausted: true}
			return
		}
		s.install(l)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// observe applies session-owned state (identity and presence) before listeners see the event.
func (s *Session) observe(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case Connected:
		s.userID = e.UserID
	case UserOnline:
		s.online[e.UserID] = struct{}{}
	case UserOffline:
		delete(s.online, e.UserID)
	case OnlineUsersSnapshot:
		clear(s.online)
		for _, id := range e.UserIDs {
			s.online[id] = struct{}{}
		}
	}
}

// dispatch delivers events to the listeners. A run started after prev gave up
// waits for prev's listeners to finish first.
func (s *Session) dispatch(prev *run, events <-chan Event, done chan<- struct{}) {
	defer close(done)
	if prev != nil {
		<-prev.dispatched
	}
	for ev := range events {
		s.mu.Lock()
		ids := make([]uint64, 0, len(s.listeners))
		for id := range s.listeners {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		listeners := make([]Listener, len(ids))
		for i, id := range ids {
			listeners[i] = s.listeners[id]
		}
		s.mu.Unlock()

		for _, l := range listeners {
			l.HandleEvent(ev)
		}
	}
}

// OnlineUsers returns the locally known online users, sorted.
func (s *Session) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]string, 0, len(s.online))
	for id := range s.online {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (s *Session) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok
}

func (s *Session) request(ctx context.Context, event string, payload, out any) error {
	l := s.currentLink()
	if l == nil {
		return ErrNotConnected
	}

	id := s.ackSeq.Add(1)
	env, err := protocol.NewEnvelope(event, id, payload)
	if err != nil {
		return err
	}

	ch := l.register(id)
	if ch == nil {
		return ErrNotConnected
	}
	defer l.unregister(id)

	if err := l.write(env); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.cfg.RequestTimeout, ErrTimeout)
		defer cancel()
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return reply.Decode(out)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *Session) signal(event string, payload any) {
	l := s.currentLink()
	if l == nil {
		return
	}
	env, err := protocol.NewEnvelope(event, 0, payload)
	if err != nil {
		s.logger.Debug("failed to encode signal", "event", event, "error", err)
		return
	}
	if err := l.write(env); err != nil {
		s.logger.Debug("failed to send signal", "event", event, "error", err)
	}
}

// SendMessage sends a message and returns it as confirmed by the server.
func (s *Session) SendMessage(ctx context.Context, chatID, receiverID, content string, messageType models.MessageType, mediaURL string) (models.Message, error) {
	var resp protocol.SendMessageResponse
	err := s.request(ctx, protocol.EventSendMessage, protocol.SendMessageRequest{
		ChatID:      chatID,
		ReceiverID:  receiverID,
		MessageType: messageType,
		Content:     content,
		MediaURL:    mediaURL,
	}, &resp)
	if err != nil {
		return models.Message{}, err
	}
	if resp.Error != nil {
		return models.Message{}, &TransportError{Event: protocol.EventSendMessage, Message: resp.Error.Message}
	}
	if resp.Message == nil {
		return models.Message{}, &TransportError{Event: protocol.EventSendMessage, Message: "empty response"}
	}
	return *resp.Message, nil
}

// MarkAsRead is best effort: failures are logged and never returned.
func (s *Session) MarkAsRead(ctx context.Context, chatID string) {
	var resp protocol.SuccessResponse
	if err := s.request(ctx, protocol.EventMarkMessagesRead, protocol.ChatRequest{ChatID: chatID}, &resp); err != nil {
		s.logger.Debug("mark as read failed", "chat_id", chatID, "error", err)
		return
	}
	if !resp.Success {
		s.logger.Debug("mark as read rejected", "chat_id", chatID)
	}
}

func (s *Session) StartTyping(chatID, receiverID string) {
	s.signal(protocol.EventTypingStart, protocol.TypingSignal{ChatID: chatID, ReceiverID: receiverID})
}

func (s *Session) StopTyping(chatID, receiverID string) {
	s.signal(protocol.EventTypingStop, protocol.TypingSignal{ChatID: chatID, ReceiverID: receiverID})
}

func (s *Session) BlockUser(ctx context.Context, chatID string) (models.Chat, error) {
	return s.chatRequest(ctx, protocol.EventBlockUser, chatID)
}

func (s *Session) UnblockUser(ctx context.Context, chatID string) (models.Chat, error) {
	return s.chatRequest(ctx, protocol.EventUnblockUser, chatID)
}

func (s *Session) chatRequest(ctx context.Context, event, chatID string) (models.Chat, error) {
	var resp protocol.ChatResponse
	if err := s.request(ctx, event, protocol.ChatRequest{ChatID: chatID}, &resp); err != nil {
		return models.Chat{}, err
	}
	if resp.Error != nil {
		return models.Chat{}, &TransportError{Event: event, Message: resp.Error.Message}
	}
	if !resp.Success || resp.Chat == nil {
		return models.Chat{}, &TransportError{Event: event, Message: "request failed"}
	}
	return *resp.Chat, nil
}

// GetOnlineUsers asks the server for a presence snapshot. Without a connection,
// or on any failure, it returns an empty result.
func (s *Session) GetOnlineUsers(ctx context.Context) models.OnlineUsers {
	var resp protocol.OnlineUsersResponse
	if err := s.request(ctx, protocol.EventGetOnlineUsers, nil, &resp); err != nil {
		s.logger.Debug("get online users failed", "error", err)
		return models.OnlineUsers{OnlineUsers: []string{}}
	}
	if !resp.Success {
		return models.OnlineUsers{OnlineUsers: []string{}}
	}
	s.observe(OnlineUsersSnapshot{UserIDs: resp.OnlineUsers})
	users := resp.OnlineUsers
	if users == nil {
		users = []string{}
	}
	return models.OnlineUsers{OnlineUsers: users, Count: resp.Count}
}
