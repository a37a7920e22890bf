package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"touchline/internal/broker"
	"touchline/internal/content"
	"touchline/internal/models"
	"touchline/internal/notify"
	"touchline/internal/protocol"
	"touchline/internal/storage"
	"touchline/internal/thread"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// threadCacheSize is the number of recent messages kept per conversation.
	threadCacheSize = 100
	outboxSize      = 256
	publishQueue    = 1024
	publishTimeout  = 2 * time.Second
	notifyTimeout   = 10 * time.Second

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Store is the persistence the hub works on.
type Store interface {
	GetUser(id string) (models.User, error)
	GetChat(id string) (models.Chat, error)
	FindDirectChat(a, b string) (models.Chat, error)
	UpsertChat(chat models.Chat) error
	ListChatsFor(userID string) ([]models.Chat, error)
	HideChat(chatID, userID string) error
	AppendMessage(message models.Message, summary string) error
	ListMessages(chatID string, limit int, before time.Time) ([]models.Message, error)
	MarkRead(chatID, readerID string, at time.Time) (int, error)
	UnreadCount(chatID, userID string) (int, error)
}

type Hub struct {
	store      Store
	broker     broker.Broker
	notifier   notify.Notifier
	instanceID string
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string

	mu sync.RWMutex
	// userID -> connection id -> outbound queue
	conns   map[string]map[uint64]chan protocol.Envelope
	threads map[string]*thread.Thread
	connSeq uint64

	// envelopes for other instances, published in order by Run
	outgoing chan broker.Message
}

func NewHub(store Store, b broker.Broker, notifier notify.Notifier) *Hub {
	if b == nil {
		b = broker.NewLocal()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	instanceID := uuid.NewString()
	return &Hub{
		store:      store,
		broker:     b,
		notifier:   notifier,
		instanceID: instanceID,
		logger:     slog.Default().With("component", "hub", "instance", instanceID[:8]),
		now:        time.Now,
		newID:      uuid.NewString,
		conns:      make(map[string]map[uint64]chan protocol.Envelope),
		threads:    make(map[string]*thread.Thread),
		outgoing:   make(chan broker.Message, publishQueue),
	}
}

// Run publishes this instance's envelopes and relays the ones published by
// other instances until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.forward(ctx)
		return nil
	})
	g.Go(func() error {
		return h.broker.Subscribe(ctx, h.instanceID, func(msg broker.Message) {
			if msg.UserID == "" {
				h.broadcastLocal(msg.Except, msg.Envelope)
				return
			}
			h.deliverLocal(msg.UserID, msg.Envelope)
		})
	})
	return g.Wait()
}

func (h *Hub) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.outgoing:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := h.broker.Publish(pctx, msg); err != nil {
				h.logger.Warn("failed to publish", "event", msg.Envelope.Event, "error", err)
			}
			cancel()
		}
	}
}

// Join registers a new connection of userID. The returned queue already holds
// the connected and online_users pushes.
func (h *Hub) Join(userID string) (uint64, <-chan protocol.Envelope) {
	h.mu.Lock()
	h.connSeq++
	connID := h.connSeq
	ch := make(chan protocol.Envelope, outboxSize)

	first := len(h.conns[userID]) == 0
	if first {
		h.conns[userID] = make(map[uint64]chan protocol.Envelope)
		for _, th := range h.threads {
			th.Join(userID)
		}
	}
	h.conns[userID][connID] = ch
	online := h.onlineLocked()
	h.mu.Unlock()

	h.enqueue(ch, userID, protocol.EventConnected, protocol.ConnectedPush{UserID: userID})
	h.enqueue(ch, userID, protocol.EventOnlineUsers, protocol.OnlineUsersResponse{
		Success: true, OnlineUsers: online, Count: len(online),
	})

	if first {
		h.logger.Info("user online", "user_id", userID)
		h.broadcast(userID, protocol.EventUserOnline, protocol.PresencePush{UserID: userID})
	}
	return connID, ch
}

// Leave unregisters a connection and closes its queue.
func (h *Hub) Leave(userID string, connID uint64) {
	h.mu.Lock()
	set, ok := h.conns[userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if ch, ok := set[connID]; ok {
		close(ch)
		delete(set, connID)
	}
	last := len(set) == 0
	if last {
		delete(h.conns, userID)
		for _, th := range h.threads {
			th.Leave(userID)
		}
	}
	h.mu.Unlock()

	if last {
		h.logger.Info("user offline", "user_id", userID)
		h.broadcast(userID, protocol.EventUserOffline, protocol.PresencePush{UserID: userID})
	}
}

func (h *Hub) enqueue(ch chan protocol.Envelope, userID, event string, data any) {
	env, err := protocol.NewEnvelope(event, 0, data)
	if err != nil {
		h.logger.Error("failed to build push", "event", event, "error", err)
		return
	}
	select {
	case ch <- env:
	default:
		h.logger.Warn("outbox full, dropping push", "user_id", userID, "event", event)
	}
}

func (h *Hub) deliverLocal(userID string, env protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.conns[userID] {
		select {
		case ch <- env:
		default:
			h.logger.Warn("outbox full, dropping push", "user_id", userID, "event", env.Event)
		}
	}
}

func (h *Hub) broadcastLocal(except string, env protocol.Envelope) {
	h.mu.RLock()
	users := make([]string, 0, len(h.conns))
	for id := range h.conns {
		if id != except {
			users = append(users, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range users {
		h.deliverLocal(id, env)
	}
}

// publish queues msg for other instances without waiting for the broker.
func (h *Hub) publish(msg broker.Message) {
	msg.Origin = h.instanceID
	select {
	case h.outgoing <- msg:
	default:
		h.logger.Warn("publish queue full, dropping", "event", msg.Envelope.Event)
	}
}

// push sends an event to every connection of userID on every instance.
func (h *Hub) push(userID, event string, data any) {
	env, err := protocol.NewEnvelope(event, 0, data)
	if err != nil {
		h.logger.Error("failed to build push", "event", event, "error", err)
		return
	}
	h.deliverLocal(userID, env)
	h.publish(broker.Message{UserID: userID, Envelope: env})
}

// broadcast sends an event to every connected user except one.
func (h *Hub) broadcast(except, event string, data any) {
	env, err := protocol.NewEnvelope(event, 0, data)
	if err != nil {
		h.logger.Error("failed to build push", "event", event, "error", err)
		return
	}
	h.broadcastLocal(except, env)
	h.publish(broker.Message{Except: except, Envelope: env})
}

func (h *Hub) onlineLocked() []string {
	users := make([]string, 0, len(h.conns))
	for id := range h.conns {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// OnlineUsers returns the users with at least one connection to this instance.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// thread returns the live state of a chat, loading it on first use.
func (h *Hub) thread(chatID string) (*thread.Thread, error) {
	h.mu.RLock()
	th, ok := h.threads[chatID]
	h.mu.RUnlock()
	if ok {
		return th, nil
	}

	chat, err := h.store.GetChat(chatID)
	if err != nil {
		return nil, err
	}
	history, err := h.store.ListMessages(chatID, threadCacheSize, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", chatID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if th, ok := h.threads[chatID]; ok {
		return th, nil
	}
	th = thread.New(thread.Config{
		Chat:           chat,
		MaxRecords:     threadCacheSize,
		History:        history,
		Complete:       len(history) < threadCacheSize,
		RecordCallback: h.handleRecord,
	})
	for _, id := range th.Participants {
		if len(h.conns[id]) > 0 {
			th.Join(id)
		}
	}
	h.threads[chatID] = th
	return th, nil
}

// participantThread loads the chat and checks that userID takes part in it.
func (h *Hub) participantThread(userID, chatID string) (*thread.Thread, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", models.ErrInvalid)
	}
	th, err := h.thread(chatID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(th.Participants, userID) {
		return nil, fmt.Errorf("chat %s: %w", chatID, models.ErrForbidden)
	}
	return th, nil
}

func (h *Hub) handleRecord(receiverID string, online bool, msg models.Message) {
	if receiverID == msg.SenderID {
		h.push(receiverID, protocol.EventMessageSent, protocol.MessagePush{Success: true, Message: msg})
		return
	}
	h.push(receiverID, protocol.EventNewMessage, protocol.MessagePush{Message: msg})
	if !online {
		go h.notifyOffline(receiverID, msg)
	}
}

// notifyOffline sends a web push about msg. It runs off the request path.
func (h *Hub) notifyOffline(receiverID string, msg models.Message) {
	title := "New message"
	if sender, err := h.store.GetUser(msg.SenderID); err == nil {
		title = sender.DisplayName
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	h.notifier.Notify(ctx, receiverID, notify.Notification{
		Title:  title,
		Body:   content.Preview(msg.Type, msg.Content),
		ChatID: msg.ChatID,
	})
}

// SendMessage validates, stores and fans out a message from senderID.
func (h *Hub) SendMessage(senderID string, req protocol.SendMessageRequest) (models.Message, error) {
	th, err := h.participantThread(senderID, req.ChatID)
	if err != nil {
		return models.Message{}, err
	}
	if err := th.CanSend(senderID); err != nil {
		return models.Message{}, err
	}
	receiverID := th.Peer(senderID)
	if req.ReceiverID != "" && req.ReceiverID != receiverID {
		return models.Message{}, fmt.Errorf("%w: receiver is not the other participant", models.ErrInvalid)
	}

	msg, err := th.Append(func() (models.Message, string, error) {
		now := h.now().UTC()
		msg := models.Message{
			ID:         h.newID(),
			ChatID:     req.ChatID,
			SenderID:   senderID,
			ReceiverID: receiverID,
			Content:    content.Sanitize(req.Content),
			MediaURL:   req.MediaURL,
			Type:       req.MessageType,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := msg.Validate(); err != nil {
			return models.Message{}, "", err
		}

		summary := content.Preview(msg.Type, msg.Content)
		if err := h.store.AppendMessage(msg, summary); err != nil {
			return models.Message{}, "", fmt.Errorf("failed to store message: %w", err)
		}
		return msg, summary, nil
	})
	if err != nil {
		return models.Message{}, err
	}

	chat := th.Chat()
	for _, id := range th.Participants {
		h.push(id, protocol.EventChatUpdated, chat)
	}
	return msg, nil
}

// MarkRead marks the messages addressed to readerID as read and tells both sides.
func (h *Hub) MarkRead(readerID, chatID string) error {
	th, err := h.participantThread(readerID, chatID)
	if err != nil {
		return err
	}
	now := h.now().UTC()
	if _, err := h.store.MarkRead(chatID, readerID, now); err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	th.MarkRead(readerID, now)

	h.push(readerID, protocol.EventMessagesMarkedRead, protocol.MarkedReadPush{Success: true, ChatID: chatID})
	h.push(th.Peer(readerID), protocol.EventMessagesReadByOther, protocol.ReadByOtherPush{ChatID: chatID, ReadByUserID: readerID})
	return nil
}

// Typing forwards a typing signal to the other participant. Signals for
// blocked chats and from strangers are dropped.
func (h *Hub) Typing(userID string, signal protocol.TypingSignal, started bool) {
	th, err := h.participantThread(userID, signal.ChatID)
	if err != nil {
		h.logger.Debug("dropping typing signal", "user_id", userID, "chat_id", signal.ChatID, "error", err)
		return
	}
	if th.CanSend(userID) != nil {
		return
	}
	event := protocol.EventUserStoppedTyping
	if started {
		event = protocol.EventUserTyping
	}
	h.push(th.Peer(userID), event, protocol.TypingPush{ChatID: signal.ChatID, UserID: userID})
}

// SetBlocked blocks or unblocks a chat on behalf of userID. The socket and
// the REST API both end up here.
func (h *Hub) SetBlocked(userID, chatID string, blocked bool) (models.Chat, error) {
	th, err := h.participantThread(userID, chatID)
	if err != nil {
		return models.Chat{}, err
	}

	chat, changed, err := th.SetBlocked(userID, blocked, h.now().UTC())
	if err != nil {
		return models.Chat{}, err
	}
	if !changed {
		return chat, nil
	}
	if err := h.store.UpsertChat(chat); err != nil {
		// Only userID could have made the change, so userID can undo it.
		if _, _, rerr := th.SetBlocked(userID, !blocked, chat.UpdatedAt); rerr != nil {
			h.logger.Error("failed to roll back block state", "chat_id", chatID, "error", rerr)
		}
		return models.Chat{}, fmt.Errorf("failed to store chat: %w", err)
	}

	peerID := th.Peer(userID)
	if blocked {
		h.push(userID, protocol.EventUserBlocked, protocol.ChatResponse{Success: true, Chat: &chat})
		h.push(peerID, protocol.EventYouWereBlocked, protocol.BlockedPush{ChatID: chatID, BlockedByUserID: userID})
		h.push(peerID, protocol.EventUserStoppedTyping, protocol.TypingPush{ChatID: chatID, UserID: userID})
	} else {
		h.push(userID, protocol.EventUserUnblocked, protocol.ChatResponse{Success: true, Chat: &chat})
		h.push(peerID, protocol.EventYouWereUnblocked, protocol.UnblockedPush{ChatID: chatID, UnblockedByUserID: userID})
	}
	for _, id := range th.Participants {
		h.push(id, protocol.EventChatUpdated, chat)
	}
	h.logger.Info("block state changed", "chat_id", chatID, "user_id", userID, "blocked", blocked)
	return chat, nil
}

// StartChat returns the direct chat between userID and peerID, creating it on first use.
func (h *Hub) StartChat(userID, peerID string) (models.Chat, error) {
	if peerID == "" || peerID == userID {
		return models.Chat{}, fmt.Errorf("%w: peer must be another user", models.ErrInvalid)
	}
	if _, err := h.store.GetUser(peerID); err != nil {
		return models.Chat{}, err
	}

	chat, err := h.store.FindDirectChat(userID, peerID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.Chat{}, err
	}

	participants := []string{userID, peerID}
	sort.Strings(participants)
	now := h.now().UTC()
	chat = models.Chat{
		ID:           storage.DirectChatID(userID, peerID),
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.UpsertChat(chat); err != nil {
		return models.Chat{}, fmt.Errorf("failed to create chat: %w", err)
	}
	h.logger.Info("chat created", "chat_id", chat.ID)
	return chat, nil
}

// Chat returns the current state of a chat userID takes part in.
func (h *Hub) Chat(userID, chatID string) (models.Chat, error) {
	th, err := h.participantThread(userID, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	return th.Chat(), nil
}

// History returns up to limit messages older than before, oldest first. The
// newest page is served from the thread cache when it can answer it.
func (h *Hub) History(userID, chatID string, limit int, before time.Time) ([]models.Message, error) {
	th, err := h.participantThread(userID, chatID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	if before.IsZero() {
		if msgs, ok := th.Last(limit); ok {
			return msgs, nil
		}
	}
	return h.store.ListMessages(chatID, limit, before)
}

// Previews lists the conversations of userID, most recent first.
func (h *Hub) Previews(userID string) ([]models.Preview, error) {
	chats, err := h.store.ListChatsFor(userID)
	if err != nil {
		return nil, err
	}

	previews := make([]models.Preview, 0, len(chats))
	for _, chat := range chats {
		// cached threads know about blocks and messages the list may not have seen yet
		h.mu.RLock()
		if th, ok := h.threads[chat.ID]; ok {
			chat = th.Chat()
		}
		h.mu.RUnlock()

		peerID := chat.OtherParticipant(userID)
		peer, err := h.store.GetUser(peerID)
		if err != nil {
			peer = models.User{ID: peerID, DisplayName: "Unknown user"}
		}
		unread, err := h.store.UnreadCount(chat.ID, userID)
		if err != nil {
			return nil, err
		}
		previews = append(previews, models.Preview{
			ChatID:      chat.ID,
			Peer:        peer,
			LastMessage: chat.LastMessage,
			UpdatedAt:   chat.UpdatedAt,
			IsBlocked:   chat.IsBlocked,
			BlockedBy:   chat.BlockedBy,
			Unread:      unread,
			Online:      h.IsOnline(peerID),
		})
	}
	sort.SliceStable(previews, func(i, j int) bool {
		return previews[i].UpdatedAt.After(previews[j].UpdatedAt)
	})
	return previews, nil
}

// DeleteChat hides the chat from the list of userID until the next message.
func (h *Hub) DeleteChat(userID, chatID string) error {
	th, err := h.participantThread(userID, chatID)
	if err != nil {
		return err
	}
	if err := h.store.HideChat(chatID, userID); err != nil {
		return err
	}
	h.push(userID, protocol.EventChatUpdated, th.Chat())
	return nil
}

// Dispatch handles one envelope from a connection of userID. Requests get
// their ack back, signals return nil.
func (h *Hub) Dispatch(_ context.Context, userID string, env protocol.Envelope) *protocol.Envelope {
	var reply any
	switch env.Event {
	case protocol.EventSendMessage:
		var req protocol.SendMessageRequest
		resp := protocol.SendMessageResponse{}
		if err := env.Decode(&req); err != nil {
			resp.Error = errorPayload(err)
		} else if msg, err := h.SendMessage(userID, req); err != nil {
			resp.Error = errorPayload(err)
		} else {
			resp.Message = &msg
		}
		reply = resp

	case protocol.EventMarkMessagesRead:
		var req protocol.ChatRequest
		resp := protocol.SuccessResponse{Success: true}
		err := env.Decode(&req)
		if err == nil {
			err = h.MarkRead(userID, req.ChatID)
		}
		if err != nil {
			resp = protocol.SuccessResponse{Error: errorPayload(err)}
		}
		reply = resp

	case protocol.EventBlockUser, protocol.EventUnblockUser:
		var req protocol.ChatRequest
		var resp protocol.ChatResponse
		err := env.Decode(&req)
		var chat models.Chat
		if err == nil {
			chat, err = h.SetBlocked(userID, req.ChatID, env.Event == protocol.EventBlockUser)
		}
		if err != nil {
			resp.Error = errorPayload(err)
		} else {
			resp = protocol.ChatResponse{Success: true, Chat: &chat}
		}
		reply = resp

	case protocol.EventGetOnlineUsers:
		online := h.OnlineUsers()
		reply = protocol.OnlineUsersResponse{Success: true, OnlineUsers: online, Count: len(online)}

	case protocol.EventTypingStart, protocol.EventTypingStop:
		var signal protocol.TypingSignal
		if err := env.Decode(&signal); err != nil {
			h.logger.Debug("bad typing signal", "user_id", userID, "error", err)
		} else {
			h.Typing(userID, signal, env.Event == protocol.EventTypingStart)
		}
		return nil

	default:
		h.logger.Warn("unknown event", "user_id", userID, "event", env.Event)
		reply = protocol.ErrorPayload{Message: "unknown event " + env.Event}
		if env.Ack == 0 {
			out, err := protocol.NewEnvelope(protocol.EventError, 0, reply)
			if err != nil {
				return nil
			}
			return &out
		}
	}

	if env.Ack == 0 {
		return nil
	}
	out, err := protocol.NewEnvelope(protocol.EventAck, env.Ack, reply)
	if err != nil {
		h.logger.Error("failed to build ack", "event", env.Event, "error", err)
		return nil
	}
	return &out
}

// errorPayload turns an error into the message shown to the user.
func errorPayload(err error) *protocol.ErrorPayload {
	switch {
	case errors.Is(err, thread.ErrYouBlocked):
		return &protocol.ErrorPayload{Message: thread.ErrYouBlocked.Error()}
	case errors.Is(err, thread.ErrBlockedByPeer):
		return &protocol.ErrorPayload{Message: thread.ErrBlockedByPeer.Error()}
	case errors.Is(err, models.ErrNotFound):
		return &protocol.ErrorPayload{Message: "Chat not found"}
	case errors.Is(err, models.ErrForbidden):
		return &protocol.ErrorPayload{Message: "You are not a participant of this chat"}
	}
	return &protocol.ErrorPayload{Message: err.Error()}
}
