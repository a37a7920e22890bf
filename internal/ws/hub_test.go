package ws

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"touchline/internal/broker"
	"touchline/internal/models"
	"touchline/internal/notify"
	"touchline/internal/protocol"
	"touchline/internal/storage"
	"touchline/internal/thread"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]notify.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, msg notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]notify.Notification)
	}
	n.sent[userID] = append(n.sent[userID], msg)
}

func (n *recordingNotifier) For(userID string) []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[userID]
}

func newTestStore(t *testing.T) *storage.BboltStorage {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "touchline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range []models.User{
		{ID: "alice", UserName: "alice", DisplayName: "Alice", Role: models.UserRoleCandidate},
		{ID: "bob", UserName: "bob", DisplayName: "Bob", Role: models.UserRoleEmployer},
		{ID: "carol", UserName: "carol", DisplayName: "Carol", Role: models.UserRoleEmployer},
	} {
		require.NoError(t, store.UpsertUser(u))
	}
	return store
}

// drain returns the events queued so far without blocking.
func drain(ch <-chan protocol.Envelope) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func events(envs []protocol.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Event
	}
	return out
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func find(t *testing.T, envs []protocol.Envelope, event string, v any) {
	t.Helper()
	for _, env := range envs {
		if env.Event == event {
			require.NoError(t, env.Decode(v))
			return
		}
	}
	t.Fatalf("no %s in %v", event, events(envs))
}

// await collects pushes from ch until n have arrived.
func await(t *testing.T, ch <-chan protocol.Envelope, n int) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	require.Eventually(t, func() bool {
		out = append(out, drain(ch)...)
		return len(out) >= n
	}, time.Second, 5*time.Millisecond, "got %v", events(out))
	return out
}

func text(chatID, content string) protocol.SendMessageRequest {
	return protocol.SendMessageRequest{ChatID: chatID, MessageType: models.MessageTypeText, Content: content}
}

func TestHub_JoinAndPresence(t *testing.T) {
	h := NewHub(newTestStore(t), nil, nil)

	_, alice := h.Join("alice")
	assert.Equal(t, []string{protocol.EventConnected, protocol.EventOnlineUsers}, events(drain(alice)))

	bobConn, bob := h.Join("bob")
	var online protocol.OnlineUsersResponse
	find(t, drain(bob), protocol.EventOnlineUsers, &online)
	assert.Equal(t, []string{"alice", "bob"}, online.OnlineUsers)
	assert.Equal(t, 2, online.Count)

	var presence protocol.PresencePush
	find(t, drain(alice), protocol.EventUserOnline, &presence)
	assert.Equal(t, "bob", presence.UserID)

	// a second tab is not a new arrival
	secondConn, _ := h.Join("bob")
	assert.Empty(t, drain(alice))

	h.Leave("bob", secondConn)
	assert.Empty(t, drain(alice))
	assert.True(t, h.IsOnline("bob"))

	h.Leave("bob", bobConn)
	find(t, drain(alice), protocol.EventUserOffline, &presence)
	assert.Equal(t, "bob", presence.UserID)
	assert.False(t, h.IsOnline("bob"))
	assert.Equal(t, []string{"alice"}, h.OnlineUsers())

	_, ok := <-bob
	assert.False(t, ok, "queue is closed on leave")
}

func TestHub_StartChat(t *testing.T) {
	h := NewHub(newTestStore(t), nil, nil)

	chat, err := h.StartChat("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, storage.DirectChatID("alice", "bob"), chat.ID)
	assert.Equal(t, []string{"alice", "bob"}, chat.Participants)

	again, err := h.StartChat("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, chat.ID, again.ID)

	_, err = h.StartChat("alice", "alice")
	assert.ErrorIs(t, err, models.ErrInvalid)

	_, err = h.StartChat("alice", "nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestHub_SendMessage(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	h := NewHub(store, nil, notifier)

	chat, err := h.StartChat("alice", "bob")
	require.NoError(t, err)

	_, alice := h.Join("alice")
	_, bob := h.Join("bob")
	drain(alice)
	drain(bob)

	msg, err := h.SendMessage("alice", text(chat.ID, "hello <script>alert(1)</script>**bob**"))
	require.NoError(t, err)
	assert.Equal(t, "bob", msg.ReceiverID)
	assert.NotContains(t, msg.Content, "<script>")
	assert.False(t, msg.IsTemporary())

	aliceEvents := drain(alice)
	assert.Equal(t, []string{protocol.EventMessageSent, protocol.EventChatUpdated}, events(aliceEvents))
	var sent protocol.MessagePush
	find(t, aliceEvents, protocol.EventMessageSent, &sent)
	assert.True(t, sent.Success)
	assert.Equal(t, msg.ID, sent.Message.ID)

	bobEvents := drain(bob)
	assert.Equal(t, []string{protocol.EventNewMessage, protocol.EventChatUpdated}, events(bobEvents))
	var updated models.Chat
	find(t, bobEvents, protocol.EventChatUpdated, &updated)
	require.NotNil(t, updated.LastMessage)
	assert.Equal(t, msg.ID, updated.LastMessage.ID)
	assert.Equal(t, "hello bob", updated.LastMessage.Summary)

	assert.Empty(t, notifier.For("bob"), "online users get no web push")

	stored, err := store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, stored.Content)

	history, err := h.History("bob", chat.ID, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestHub_SendMessage_Errors(t *testing.T) {
	h := NewHub(newTestStore(t), nil, nil)
	chat, err := h.StartChat("alice", "bob")
	require.NoError(t, err)

	_, err = h.SendMessage("carol", text(chat.ID, "hi"))
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.SendMessage("alice", text("dm_missing", "hi"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.SendMessage("alice", text(chat.ID, "   "))
	assert.ErrorIs(t, err, models.ErrInvalid)

	_, err = h.SendMessage("alice", protocol.SendMessageRequest{ChatID: chat.ID, MessageType: models.MessageTypeImage})
	assert.ErrorIs(t, err, models.ErrInvalid)

	req := text(chat.ID, "hi")
	req.ReceiverID = "carol"
	_, err = h.SendMessage("alice", req)
	assert.ErrorIs(t, err, models.ErrInvalid)
}

func TestHub_ConcurrentSendsKeepOrder(t *testing.T) {
	store := newTestStore(t)
	h := NewHub(store, nil, nil)
	chat, err := h.StartChat("alice", "bob")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		sender := "alice"
		if i%2 == 1 {
			sender = "bob"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.SendMessage(sender, text(chat.ID, fmt.Sprintf("message %d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cached, err := h.History("alice", chat.ID, 0, time.Time{})
	require.NoError(t, err)
	stored, err := store.ListMessages(chat.ID, 50, time.Time{})
	require.NoError(t, err)
	for _, msgs := range [][]models.Message{cached, stored} {
		require.Len(t, msgs, 20)
		for i := 1; i < len(msgs); i++ {
			assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "out of order at %d", i)
		}
	}
	assert.Equal(t, ids(cached), ids(stored))
}

func TestHub_OfflineReceiverIsNotified(t *testing.T) {
	notifier := &recordingNotifier{}
	h := NewHub(newTestStore(t), nil, notifier)
	chat, err := h.StartChat("alice", "bob")
	require.NoError(t, err)

	_, err = h.SendMessage("alice", text(chat.ID, "are you there?"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(notifier.For("bob")) == 1 }, time.Second, 5*time.Millisecond)
	got := notifier.For("bob")
	assert.Equal(t, "Alice", got[0].Title)
	assert.Equal(t, "are you there?", got[0].Body)
	assert.Equal(t, chat.ID, got[0].ChatID)
	assert.Empty(t, notifier.For("alice"))
}

func TestHub_MarkRead(t *testing.T) {
	store := newTestStore(t)
	h := NewHub(store, nil, nil)
	chat, err := h.StartChat("alice", "bob")
	require.NoError(t, err)

	_, err = h.SendMessage("alice", text(chat.ID, "one"))
	require.NoError(t, err)
	_, err = h.SendMessage("alice", text(chat.ID, "two"))
	require.NoError(t, err)

	unread, err := store.UnreadCount(chat.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	_, alice := h.Join("alice")
	_, bob := h.Join("bob")
	drain(alice)
	drain(bob)

	require.NoError(t, h.MarkRead("bob", chat.ID))

	var marked protocol.MarkedReadPush
	find(t, drain(bob), protocol.EventMessagesMarkedRead, &marked)
	assert.Equal(t, chat.ID, marked.ChatID)

	var readBy protocol.ReadByOtherPush
	find(t, drain(alice), protocol.EventMessagesReadByOther, &readBy)
	assert.Equal(t, "bob", readBy.ReadByUserID)

	unread, err = store.UnreadCount(chat.ID, "bob")
	require.NoError(t, err)
	assert.Zero(t, unread)

	history, err := h.History("alice", chat.ID, 10, time.Time{})
	require.NoError(t, err)
	for _, m := range history {
		assert.True(t, m.IsRead)
	}
}

func TestHub_Block(t *testing.T) {
	store := newTestStore(t)
	h := NewHub(store, nil, nil)
	chat, err := h.StartChat("alice", "bob")
	require.NoError(t, err)

	_, alice := h.Join("alice")
	_, bob := h.Join("bob")
	drain(alice)
	drain(bob)

	blocked, err := h.SetBlocked("alice", chat.ID, true)
	require.NoError(t, err)
	assert.True(t, blocked.IsBlocked)
	assert.Equal(t, "alice", blocked.BlockedBy)

	assert.Equal(t, []string{protocol.EventUserBlocked, protocol.EventChatUpdated}, events(drain(alice)))
	bobEvents := drain(bob)
	assert.Equal(t, []string{protocol.EventYouWereBlocked, protocol.EventUserStoppedTyping, protocol.EventChatUpdated}, events(bobEvents))
	var push protocol.BlockedPush
	find(t, bobEvents, protocol.EventYouWereBlocked, &push)
	assert.Equal(t, "alice", push.BlockedByUserID)

	persisted, err := store.GetChat(chat.ID)
	require.NoError(t, err)
	assert.True(t, persisted.IsBlocked)

	_, err = h.SendMessage("alice", text(chat.ID, "hi"))
	assert.ErrorIs(t, err, thread.ErrYouBlocked)
	_, err = h.SendMessage("bob", text(chat.ID, "hi"))
	assert.ErrorIs(t, err, thread.ErrBlockedByPeer)

	h.Typing("bob", protocol.TypingSignal{ChatID: chat.ID}, true)
	assert.Empty(t, drain(alice), "typing is dropped in blocked chats")

	_, err = h.SetBlocked("bob", chat.ID, false)
	assert.ErrorIs(t, err, thread.ErrBlockedByPeer)

	unblocked, err := h.SetBlocked("alice", chat.ID, false)
	require.NoError(t, err)
	assert.False(t, unblocked.IsBlocked)
	var unblockPush protocol.UnblockedPush
	find(t, drain(bob), protocol.EventYouWereUnblocked, &unblockPush)
	assert.Equal(t, "alice", unblockPush.UnblockedByUserID)

	_, err = h.SendMessage("bob", text(chat.ID, "thanks"))
	require.NoError(t, err)
}

func TestHub_Typing(t *testing.T) {
	h := NewHub(newTestStore(t), nil, nil)
	chat, err := h.StartChat("alice", "bob")
	require.NoError(t, err)

	_, alice := h.Join("alice")
	_, bob := h.Join("bob")
	drain(alice)
	drain(bob)

	h.Typing("alice", protocol.TypingSignal{ChatID: chat.ID, ReceiverID: "bob"}, true)
	var typing protocol.TypingPush
	find(t, drain(bob), protocol.EventUserTyping, &typing)
	assert.Equal(t, "alice", typing.UserID)
	assert.Equal(t, chat.ID, typing.ChatID)

	h.Typing("alice", protocol.TypingSignal{ChatID: chat.ID}, false)
	assert.Equal(t, []string{protocol.EventUserStoppedTyping}, events(drain(bob)))
	assert.Empty(t, drain(alice))

	h.Typing("carol", protocol.TypingSignal{ChatID: chat.ID}, true)
	assert.Empty(t, drain(bob))
}

func TestHub_PreviewsAndDelete(t *testing.T) {
	h := NewHub(newTestStore(t), nil, nil)
	withBob, err := h.StartChat("alice", "bob")
	require.NoError(t, err)
	withCarol, err := h.StartChat("alice", "carol")
	require.NoError(t, err)

	_, err = h.SendMessage("bob", text(withBob.ID, "first"))
	require.NoError(t, err)
	_, err = h.SendMessage("carol", text(withCarol.ID, "_second_"))
	require.NoError(t, err)
	h.Join("carol")

	previews, err := h.Previews("alice")
	require.NoError(t, err)
	require.Len(t, previews, 2)
	assert.Equal(t, withCarol.ID, previews[0].ChatID)
	assert.Equal(t, "Carol", previews[0].Peer.DisplayName)
	assert.Equal(t, "second", previews[0].LastMessage.Summary)
	assert.Equal(t, 1, previews[0].Unread)
	assert.True(t, previews[0].Online)
	assert.Equal(t, withBob.ID, previews[1].ChatID)
	assert.False(t, previews[1].Online)

	require.NoError(t, h.DeleteChat("alice", withCarol.ID))
	previews, err = h.Previews("alice")
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Equal(t, withBob.ID, previews[0].ChatID)

	// a new message brings the chat back
	_, err = h.SendMessage("carol", text(withCarol.ID, "hello again"))
	require.NoError(t, err)
	previews, err = h.Previews("alice")
	require.NoError(t, err)
	assert.Len(t, previews, 2)

	assert.ErrorIs(t, h.DeleteChat("bob", withCarol.ID), models.ErrForbidden)
}

func TestHub_Dispatch(t *testing.T) {
	h := NewHub(newTestStore(t), nil, nil)
	chat, err := h.StartChat("alice", "bob")
	require.NoError(t, err)
	ctx := context.Background()

	req, err := protocol.NewEnvelope(protocol.EventSendMessage, 3, text(chat.ID, "via socket"))
	require.NoError(t, err)
	reply := h.Dispatch(ctx, "alice", req)
	require.NotNil(t, reply)
	assert.Equal(t, protocol.EventAck, reply.Event)
	assert.Equal(t, uint64(3), reply.Ack)
	var sent protocol.SendMessageResponse
	require.NoError(t, reply.Decode(&sent))
	require.Nil(t, sent.Error)
	require.NotNil(t, sent.Message)
	assert.Equal(t, "via socket", sent.Message.Content)

	req, err = protocol.NewEnvelope(protocol.EventSendMessage, 4, text(chat.ID, "intruder"))
	require.NoError(t, err)
	reply = h.Dispatch(ctx, "carol", req)
	require.NotNil(t, reply)
	var failed protocol.SendMessageResponse
	require.NoError(t, reply.Decode(&failed))
	require.NotNil(t, failed.Error)
	assert.Equal(t, "You are not a participant of this chat", failed.Error.Message)

	req, err = protocol.NewEnvelope(protocol.EventBlockUser, 5, protocol.ChatRequest{ChatID: chat.ID})
	require.NoError(t, err)
	reply = h.Dispatch(ctx, "bob", req)
	require.NotNil(t, reply)
	var blocked protocol.ChatResponse
	require.NoError(t, reply.Decode(&blocked))
	assert.True(t, blocked.Success)
	require.NotNil(t, blocked.Chat)
	assert.Equal(t, "bob", blocked.Chat.BlockedBy)

	req, err = protocol.NewEnvelope(protocol.EventSendMessage, 6, text(chat.ID, "blocked"))
	require.NoError(t, err)
	reply = h.Dispatch(ctx, "alice", req)
	require.NoError(t, reply.Decode(&failed))
	require.NotNil(t, failed.Error)
	assert.Equal(t, "You have been blocked by this user", failed.Error.Message)

	signal, err := protocol.NewEnvelope(protocol.EventTypingStart, 0, protocol.TypingSignal{ChatID: chat.ID})
	require.NoError(t, err)
	assert.Nil(t, h.Dispatch(ctx, "alice", signal))

	unknown := h.Dispatch(ctx, "alice", protocol.Envelope{Event: "dance"})
	require.NotNil(t, unknown)
	assert.Equal(t, protocol.EventError, unknown.Event)

	online := h.Dispatch(ctx, "alice", protocol.Envelope{Event: protocol.EventGetOnlineUsers, Ack: 9})
	require.NotNil(t, online)
	var users protocol.OnlineUsersResponse
	require.NoError(t, online.Decode(&users))
	assert.True(t, users.Success)
}

func TestHub_TwoInstances(t *testing.T) {
	store := newTestStore(t)
	b := broker.NewLocal()
	h1 := NewHub(store, b, nil)
	h2 := NewHub(store, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h1.Run(ctx) }()
	go func() { _ = h2.Run(ctx) }()
	require.Eventually(t, func() bool { return b.Subscribers() == 2 }, time.Second, 10*time.Millisecond)

	chat, err := h1.StartChat("alice", "bob")
	require.NoError(t, err)

	_, bob := h2.Join("bob")
	_, alice := h1.Join("alice")

	var presence protocol.PresencePush
	find(t, await(t, bob, 3), protocol.EventUserOnline, &presence)
	assert.Equal(t, "alice", presence.UserID)

	_, err = h1.SendMessage("alice", text(chat.ID, "across instances"))
	require.NoError(t, err)

	bobEvents := await(t, bob, 2)
	assert.Equal(t, []string{protocol.EventNewMessage, protocol.EventChatUpdated}, events(bobEvents))
	var received protocol.MessagePush
	find(t, bobEvents, protocol.EventNewMessage, &received)
	assert.Equal(t, "across instances", received.Message.Content)

	// bob's presence may reach alice at any point
	var aliceEvents []string
	for _, event := range events(drain(alice)) {
		if event == protocol.EventMessageSent || event == protocol.EventChatUpdated {
			aliceEvents = append(aliceEvents, event)
		}
	}
	assert.Equal(t, []string{protocol.EventMessageSent, protocol.EventChatUpdated}, aliceEvents,
		"the sender sees its confirmation once")
}

// blockingNotifier holds every push until release is closed.
type blockingNotifier struct {
	release chan struct{}
	sent    chan string
}

func (n *blockingNotifier) Notify(_ context.Context, userID string, _ notify.Notification) {
	<-n.release
	n.sent <- userID
}

// stuckBroker never completes a publish before its context expires.
type stuckBroker struct {
	*broker.Local
	release chan struct{}
}

func (b *stuckBroker) Publish(ctx context.Context, _ broker.Message) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return ctx.Err()
}

func TestHub_SlowDeliveryDoesNotDelaySend(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{}), sent: make(chan string, 1)}
	b := &stuckBroker{Local: broker.NewLocal(), release: make(chan struct{})}
	h := NewHub(newTestStore(t), b, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	chat, err := h.StartChat("alice", "bob")
	require.NoError(t, err)
	_, alice := h.Join("alice")
	drain(alice)

	sent := make(chan error, 1)
	go func() {
		_, err := h.SendMessage("alice", text(chat.ID, "bob is offline"))
		sent <- err
	}()
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send waited for web push or the broker")
	}
	assert.Equal(t, []string{protocol.EventMessageSent, protocol.EventChatUpdated}, events(drain(alice)))

	close(notifier.release)
	close(b.release)
	select {
	case userID := <-notifier.sent:
		assert.Equal(t, "bob", userID)
	case <-time.After(time.Second):
		t.Fatal("offline receiver was not notified")
	}
}
