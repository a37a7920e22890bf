//go:build e2e

package e2e

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"touchline/internal/client"
	"touchline/internal/conversation"
	"touchline/internal/inbox"
	"touchline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE2EMainFlow(t *testing.T) {
	server := startServer(t)
	defer server.Stop()
	ctx := t.Context()

	// 1. Create users via CLI first
	t.Log("Creating users via CLI...")
	alice := server.CreateUser(t, "alice")
	bob := server.CreateUser(t, "bob")

	// 2. Both connect
	aliceSession, bobSession := server.Session(alice), server.Session(bob)
	aliceEvents, bobEvents := listen(aliceSession), listen(bobSession)
	require.NoError(t, aliceSession.Open(ctx))
	defer func() { _ = aliceSession.Close() }()
	require.NoError(t, bobSession.Open(ctx))
	defer func() { _ = bobSession.Close() }()
	await[client.Connected](t, aliceEvents)
	await[client.Connected](t, bobEvents)

	// 3. Messaging flow
	t.Log("Starting messaging flow...")
	chat, err := server.REST(alice).StartChat(ctx, bob.ID)
	require.NoError(t, err)

	aliceChat := conversation.New(alice.ID, aliceSession)
	aliceSession.Subscribe(aliceChat)
	aliceChat.Open(chat, nil)

	bobChat := conversation.New(bob.ID, bobSession)
	bobSession.Subscribe(bobChat)
	bobInbox := inbox.New(server.REST(bob), bobSession)
	bobSession.Subscribe(bobInbox)
	go bobInbox.Run(ctx)

	aliceMsg := "Hello Bob, how are you?"
	_, err = aliceChat.SendMessage(ctx, aliceMsg, models.MessageTypeText, "")
	require.NoError(t, err)

	// Bob's list picks the conversation up from the push
	require.Eventually(t, func() bool {
		p, ok := bobInbox.Selected()
		return ok && p.ChatID == chat.ID && p.Unread == 1
	}, 5*time.Second, 100*time.Millisecond)

	history, err := server.REST(bob).Messages(ctx, chat.ID, 0, time.Time{})
	require.NoError(t, err)
	bobChat.Open(chat, history)
	require.Len(t, bobChat.Messages(), 1)
	assert.Equal(t, aliceMsg, bobChat.Messages()[0].Content)
	bobChat.MarkRead(ctx)

	// Bob replies
	bobReply := "Hi Alice! I am doing great."
	_, err = bobChat.SendMessage(ctx, bobReply, models.MessageTypeText, "")
	require.NoError(t, err)

	// Alice receives reply
	require.Eventually(t, func() bool {
		msgs := aliceChat.Messages()
		return len(msgs) == 2 && msgs[1].Content == bobReply && msgs[0].IsRead
	}, 5*time.Second, 100*time.Millisecond)
}

func TestE2EReconnectAfterRestart(t *testing.T) {
	server := startServer(t)
	defer server.Stop()
	ctx := t.Context()

	alice := server.CreateUser(t, "alice")
	bob := server.CreateUser(t, "bob")
	chat, err := server.REST(alice).StartChat(ctx, bob.ID)
	require.NoError(t, err)

	session := server.Session(alice)
	ev := listen(session)
	require.NoError(t, session.Open(ctx))
	defer func() { _ = session.Close() }()
	await[client.Connected](t, ev)

	t.Log("Restarting server...")
	server.Stop()
	lost := await[client.Disconnected](t, ev)
	assert.False(t, lost.Exhausted)

	_, err = session.SendMessage(ctx, chat.ID, bob.ID, "while down", models.MessageTypeText, "")
	assert.True(t, errors.Is(err, client.ErrNotConnected))

	server.Start(t)
	await[client.Connected](t, ev)
	assert.Equal(t, client.StateConnected, session.State())

	msg, err := session.SendMessage(ctx, chat.ID, bob.ID, "back again", models.MessageTypeText, "")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, msg.SenderID)
}

func TestE2EDuplicateUser(t *testing.T) {
	server := startServer(t)
	defer server.Stop()

	server.CreateUser(t, "carol")

	cmd := exec.Command(serverBinPath, "-add-user", "carol")
	cmd.Env = server.env(t)
	output, err := cmd.CombinedOutput()
	require.Error(t, err)
	assert.Contains(t, string(output), "409")
}
