package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"touchline/internal/auth"
	"touchline/internal/client"
	"touchline/internal/conversation"
	"touchline/internal/inbox"
	"touchline/internal/models"
	"touchline/internal/restclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().String()
}

func waitForServer(t *testing.T, url string) {
	t.Helper()
	httpClient := &http.Client{Timeout: 500 * time.Millisecond}
	require.Eventually(t, func() bool {
		resp, err := httpClient.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server did not start at %s", url)
}

// collector buffers the events of one session.
type collector chan client.Event

func (c collector) HandleEvent(ev client.Event) {
	select {
	case c <- ev:
	default:
	}
}

// waitFor returns the first event of type T, skipping everything else.
func waitFor[T client.Event](t *testing.T, events collector) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func addUserViaAdmin(t *testing.T, adminAddr, username string) auth.AddUserResponse {
	t.Helper()
	body, err := json.Marshal(auth.AddUserRequest{Username: username, Role: models.UserRoleEmployer})
	require.NoError(t, err)
	resp, err := http.Post("http://"+adminAddr+"/admin/users", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out auth.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestIntegration(t *testing.T) {
	adminAddr := freeAddr(t)
	apiAddr := freeAddr(t)
	baseURL := "http://" + apiAddr

	t.Setenv("TOUCHLINE_DB", filepath.Join(t.TempDir(), "integration.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(t.TempDir(), "uploads"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BASE_URL", baseURL)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")
	t.Setenv("LOG_LEVEL", "warn")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, nil, io.Discard) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("server error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	waitForServer(t, baseURL+"/healthz")

	// Step 1: create users, one through the CLI and one through the admin API
	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"-add-user", "alice", "-display-name", "Alice", "-role", "candidate"}, &out))
	matches := regexp.MustCompile(`Token:\s+(\S+)`).FindStringSubmatch(out.String())
	require.Len(t, matches, 2, "no token in output: %s", out.String())
	aliceToken := matches[1]

	bob := addUserViaAdmin(t, adminAddr, "bob")
	require.NotEmpty(t, bob.Token)

	// Step 2: REST collaborator
	aliceREST := restclient.New(baseURL, aliceToken)
	bobREST := restclient.New(baseURL, bob.Token)

	alice, err := aliceREST.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alice", alice.DisplayName)

	chat, err := aliceREST.StartChat(ctx, bob.User.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.ID, bob.User.ID}, chat.Participants)

	history, err := aliceREST.Messages(ctx, chat.ID, 0, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, history)

	// Step 3: both users connect
	wsURL := fmt.Sprintf("ws://%s/ws", apiAddr)
	aliceSession := client.New(client.Config{URL: wsURL, Token: aliceToken, RequestTimeout: 5 * time.Second})
	bobSession := client.New(client.Config{URL: wsURL, Token: bob.Token, RequestTimeout: 5 * time.Second})
	aliceEvents, bobEvents := make(collector, 256), make(collector, 256)
	aliceSession.Subscribe(aliceEvents)
	bobSession.Subscribe(bobEvents)

	aliceChat := conversation.New(alice.ID, aliceSession)
	aliceSession.Subscribe(aliceChat)
	aliceChat.Open(chat, history)

	bobInbox := inbox.New(bobREST, bobSession)
	bobSession.Subscribe(bobInbox)

	require.NoError(t, aliceSession.Open(ctx))
	defer func() { _ = aliceSession.Close() }()
	assert.Equal(t, alice.ID, waitFor[client.Connected](t, aliceEvents).UserID)

	require.NoError(t, bobSession.Open(ctx))
	defer func() { _ = bobSession.Close() }()
	waitFor[client.Connected](t, bobEvents)

	assert.Equal(t, bob.User.ID, waitFor[client.UserOnline](t, aliceEvents).UserID)
	assert.True(t, aliceSession.IsOnline(bob.User.ID))

	// Step 4: alice sends, bob receives
	sent, err := aliceChat.SendMessage(ctx, "hello **bob**", models.MessageTypeText, "")
	require.NoError(t, err)
	assert.False(t, sent.IsTemporary())

	received := waitFor[client.NewMessage](t, bobEvents)
	assert.Equal(t, sent.ID, received.Message.ID)
	assert.Equal(t, alice.ID, received.Message.SenderID)

	require.Eventually(t, func() bool {
		msgs := aliceChat.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, 2*time.Second, 10*time.Millisecond, "the optimistic entry is replaced exactly once")

	require.NoError(t, bobInbox.Refresh(ctx))
	selected, ok := bobInbox.Selected()
	require.True(t, ok)
	assert.Equal(t, chat.ID, selected.ChatID)
	assert.Equal(t, 1, selected.Unread)
	assert.True(t, selected.Online)
	require.NotNil(t, selected.LastMessage)
	assert.Equal(t, "hello bob", selected.LastMessage.Summary)

	// Step 5: read receipts
	bobSession.MarkAsRead(ctx, chat.ID)
	assert.Equal(t, bob.User.ID, waitFor[client.MessagesReadByOther](t, aliceEvents).ReaderID)
	require.Eventually(t, func() bool {
		msgs := aliceChat.Messages()
		return len(msgs) == 1 && msgs[0].IsRead
	}, 2*time.Second, 10*time.Millisecond)

	// Step 6: bob blocks alice, her next send fails without reaching the server
	blocked, err := bobSession.BlockUser(ctx, chat.ID)
	require.NoError(t, err)
	assert.True(t, blocked.IsBlocked)
	waitFor[client.YouWereBlocked](t, aliceEvents)
	require.Eventually(t, func() bool {
		isBlocked, by := aliceChat.Blocked()
		return isBlocked && by == bob.User.ID
	}, 2*time.Second, 10*time.Millisecond)

	_, err = aliceChat.SendMessage(ctx, "are you there?", models.MessageTypeText, "")
	assert.ErrorIs(t, err, conversation.ErrBlockedByPeer)

	_, err = aliceSession.SendMessage(ctx, chat.ID, bob.User.ID, "bypass", models.MessageTypeText, "")
	var rejected *client.TransportError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "You have been blocked by this user", rejected.Message)

	_, err = aliceREST.UnblockChat(ctx, chat.ID)
	var apiErr *restclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	_, err = bobREST.UnblockChat(ctx, chat.ID)
	require.NoError(t, err)
	waitFor[client.YouWereUnblocked](t, aliceEvents)

	// Step 7: presence follows the last connection
	require.NoError(t, bobSession.Close())
	assert.Equal(t, bob.User.ID, waitFor[client.UserOffline](t, aliceEvents).UserID)
	assert.False(t, aliceSession.IsOnline(bob.User.ID))

	// Step 8: logout revokes the token
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/logout", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = aliceREST.Me(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	revoked := client.New(client.Config{URL: wsURL, Token: aliceToken})
	assert.ErrorIs(t, revoked.Open(ctx), client.ErrUnauthorized)
}
