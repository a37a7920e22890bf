// Package restclient talks to the history and metadata REST API.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"touchline/internal/models"
)

const defaultTimeout = 15 * time.Second

// APIError is a non-2xx answer of the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// Is lets callers match API errors against the models sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case models.ErrNotFound:
		return e.Status == http.StatusNotFound
	case models.ErrForbidden:
		return e.Status == http.StatusForbidden
	case models.ErrInvalid:
		return e.Status == http.StatusBadRequest
	}
	return false
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the API rooted at baseURL (e.g. http://localhost:8080).
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiResp models.APIResponse
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if err := json.Unmarshal(data, &apiResp); err == nil && apiResp.Message != "" {
			msg = apiResp.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) Me(ctx context.Context) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodGet, "/api/me", nil, &u)
	return u, err
}

// Users lists every other user.
func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ListChats returns the conversation previews of the current user, most recent first.
func (c *Client) ListChats(ctx context.Context) ([]models.Preview, error) {
	var previews []models.Preview
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &previews); err != nil {
		return nil, err
	}
	return previews, nil
}

// StartChat creates the conversation with peerID or returns the existing one.
func (c *Client) StartChat(ctx context.Context, peerID string) (models.Chat, error) {
	var chat models.Chat
	err := c.do(ctx, http.MethodPost, "/api/chats", map[string]string{"peerId": peerID}, &chat)
	return chat, err
}

func (c *Client) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(chatID), nil, &chat)
	return chat, err
}

// Messages returns up to limit messages older than before (zero means newest), oldest first.
func (c *Client) Messages(ctx context.Context, chatID string, limit int, before time.Time) ([]models.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/chats/" + url.PathEscape(chatID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(chatID), nil, nil)
}

func (c *Client) BlockChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/block", nil, &chat)
	return chat, err
}

func (c *Client) UnblockChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/unblock", nil, &chat)
	return chat, err
}
