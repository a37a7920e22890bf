// Package inbox keeps the conversation list of the current user fresh from
// explicit fetches and pushed invalidations.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"touchline/internal/client"
	"touchline/internal/models"
)

// ChatSource is the REST side of the conversation list.
type ChatSource interface {
	ListChats(ctx context.Context) ([]models.Preview, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// Presence answers whether a user is currently online.
type Presence interface {
	IsOnline(userID string) bool
}

type Inbox struct {
	source   ChatSource
	presence Presence
	logger   *slog.Logger

	// refresh coalesces refresh requests; one pending request is enough.
	refresh chan struct{}

	mu       sync.Mutex
	previews []models.Preview
	selected string
	loaded   bool
	onChange func()
}

func New(source ChatSource, presence Presence) *Inbox {
	return &Inbox{
		source:   source,
		presence: presence,
		logger:   slog.Default().With("component", "inbox"),
		refresh:  make(chan struct{}, 1),
	}
}

// OnChange registers a callback invoked after every change of the list or the selection.
func (in *Inbox) OnChange(fn func()) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onChange = fn
}

// Refresh fetches the list and annotates presence. When nothing is selected
// the first preview becomes the selection.
func (in *Inbox) Refresh(ctx context.Context) error {
	previews, err := in.source.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chats: %w", err)
	}

	in.mu.Lock()
	in.previews = previews
	in.loaded = true
	in.annotateOnline()
	if in.selected != "" && in.index(in.selected) < 0 {
		in.selected = ""
	}
	if in.selected == "" && len(in.previews) > 0 {
		in.selected = in.previews[0].ChatID
	}
	fn := in.onChange
	in.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// Run serves refresh requests scheduled by HandleEvent until ctx is done.
func (in *Inbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.refresh:
			if err := in.Refresh(ctx); err != nil && ctx.Err() == nil {
				in.logger.Warn("refresh failed", "error", err)
			}
		}
	}
}

func (in *Inbox) scheduleRefresh() {
	select {
	case in.refresh <- struct{}{}:
	default:
	}
}

// HandleEvent never blocks: network refreshes are handed to Run, presence
// changes are applied in place.
func (in *Inbox) HandleEvent(ev client.Event) {
	switch ev.(type) {
	case client.Connected, client.ChatUpdated, client.NewMessage, client.MessageSent,
		client.UserBlocked, client.UserUnblocked, client.YouWereBlocked, client.YouWereUnblocked,
		client.MessagesReadByOther, client.MessagesMarkedRead:
		in.scheduleRefresh()
	case client.UserOnline, client.UserOffline, client.OnlineUsersSnapshot, client.Disconnected:
		in.mu.Lock()
		in.annotateOnline()
		fn := in.onChange
		in.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

func (in *Inbox) annotateOnline() {
	for i := range in.previews {
		in.previews[i].Online = in.presence.IsOnline(in.previews[i].Peer.ID)
	}
}

func (in *Inbox) index(chatID string) int {
	return slices.IndexFunc(in.previews, func(p models.Preview) bool { return p.ChatID == chatID })
}

// Select makes chatID the selection. It reports false for an unknown chat.
func (in *Inbox) Select(chatID string) bool {
	in.mu.Lock()
	if in.index(chatID) < 0 {
		in.mu.Unlock()
		return false
	}
	in.selected = chatID
	fn := in.onChange
	in.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

func (in *Inbox) Selected() (models.Preview, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	i := in.index(in.selected)
	if i < 0 {
		return models.Preview{}, false
	}
	return in.previews[i], true
}

// Previews returns a copy of the list in fetch order.
func (in *Inbox) Previews() []models.Preview {
	in.mu.Lock()
	defer in.mu.Unlock()
	return slices.Clone(in.previews)
}

// Loaded reports whether at least one fetch succeeded.
func (in *Inbox) Loaded() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.loaded
}

// Delete removes the conversation. Deleting the selected conversation clears the selection.
func (in *Inbox) Delete(ctx context.Context, chatID string) error {
	if err := in.source.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", chatID, err)
	}

	in.mu.Lock()
	if i := in.index(chatID); i >= 0 {
		in.previews = slices.Delete(in.previews, i, i+1)
	}
	if in.selected == chatID {
		in.selected = ""
	}
	fn := in.onChange
	in.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}
