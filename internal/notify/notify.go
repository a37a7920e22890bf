// Package notify tells offline users about new messages through Web Push.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"touchline/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const pushTTL = 24 * 60 * 60 // seconds

type Notification struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	ChatID string `json:"chatId"`
}

type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification)
}

// Nop is used when Web Push is not configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, Notification) {}

type SubscriptionStore interface {
	ListPushSubscriptions(userID string) ([]storage.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

type WebPush struct {
	store  SubscriptionStore
	cfg    Config
	send   sendFunc
	logger *slog.Logger
}

func NewWebPush(store SubscriptionStore, cfg Config) *WebPush {
	return &WebPush{
		store:  store,
		cfg:    cfg,
		send:   webpush.SendNotificationWithContext,
		logger: slog.Default().With("component", "notify"),
	}
}

// Notify sends n to every subscription of userID. Subscriptions the push
// service reports as gone are removed. Failures are logged, never returned.
func (w *WebPush) Notify(ctx context.Context, userID string, n Notification) {
	subs, err := w.store.ListPushSubscriptions(userID)
	if err != nil {
		w.logger.Error("failed to list push subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		w.logger.Error("failed to marshal notification", "error", err)
		return
	}

	for _, sub := range subs {
		if err := w.sendOne(ctx, payload, sub); err != nil {
			w.logger.Warn("push failed", "user_id", userID, "endpoint", sub.Endpoint, "error", err)
		}
	}
}

func (w *WebPush) sendOne(ctx context.Context, payload []byte, sub storage.PushSubscription) error {
	resp, err := w.send(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		Subscriber:      w.cfg.Subject,
		VAPIDPublicKey:  w.cfg.PublicKey,
		VAPIDPrivateKey: w.cfg.PrivateKey,
		TTL:             pushTTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		if err := w.store.DeletePushSubscription(sub.UserID, sub.Endpoint); err != nil {
			return fmt.Errorf("failed to drop expired subscription: %w", err)
		}
		w.logger.Info("dropped expired push subscription", "user_id", sub.UserID, "endpoint", sub.Endpoint)
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service answered %s", resp.Status)
	}
	return nil
}
