package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix    = "touchline:"
	userChannel      = channelPrefix + "user:"
	broadcastChannel = channelPrefix + "broadcast"
)

// Redis publishes every message on the channel of its user, or on the
// broadcast channel, and pattern-subscribes to all of them.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Redis{rdb: rdb, logger: slog.Default().With("component", "broker")}, nil
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broker message: %w", err)
	}
	channel := broadcastChannel
	if msg.UserID != "" {
		channel = userChannel + msg.UserID
	}
	if err := r.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, origin string, handler Handler) error {
	ps := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.logger.Warn("dropping malformed broker message", "channel", m.Channel, "error", err)
				continue
			}
			if msg.Origin == origin {
				continue
			}
			handler(msg)
		}
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
