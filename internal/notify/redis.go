package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"sheetvault/internal/sv"
)

// RedisNotifier publishes lifecycle events to Redis channels named
// <prefix>:<channel>, so every process serving websockets can relay them.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger sv.Logger
}

var _ sv.Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier creates a notifier on an existing client.
func NewRedisNotifier(client *redis.Client, prefix string, logger sv.Logger) *RedisNotifier {
	if logger == nil {
		logger = sv.NewNopLogger()
	}
	return &RedisNotifier{client: client, prefix: prefix, logger: logger}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (n *RedisNotifier) key(channel string) string {
	return n.prefix + ":" + channel
}

func (n *RedisNotifier) Notify(ctx context.Context, channel string, event sv.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := n.client.Publish(ctx, n.key(channel), data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", n.key(channel), err)
	}
	return nil
}

// Relay forwards every event published under the prefix to hub until ctx
// is cancelled. The subscription is active when ready is closed.
func (n *RedisNotifier) Relay(ctx context.Context, hub *Hub, ready chan<- struct{}) error {
	sub := n.client.PSubscribe(ctx, n.prefix+":*")
	defer sub.Close()

	// Wait for the subscription confirmation before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s:*: %w", n.prefix, err)
	}
	if ready != nil {
		close(ready)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			channel := strings.TrimPrefix(msg.Channel, n.prefix+":")
			var event sv.LifecycleEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				n.logger.Warn("dropping malformed notification", "channel", msg.Channel, "error", err)
				continue
			}
			if err := hub.Notify(ctx, channel, event); err != nil {
				n.logger.Warn("relaying notification", "channel", channel, "error", err)
			}
		}
	}
}

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
