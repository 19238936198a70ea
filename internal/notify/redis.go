package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier fans events out across API instances with Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, channelName(event.ThreadID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.ThreadID, err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, threadID string) (<-chan Event, error) {
	ps := n.client.Subscribe(ctx, channelName(threadID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", threadID, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		messages := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("drop malformed thread event", "thread_id", threadID, "error", err)
					continue
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()
	return out, nil
}
