package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	dispatchListKey    = "agnxi:dispatch"
	dispatchNotifyChan = "agnxi:dispatch:notify"
)

// RedisTransport pushes dispatch messages onto a Redis list and publishes a
// wakeup signal so consumers poll immediately instead of waiting out their
// poll interval. The list is the durable hand-off; pub/sub is only a hint.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Enqueue(ctx context.Context, msg *DispatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dispatch message: %w", err)
	}
	if err := t.client.RPush(ctx, dispatchListKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue dispatch %s: %w", msg.ExternalID, err)
	}
	// Best effort: consumers fall back to polling if the publish is lost.
	t.client.Publish(ctx, dispatchNotifyChan, "1")
	return nil
}

func (t *RedisTransport) Close() error { return nil }

// pop removes the oldest pending message, nil when the list is empty.
func popDispatch(ctx context.Context, client *redis.Client) (*DispatchMessage, error) {
	data, err := client.LPop(ctx, dispatchListKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop dispatch: %w", err)
	}
	var msg DispatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode dispatch message: %w", err)
	}
	return &msg, nil
}
