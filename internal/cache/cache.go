// Package cache wraps the Redis state shared by the broker and the API
// front: TTL-keyed task status and per-ticker detail records, plus the
// pub/sub fan-out that lets every API replica's websocket handlers see
// updates published by any worker.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratvm/stratvm/internal/model"
)

// ErrNotFound is returned by GetStatus/GetDetail when the key is absent or
// has expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the Redis-backed store for task status and per-ticker detail
// records, and the pub/sub channel that broadcasts status updates.
type Cache struct {
	client         *redis.Client
	statusTTL      time.Duration
	detailTTL      time.Duration
	updatesChannel string
}

// New creates a Cache from connection parameters.
func New(addr string, db int, statusTTL, detailTTL time.Duration, updatesChannel string) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return NewFromClient(client, statusTTL, detailTTL, updatesChannel)
}

// NewFromClient builds a Cache around an already-constructed client, mainly
// for tests that point at a miniredis instance.
func NewFromClient(client *redis.Client, statusTTL, detailTTL time.Duration, updatesChannel string) *Cache {
	return &Cache{
		client:         client,
		statusTTL:      statusTTL,
		detailTTL:      detailTTL,
		updatesChannel: updatesChannel,
	}
}

func statusKey(taskID string) string {
	return "task_status:" + taskID
}

func detailKey(taskID, ticker string) string {
	return fmt.Sprintf("backtest:%s:%s", taskID, ticker)
}

// SetStatus records the latest status event for a task, replacing whatever
// was there and resetting its TTL.
func (c *Cache) SetStatus(ctx context.Context, taskID string, event *model.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	return c.client.Set(ctx, statusKey(taskID), data, c.statusTTL).Err()
}

// GetStatus returns the last recorded status for a task, or ErrNotFound if
// it was never set or has expired.
func (c *Cache) GetStatus(ctx context.Context, taskID string) (*model.StatusEvent, error) {
	data, err := c.client.Get(ctx, statusKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var event model.StatusEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal status event: %w", err)
	}
	return &event, nil
}

// ClearStatus removes any stale status left over from a prior task_id reuse
// (in practice task IDs never collide, but a fresh run should never observe
// a previous run's terminal state).
func (c *Cache) ClearStatus(ctx context.Context, taskID string) error {
	return c.client.Del(ctx, statusKey(taskID)).Err()
}

// SetDetail stores the per-ticker chart payload produced on a successful run.
func (c *Cache) SetDetail(ctx context.Context, taskID, ticker string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal detail payload: %w", err)
	}
	return c.client.Set(ctx, detailKey(taskID, ticker), data, c.detailTTL).Err()
}

// GetDetail returns the raw JSON bytes for a task/ticker chart payload,
// forwarded verbatim by the HTTP handler.
func (c *Cache) GetDetail(ctx context.Context, taskID, ticker string) ([]byte, error) {
	data, err := c.client.Get(ctx, detailKey(taskID, ticker)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// PublishUpdate broadcasts a status event to every subscriber of the shared
// updates channel, regardless of which API replica's websocket holds the
// interested client.
func (c *Cache) PublishUpdate(ctx context.Context, event *model.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	return c.client.Publish(ctx, c.updatesChannel, data).Err()
}

// SubscribeUpdates starts a background goroutine forwarding every status
// event published on the shared channel until ctx is cancelled or the
// returned cancel func is called. Malformed messages are dropped silently;
// callers that need to know why should watch their own logger instead.
func (c *Cache) SubscribeUpdates(ctx context.Context) (<-chan *model.StatusEvent, func()) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := c.client.Subscribe(subCtx, c.updatesChannel)
	out := make(chan *model.StatusEvent, 16)

	var closeOnce sync.Once
	stop := func() {
		closeOnce.Do(func() {
			cancel()
			pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var event model.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, stop
}

// Ping verifies connectivity, used by the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
