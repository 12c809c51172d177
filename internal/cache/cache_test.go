package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stratvm/stratvm/internal/model"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client, time.Minute, time.Minute, "backtest_updates")
}

func TestStatusRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.GetStatus(ctx, "task-1")
	require.ErrorIs(t, err, ErrNotFound)

	event := &model.StatusEvent{TaskID: "task-1", Status: model.StatusProcessing, Message: "Booting MicroVM..."}
	require.NoError(t, c.SetStatus(ctx, "task-1", event))

	got, err := c.GetStatus(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, event.Status, got.Status)
	require.Equal(t, event.Message, got.Message)

	require.NoError(t, c.ClearStatus(ctx, "task-1"))
	_, err = c.GetStatus(ctx, "task-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDetailRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.GetDetail(ctx, "task-1", "AAPL")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.SetDetail(ctx, "task-1", "AAPL", map[string]any{"close": []float64{1, 2, 3}}))

	data, err := c.GetDetail(ctx, "task-1", "AAPL")
	require.NoError(t, err)
	require.Contains(t, string(data), "close")
}

func TestPublishSubscribeUpdates(t *testing.T) {
	c := newTestCache(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, stop := c.SubscribeUpdates(ctx)
	defer stop()

	// miniredis pub/sub delivery is synchronous once a subscriber is
	// registered, but give the subscribe goroutine a moment to attach.
	time.Sleep(20 * time.Millisecond)

	event := &model.StatusEvent{TaskID: "task-2", Status: model.StatusSuccess}
	require.NoError(t, c.PublishUpdate(ctx, event))

	select {
	case got := <-ch:
		require.Equal(t, "task-2", got.TaskID)
		require.Equal(t, model.StatusSuccess, got.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published update")
	}
}
