package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/stratvm/stratvm/internal/broker"
	"github.com/stratvm/stratvm/internal/cache"
	"github.com/stratvm/stratvm/internal/model"
)

var errBrokerDown = errors.New("broker unavailable")

// fakeQueue records every published message; Publish can be made to fail.
type fakeQueue struct {
	mu        sync.Mutex
	published []broker.TaskMessage
	publishErr error
}

func (q *fakeQueue) Publish(ctx context.Context, msg broker.TaskMessage) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, msg)
	return nil
}

func (q *fakeQueue) last() (broker.TaskMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.published) == 0 {
		return broker.TaskMessage{}, false
	}
	return q.published[len(q.published)-1], true
}

// fakeCache is an in-memory stand-in for *cache.Cache sized to statusCache.
type fakeCache struct {
	mu        sync.Mutex
	status    map[string]*model.StatusEvent
	detail    map[string][]byte
	pingErr   error
	subs      []chan *model.StatusEvent
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		status: make(map[string]*model.StatusEvent),
		detail: make(map[string][]byte),
	}
}

func (c *fakeCache) GetStatus(ctx context.Context, taskID string) (*model.StatusEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event, ok := c.status[taskID]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return event, nil
}

func (c *fakeCache) ClearStatus(ctx context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.status, taskID)
	return nil
}

func (c *fakeCache) GetDetail(ctx context.Context, taskID, ticker string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.detail[taskID+":"+ticker]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return data, nil
}

func (c *fakeCache) SubscribeUpdates(ctx context.Context) (<-chan *model.StatusEvent, func()) {
	ch := make(chan *model.StatusEvent, 16)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	stop := func() {}
	return ch, stop
}

func (c *fakeCache) Ping(ctx context.Context) error {
	return c.pingErr
}

func (c *fakeCache) publish(event *model.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		ch <- event
	}
}

func (c *fakeCache) setStatus(taskID string, event *model.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[taskID] = event
}

func (c *fakeCache) setDetail(taskID, ticker string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detail[taskID+":"+ticker] = data
}

func newTestServer() (*Server, *fakeQueue, *fakeCache) {
	q := &fakeQueue{}
	c := newFakeCache()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(":0", q, c, logger), q, c
}
