package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/stratvm/stratvm/internal/cache"
	"github.com/stratvm/stratvm/internal/model"
)

const (
	connectedMessage    = "connected, waiting for worker"
	terminalGracePeriod = 2 * time.Second
)

// subscriberRegistry tracks the one live websocket connection allowed per
// task_id. A duplicate subscription displaces the prior connection, which
// keeps the "at most one live subscriber per task" invariant trivial to
// reason about instead of silently rejecting the newcomer.
type subscriberRegistry struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{conns: make(map[string]*websocket.Conn)}
}

// register displaces any existing connection for taskID and returns it (nil
// if there was none). Closing the displaced connection is left to the
// caller; I/O never happens under this lock.
func (reg *subscriberRegistry) register(taskID string, conn *websocket.Conn) *websocket.Conn {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	prev := reg.conns[taskID]
	reg.conns[taskID] = conn
	return prev
}

func (reg *subscriberRegistry) unregister(taskID string, conn *websocket.Conn) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.conns[taskID] == conn {
		delete(reg.conns, taskID)
	}
}

// handleWebsocket streams status events for one task to a single client.
// On open it replays the last known status (or a synthetic "connected"
// event), then forwards every matching event from the shared update feed
// until the client disconnects or a terminal event has been flushed.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("websocket accept", "task_id", taskID, "error", err)
		return
	}
	defer conn.CloseNow()

	if prev := s.subs.register(taskID, conn); prev != nil {
		prev.Close(websocket.StatusNormalClosure, "displaced by new subscriber")
	}
	defer s.subs.unregister(taskID, conn)

	ctx := r.Context()

	if err := s.replayStatus(ctx, conn, taskID); err != nil {
		return
	}

	updates, stop := s.cache.SubscribeUpdates(ctx)
	defer stop()

	disconnect := make(chan struct{})
	go func() {
		defer close(disconnect)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-disconnect:
			return
		case event, ok := <-updates:
			if !ok {
				return
			}
			if event.TaskID != taskID {
				continue
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				return
			}
			if event.Status == model.StatusSuccess || event.Status == model.StatusError {
				select {
				case <-time.After(terminalGracePeriod):
				case <-disconnect:
				}
				return
			}
		}
	}
}

// replayStatus sends the last cached event for taskID, or a synthetic
// "connected" event if none has been recorded yet.
func (s *Server) replayStatus(ctx context.Context, conn *websocket.Conn, taskID string) error {
	event, err := s.cache.GetStatus(ctx, taskID)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		event = &model.StatusEvent{TaskID: taskID, Status: model.StatusProcessing, Message: connectedMessage}
	case err != nil:
		s.logger.Error("replay status", "task_id", taskID, "error", err)
		event = &model.StatusEvent{TaskID: taskID, Status: model.StatusProcessing, Message: connectedMessage}
	}
	return writeEvent(ctx, conn, event)
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event *model.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
