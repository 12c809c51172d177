package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/stratvm/stratvm/internal/model"
)

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *model.StatusEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var event model.StatusEvent
	require.NoError(t, json.Unmarshal(data, &event))
	return &event
}

func TestHandleWebsocket_ReplaysSyntheticConnectedEvent(t *testing.T) {
	srv, _, _ := newTestServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/task-1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	event := readEvent(t, conn)
	require.Equal(t, "task-1", event.TaskID)
	require.Equal(t, model.StatusProcessing, event.Status)
	require.Equal(t, connectedMessage, event.Message)
}

func TestHandleWebsocket_ReplaysCachedStatus(t *testing.T) {
	srv, _, c := newTestServer()
	c.setStatus("task-2", &model.StatusEvent{TaskID: "task-2", Status: model.StatusProcessing, Message: "Booting MicroVM..."})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/task-2")
	defer conn.Close(websocket.StatusNormalClosure, "")

	event := readEvent(t, conn)
	require.Equal(t, "Booting MicroVM...", event.Message)
}

func TestHandleWebsocket_ReplaysTerminalStatusAfterCompletion(t *testing.T) {
	srv, _, c := newTestServer()
	c.setStatus("task-done", &model.StatusEvent{
		TaskID:  "task-done",
		Status:  model.StatusSuccess,
		Metrics: map[string]any{"sharpe": 1.2},
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/task-done")
	defer conn.Close(websocket.StatusNormalClosure, "")

	event := readEvent(t, conn)
	require.Equal(t, "task-done", event.TaskID)
	require.Equal(t, model.StatusSuccess, event.Status)
	require.NotNil(t, event.Metrics)
}

func TestHandleWebsocket_ForwardsOnlyMatchingUpdates(t *testing.T) {
	srv, _, c := newTestServer()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/task-3")
	defer conn.Close(websocket.StatusNormalClosure, "")

	_ = readEvent(t, conn) // synthetic connected event

	// Give the handler time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	c.publish(&model.StatusEvent{TaskID: "other-task", Status: model.StatusProcessing, Message: "not for us"})
	c.publish(&model.StatusEvent{TaskID: "task-3", Status: model.StatusSuccess, Metrics: map[string]any{"sharpe": 1.2}})

	event := readEvent(t, conn)
	require.Equal(t, "task-3", event.TaskID)
	require.Equal(t, model.StatusSuccess, event.Status)
}
