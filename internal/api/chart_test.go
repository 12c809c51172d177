package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleChart_Found(t *testing.T) {
	srv, _, c := newTestServer()
	c.setDetail("task-1", "AAPL", []byte(`{"closes":[1,2,3]}`))

	req := httptest.NewRequest("GET", "/chart/task-1/AAPL", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.JSONEq(t, `{"closes":[1,2,3]}`, rec.Body.String())
}

func TestHandleChart_NotFound(t *testing.T) {
	srv, _, _ := newTestServer()

	req := httptest.NewRequest("GET", "/chart/task-1/AAPL", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 404, rec.Code)
}
