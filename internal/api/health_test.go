package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleHealthz_OK(t *testing.T) {
	srv, _, _ := newTestServer()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleHealthz_DegradedOnCacheError(t *testing.T) {
	srv, _, c := newTestServer()
	c.pingErr = errBrokerDown

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 503, rec.Code)
	require.JSONEq(t, `{"status":"degraded"}`, rec.Body.String())
}
