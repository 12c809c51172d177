package api

import (
	"bytes"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func multipartBody(t *testing.T, fileName, fileBody, reqName, reqBody string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write([]byte(fileBody))
		require.NoError(t, err)
	}
	if reqName != "" {
		part, err := w.CreateFormFile("requirement", reqName)
		require.NoError(t, err)
		_, err = part.Write([]byte(reqBody))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestHandleRun_ValidStrategyEnqueues(t *testing.T) {
	srv, q, c := newTestServer()

	body, contentType := multipartBody(t, "strategy.py", "class Strategy:\n    pass\n", "", "")
	req := httptest.NewRequest("POST", "/run", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	msg, ok := q.last()
	require.True(t, ok)
	require.Contains(t, msg.Code, "class Strategy")
	require.NotEmpty(t, msg.TaskID)
	_ = c
}

func TestHandleRun_RejectsWrongExtension(t *testing.T) {
	srv, _, _ := newTestServer()

	body, contentType := multipartBody(t, "strategy.txt", "not python", "", "")
	req := httptest.NewRequest("POST", "/run", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestHandleRun_MissingFile(t *testing.T) {
	srv, _, _ := newTestServer()

	body, contentType := multipartBody(t, "", "", "", "")
	req := httptest.NewRequest("POST", "/run", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestHandleRun_BrokerUnavailable(t *testing.T) {
	srv, q, _ := newTestServer()
	q.publishErr = errBrokerDown

	body, contentType := multipartBody(t, "strategy.py", "class Strategy:\n    pass\n", "", "")
	req := httptest.NewRequest("POST", "/run", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 503, rec.Code)
}

func TestHandleRun_WithRequirements(t *testing.T) {
	srv, q, _ := newTestServer()

	body, contentType := multipartBody(t, "strategy.py", "class Strategy:\n    pass\n", "requirements.txt", "numpy==1.26.0")
	req := httptest.NewRequest("POST", "/run", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	msg, ok := q.last()
	require.True(t, ok)
	require.Equal(t, "numpy==1.26.0", msg.Requirements)
}
