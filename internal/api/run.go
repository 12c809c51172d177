package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/stratvm/stratvm/internal/broker"
	"github.com/stratvm/stratvm/internal/model"
)

const (
	maxUploadSize  = 10 << 20 // 10 MB
	strategyExt    = ".py"
	requirementExt = ".txt"
)

type runResponse struct {
	Status       string `json:"status"`
	TaskID       string `json:"task_id"`
	WebsocketURL string `json:"websocket_url"`
	Message      string `json:"message"`
}

// handleRun accepts a strategy file (and an optional dependency manifest) as
// a multipart form, enqueues the task, and returns the identifiers a client
// needs to open its streaming connection.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body too large or malformed")
		return
	}

	code, err := readUploadedFile(r, "file", strategyExt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var requirements []byte
	if _, _, ferr := r.FormFile("requirement"); ferr == nil {
		requirements, err = readUploadedFile(r, "requirement", requirementExt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	taskID := model.NewTaskID()

	if err := s.cache.ClearStatus(r.Context(), taskID); err != nil {
		s.logger.Error("clear stale status", "task_id", taskID, "error", err)
	}

	msg := broker.TaskMessage{
		TaskID:       taskID,
		Code:         string(code),
		Requirements: string(requirements),
	}
	if err := s.queue.Publish(r.Context(), msg); err != nil {
		s.logger.Error("publish task", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "task broker unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, runResponse{
		Status:       "queued",
		TaskID:       taskID,
		WebsocketURL: websocketURL(r, taskID),
		Message:      "task accepted",
	})
}

// readUploadedFile extracts the named multipart field and validates its
// extension against wantExt (case-insensitive).
func readUploadedFile(r *http.Request, field, wantExt string) ([]byte, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%s field is required", field)
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), wantExt) {
		return nil, fmt.Errorf("%s must have a %s extension", field, wantExt)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	return data, nil
}

// websocketURL builds the client-facing streaming URL from the incoming
// request, preserving scheme (ws/wss) based on whether the connection was
// made over TLS.
func websocketURL(r *http.Request, taskID string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/%s", scheme, r.Host, taskID)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
