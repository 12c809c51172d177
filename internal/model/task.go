// Package model defines the entities shared across the controller, worker,
// and guest agent: tasks, status events, dependency images, and VM instances.
package model

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Status values for a Status Event.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusError      = "error"
)

// NewTaskID generates a task identifier as 128 bits of randomness encoded as
// lowercase hex with no separators, matching the shape a submitter expects
// from a uuid4-style opaque token.
func NewTaskID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Task is one client submission carrying strategy code and an optional
// dependency manifest.
type Task struct {
	ID           string    `json:"task_id"`
	Code         []byte    `json:"code"`
	Requirements []byte    `json:"requirements,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// StatusEvent is a single progress or terminal notification for a task,
// published on the updates channel and cached as the task's last known state.
type StatusEvent struct {
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	Message          string `json:"message,omitempty"`
	Metrics          any    `json:"metrics,omitempty"`
	PortfolioSummary any    `json:"portfolio_summary,omitempty"`
	Error            string `json:"error,omitempty"`
	Traceback        string `json:"traceback,omitempty"`
}

// DependencyImage describes a built, cached filesystem image containing a
// manifest's resolved libraries.
type DependencyImage struct {
	ManifestHash string
	ImagePath    string
	SizeBytes    int64
}

// DetailRecord is one per-ticker slice of a successful task's report, cached
// under its own TTL key and served individually by the detail-fetch endpoint.
type DetailRecord struct {
	TaskID  string
	Ticker  string
	Payload []byte
}

// VMInstance tracks the host-side identifiers of one running microVM.
type VMInstance struct {
	TaskID        string
	APISocketPath string
	VsockUDSPath  string
	GuestCID      uint32
	HypervisorPID int
	LogPath       string
}
