package v1

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

var (
	// ErrArchiveMissing is returned when a task carries neither a URL nor inline data
	ErrArchiveMissing = errors.New("one of zip_url or zip_base64 is required")
	// ErrArchiveAmbiguous is returned when a task carries both a URL and inline data
	ErrArchiveAmbiguous = errors.New("zip_url and zip_base64 are mutually exclusive")
	// ErrArchiveEncoding is returned when inline data is not valid base64
	ErrArchiveEncoding = errors.New("zip_base64 is not valid base64")
)

// Task is the descriptor of one submission job
type Task struct {
	ID              string                 `json:"task_id"`
	ArchiveURL      string                 `json:"zip_url,omitempty"`
	ArchiveBase64   string                 `json:"zip_base64,omitempty"`
	ArchiveFilename string                 `json:"zip_filename,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
	Cleanup         bool                   `json:"cleanup"`
	Headless        *bool                  `json:"headless,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	EnqueuedAt      time.Time              `json:"enqueued_at"`
	Attempts        int                    `json:"attempts,omitempty"`
}

// ValidateArchive checks that exactly one archive source is set.
func (t *Task) ValidateArchive() error {
	hasURL := strings.TrimSpace(t.ArchiveURL) != ""
	hasInline := strings.TrimSpace(t.ArchiveBase64) != ""
	switch {
	case !hasURL && !hasInline:
		return ErrArchiveMissing
	case hasURL && hasInline:
		return ErrArchiveAmbiguous
	}
	if hasInline {
		if _, err := base64.StdEncoding.DecodeString(t.ArchiveBase64); err != nil {
			return ErrArchiveEncoding
		}
	}
	return nil
}

// EnqueueRequest creates a new task
type EnqueueRequest struct {
	TaskID          string                 `json:"task_id,omitempty"`
	ArchiveURL      string                 `json:"zip_url,omitempty"`
	ArchiveBase64   string                 `json:"zip_base64,omitempty"`
	ArchiveFilename string                 `json:"zip_filename,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
	Cleanup         *bool                  `json:"cleanup,omitempty"`
	Headless        *bool                  `json:"headless,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// ToTask converts the request into a descriptor. Cleanup defaults to true.
func (r *EnqueueRequest) ToTask() *Task {
	cleanup := true
	if r.Cleanup != nil {
		cleanup = *r.Cleanup
	}
	return &Task{
		ID:              strings.TrimSpace(r.TaskID),
		ArchiveURL:      strings.TrimSpace(r.ArchiveURL),
		ArchiveBase64:   r.ArchiveBase64,
		ArchiveFilename: r.ArchiveFilename,
		Config:          r.Config,
		Cleanup:         cleanup,
		Headless:        r.Headless,
		Metadata:        r.Metadata,
	}
}

// EnqueueResponse is returned after a task joins the queue
type EnqueueResponse struct {
	TaskID       string `json:"task_id"`
	PendingCount int    `json:"pending_count"`
}

// Assignment binds a task to the agent executing it
type Assignment struct {
	TaskID    string    `json:"task_id"`
	ClientID  string    `json:"client_id"`
	Channel   Transport `json:"channel"`
	StartedAt time.Time `json:"started_at"`
}

// ResultStatus is the outcome reported by a worker
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusFailed  ResultStatus = "failed"
)

// TaskResult is the final report for a task
type TaskResult struct {
	TaskID     string                 `json:"task_id"`
	ClientID   string                 `json:"client_id"`
	Status     ResultStatus           `json:"status"`
	Reason     string                 `json:"reason"`
	Logs       []string               `json:"logs"`
	Artifacts  map[string]interface{} `json:"artifacts"`
	ReceivedAt time.Time              `json:"received_at,omitempty"`
}

// TaskState is the coordinator's view of a task
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
)

// TaskStatusResponse describes where a task currently is
type TaskStatusResponse struct {
	TaskID     string      `json:"task_id"`
	State      TaskState   `json:"state"`
	Position   int         `json:"position,omitempty"`
	Assignment *Assignment `json:"assignment,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
}

// QueueStatus summarises coordinator state
type QueueStatus struct {
	Pending       int `json:"pending"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	AgentsTotal   int `json:"agents_total"`
	AgentsIdle    int `json:"agents_idle"`
	AgentsRunning int `json:"agents_running"`
	AgentsOffline int `json:"agents_offline"`
	PushConnected int `json:"push_connected"`
}

// OKResponse is the generic acknowledgement body
type OKResponse struct {
	OK bool `json:"ok"`
}
