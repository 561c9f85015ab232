package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// CreateRequest is the body of POST /new and PATCH /{id}.
type CreateRequest struct {
	Command   string `json:"command"`
	User      string `json:"user"`
	Name      string `json:"name"`
	Dir       string `json:"dir"`
	Autostart bool   `json:"autostart"`
}

// Status mirrors the server's status object:
// {"state":"running"} or {"state":"exited","exit_code":N}.
type Status struct {
	State    string `json:"state"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func (s Status) Running() bool { return s.State == "running" }

func (s Status) String() string {
	if s.Running() {
		return "running"
	}
	if s.ExitCode == nil {
		return s.State
	}
	return fmt.Sprintf("%s(%d)", s.State, *s.ExitCode)
}

// Process is one entry of GET /list.
type Process struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Dir       string `json:"dir"`
	Command   string `json:"command"`
	User      string `json:"user"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Autostart bool   `json:"autostart"`
	PID       int    `json:"pid"`
	Active    bool   `json:"active"`
	Viewers   int    `json:"viewers"`
}

// StartedAt converts the millisecond start timestamp.
func (p Process) StartedAt() time.Time { return time.UnixMilli(p.Timestamp) }

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

func decodeError(status int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return &APIError{StatusCode: status}
	}
	return &APIError{StatusCode: status, Message: er.Error}
}
