// Package protocol defines the wire types shared between the fleetcmd
// server and agent. Both APIs are plain JSON over HTTP.
package protocol

import (
	"encoding/json"
	"time"
)

// Command kinds.
const (
	KindDelay       = "DELAY"
	KindHTTPGetJSON = "HTTP_GET_JSON"
)

// Command statuses.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// IsTerminal reports whether status is a terminal state.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Command is the central entity tracked by the server. Payload and Result
// are kind-tagged variants kept as raw JSON; the server never interprets
// them beyond submission validation.
type Command struct {
	ID          string          `json:"id"`
	Kind        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Owner       *string         `json:"agentId"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt"`
}

// DelayPayload is the input for DELAY commands.
type DelayPayload struct {
	Ms int64 `json:"ms"`
}

// DelayResult is the output of a DELAY command.
type DelayResult struct {
	OK     bool  `json:"ok"`
	TookMs int64 `json:"took_ms"`
}

// HTTPGetJSONPayload is the input for HTTP_GET_JSON commands.
type HTTPGetJSONPayload struct {
	URL string `json:"url"`
}

// HTTPGetJSONResult is the output of an HTTP_GET_JSON command. A transport
// failure is still a valid outcome: Status is 0 and Error carries the
// message, but the command completes.
type HTTPGetJSONResult struct {
	Status        int             `json:"status"`
	Body          json.RawMessage `json:"body,omitempty"`
	Truncated     bool            `json:"truncated"`
	BytesReturned int             `json:"bytes_returned"`
	Error         *string         `json:"error"`
}

// SubmitRequest is the body of POST /commands.
type SubmitRequest struct {
	Kind    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	CommandID string `json:"commandId"`
}

// ListResponse is the body of GET /commands.
type ListResponse struct {
	Commands []Command `json:"commands"`
}

// FetchRequest is the body of POST /agent/fetch.
type FetchRequest struct {
	AgentID string `json:"agentId"`
}

// FetchResponse carries the assignment, nil when no work is pending.
type FetchResponse struct {
	Command *Command `json:"command"`
}

// ResultRequest is the body of POST /agent/result.
type ResultRequest struct {
	AgentID   string          `json:"agentId"`
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"` // COMPLETED or FAILED
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *string         `json:"error,omitempty"`
}

// ResultResponse acknowledges a result report. Message is set on
// idempotent replays.
type ResultResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	Message      string `json:"message,omitempty"`
}

// SyncRequest is the body of POST /agent/sync.
type SyncRequest struct {
	AgentID string `json:"agentId"`
}

// SyncResponse returns the command the server still believed this agent
// was running, already requeued to PENDING by the time it is returned.
type SyncResponse struct {
	UnfinishedCommand *Command `json:"unfinishedCommand"`
}

// HeartbeatRequest is the body of POST /agent/heartbeat. CommandID is nil
// when the agent is idle.
type HeartbeatRequest struct {
	AgentID   string  `json:"agentId"`
	CommandID *string `json:"commandId,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
