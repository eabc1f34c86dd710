package models

import (
	"encoding/json"
	"time"
)

// SyncStatus is a read-only projection of the agent's live state. It is
// computed from in-memory state only, so it is cheap to poll.
type SyncStatus struct {
	Online         bool `json:"online"`
	QueuedRequests int  `json:"queuedRequests"`
	SyncInProgress bool `json:"syncInProgress"`
	DeadLettered   int  `json:"deadLettered"`
}

// DrainResult summarizes one drain pass over the request queue.
type DrainResult struct {
	ProcessedCount int       `json:"processedCount"`
	Delivered      int       `json:"delivered"`
	Abandoned      int       `json:"abandoned"`
	Remaining      int       `json:"remaining"`
	CompletedAt    time.Time `json:"completedAt"`
}

// PullResult summarizes one successful full pull of the cached collections.
type PullResult struct {
	Collections map[string]int `json:"collections"`
	CompletedAt time.Time      `json:"completedAt"`
}

// StorageEstimate reports local storage usage for diagnostics. Unavailable
// figures are zero, never an error.
type StorageEstimate struct {
	UsedBytes  int64 `json:"usedBytes"`
	QuotaBytes int64 `json:"quotaBytes"`
}

// EnqueueRequest is the control-API payload for queueing a mutating call.
type EnqueueRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// EnqueueResponse returns the generated request id so callers can correlate
// outcomes with drain events.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// HealthResponse is returned by health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}
