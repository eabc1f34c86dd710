package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxDeliveryAttempts is the retry ceiling for a queued request. A request
// that fails this many drain passes is abandoned and moved to the dead
// letter journal.
const MaxDeliveryAttempts = 3

var mutatingMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// QueuedRequest is a pending mutating HTTP operation captured while offline.
// It is created only through NewQueuedRequest, mutated only by the sync
// engine (retry count), and removed only on delivery or retry exhaustion.
type QueuedRequest struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	RetryCount int               `json:"retryCount"`
}

// NewQueuedRequest creates a QueuedRequest with a fresh id and validation
func NewQueuedRequest(url, method string, body json.RawMessage, headers map[string]string) (*QueuedRequest, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrEmptyURL
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if !mutatingMethods[method] {
		return nil, ErrInvalidMethod
	}

	return &QueuedRequest{
		ID:         newRequestID(),
		URL:        url,
		Method:     method,
		Body:       body,
		Headers:    cloneHeaders(headers),
		CreatedAt:  time.Now().UTC(),
		RetryCount: 0,
	}, nil
}

// Clone returns a deep copy so drain passes can iterate a stable snapshot
// while the live queue keeps mutating.
func (r *QueuedRequest) Clone() *QueuedRequest {
	c := *r
	if r.Body != nil {
		c.Body = append(json.RawMessage(nil), r.Body...)
	}
	c.Headers = cloneHeaders(r.Headers)
	return &c
}

// Exhausted reports whether the request has used up its retry budget.
func (r *QueuedRequest) Exhausted() bool {
	return r.RetryCount >= MaxDeliveryAttempts
}

// newRequestID builds an id from the creation timestamp plus a random
// suffix. Collisions within one agent session are negligible.
func newRequestID() string {
	return fmt.Sprintf("req-%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

func cloneHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
