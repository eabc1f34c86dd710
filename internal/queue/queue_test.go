package queue

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsync/agent/internal/models"
)

func newTestQueue(t *testing.T, dir string) *Queue {
	t.Helper()
	q, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, q.Load())
	return q
}

func TestQueue_Enqueue(t *testing.T) {
	t.Run("returns a fresh id and zero retries", func(t *testing.T) {
		q := newTestQueue(t, t.TempDir())

		req, err := q.Enqueue("/api/expenses", "POST", json.RawMessage(`{"amount":50}`), nil)
		require.NoError(t, err)

		assert.NotEmpty(t, req.ID)
		assert.Equal(t, "POST", req.Method)
		assert.Equal(t, 0, req.RetryCount)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("normalizes the method", func(t *testing.T) {
		q := newTestQueue(t, t.TempDir())

		req, err := q.Enqueue("/api/expenses", "patch", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "PATCH", req.Method)
	})

	t.Run("rejects empty URL", func(t *testing.T) {
		q := newTestQueue(t, t.TempDir())

		_, err := q.Enqueue("  ", "POST", nil, nil)
		assert.ErrorIs(t, err, models.ErrEmptyURL)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("rejects non-mutating methods", func(t *testing.T) {
		q := newTestQueue(t, t.TempDir())

		_, err := q.Enqueue("/api/expenses", "GET", nil, nil)
		assert.ErrorIs(t, err, models.ErrInvalidMethod)
	})

	t.Run("generates distinct ids", func(t *testing.T) {
		q := newTestQueue(t, t.TempDir())

		seen := make(map[string]bool)
		for i := 0; i < 20; i++ {
			req, err := q.Enqueue("/api/expenses", "POST", nil, nil)
			require.NoError(t, err)
			assert.False(t, seen[req.ID], "duplicate id %s", req.ID)
			seen[req.ID] = true
		}
	})
}

func TestQueue_SurvivesReload(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(t, dir)

	headers := map[string]string{"X-Tenant": "acme"}
	var ids []string
	for i := 0; i < 3; i++ {
		req, err := q.Enqueue("/api/expenses", "POST",
			json.RawMessage(fmt.Sprintf(`{"amount":%d}`, i)), headers)
		require.NoError(t, err)
		ids = append(ids, req.ID)
	}

	// Simulate a restart: a fresh queue over the same journal
	reloaded := newTestQueue(t, dir)
	require.Equal(t, 3, reloaded.Len())

	snapshot := reloaded.Snapshot()
	for i, req := range snapshot {
		assert.Equal(t, ids[i], req.ID, "FIFO order must survive reload")
		assert.Equal(t, "acme", req.Headers["X-Tenant"])
		assert.JSONEq(t, fmt.Sprintf(`{"amount":%d}`, i), string(req.Body))
	}
}

func TestQueue_SnapshotIsIsolated(t *testing.T) {
	q := newTestQueue(t, t.TempDir())

	_, err := q.Enqueue("/api/expenses", "POST", json.RawMessage(`{"a":1}`), map[string]string{"K": "v"})
	require.NoError(t, err)

	snapshot := q.Snapshot()
	snapshot[0].RetryCount = 99
	snapshot[0].Headers["K"] = "mutated"

	fresh := q.Snapshot()
	assert.Equal(t, 0, fresh[0].RetryCount)
	assert.Equal(t, "v", fresh[0].Headers["K"])
}

func TestQueue_FailAttempt(t *testing.T) {
	t.Run("increments until the budget is exhausted", func(t *testing.T) {
		q := newTestQueue(t, t.TempDir())
		req, err := q.Enqueue("/api/bad", "POST", nil, nil)
		require.NoError(t, err)

		retries, exhausted := q.FailAttempt(req.ID)
		assert.Equal(t, 1, retries)
		assert.False(t, exhausted)

		retries, exhausted = q.FailAttempt(req.ID)
		assert.Equal(t, 2, retries)
		assert.False(t, exhausted)

		retries, exhausted = q.FailAttempt(req.ID)
		assert.Equal(t, 3, retries)
		assert.True(t, exhausted)

		// Exhaustion copies to the dead letter journal; removal from the
		// pending queue is the drain pass's batch update
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, 1, q.DeadLen())
	})

	t.Run("persists the retry count", func(t *testing.T) {
		dir := t.TempDir()
		q := newTestQueue(t, dir)
		req, err := q.Enqueue("/api/bad", "POST", nil, nil)
		require.NoError(t, err)

		q.FailAttempt(req.ID)

		reloaded := newTestQueue(t, dir)
		assert.Equal(t, 1, reloaded.Snapshot()[0].RetryCount)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		q := newTestQueue(t, t.TempDir())
		retries, exhausted := q.FailAttempt("req-nope")
		assert.Equal(t, 0, retries)
		assert.False(t, exhausted)
	})
}

func TestQueue_RemoveBatch(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(t, dir)

	first, err := q.Enqueue("/api/a", "POST", nil, nil)
	require.NoError(t, err)
	second, err := q.Enqueue("/api/b", "PUT", nil, nil)
	require.NoError(t, err)
	third, err := q.Enqueue("/api/c", "DELETE", nil, nil)
	require.NoError(t, err)

	q.RemoveBatch([]string{first.ID, third.ID})

	require.Equal(t, 1, q.Len())
	assert.Equal(t, second.ID, q.Snapshot()[0].ID)

	// Removal is journaled
	reloaded := newTestQueue(t, dir)
	assert.Equal(t, 1, reloaded.Len())
}

func TestQueue_DeadLetters(t *testing.T) {
	t.Run("requeue restores the retry budget", func(t *testing.T) {
		dir := t.TempDir()
		q := newTestQueue(t, dir)
		req, err := q.Enqueue("/api/bad", "POST", nil, nil)
		require.NoError(t, err)

		for i := 0; i < models.MaxDeliveryAttempts; i++ {
			q.FailAttempt(req.ID)
		}
		q.RemoveBatch([]string{req.ID})
		require.Equal(t, 0, q.Len())
		require.Equal(t, 1, q.DeadLen())

		restored, err := q.Requeue(req.ID)
		require.NoError(t, err)
		assert.Equal(t, req.ID, restored.ID)
		assert.Equal(t, 0, restored.RetryCount)
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, 0, q.DeadLen())

		// Both journals reflect the move
		reloaded := newTestQueue(t, dir)
		assert.Equal(t, 1, reloaded.Len())
		assert.Equal(t, 0, reloaded.DeadLen())
	})

	t.Run("requeue of unknown id fails", func(t *testing.T) {
		q := newTestQueue(t, t.TempDir())
		_, err := q.Requeue("req-nope")
		assert.ErrorIs(t, err, models.ErrRequestNotFound)
	})
}
