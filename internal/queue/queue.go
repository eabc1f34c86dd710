// Package queue holds mutating requests captured while offline until the
// sync engine can deliver them. Every queue mutation rewrites a journal
// file in full, so the queue survives restarts; queue sizes stay small
// enough that the full rewrite is cheaper than it looks.
package queue

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/propsync/agent/internal/models"
)

const (
	journalFile    = "queue.json"
	deadLetterFile = "deadletter.json"
)

// Queue is a durable FIFO list of pending mutating requests plus a dead
// letter list of requests that exhausted their retry budget.
type Queue struct {
	mu       sync.Mutex
	items    []*models.QueuedRequest
	dead     []*models.QueuedRequest
	journal  string
	deadPath string
}

// New creates a Queue journaled under dir. Call Load before first use.
func New(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Queue{
		journal:  filepath.Join(dir, journalFile),
		deadPath: filepath.Join(dir, deadLetterFile),
	}, nil
}

// Load reads both journals back into memory. Corrupt journals are logged
// and treated as empty rather than blocking startup.
func (q *Queue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := loadJournal(q.journal)
	if err != nil {
		log.Printf("Queue journal unreadable, starting empty: %v", err)
		items = nil
	}
	dead, err := loadJournal(q.deadPath)
	if err != nil {
		log.Printf("Dead letter journal unreadable, starting empty: %v", err)
		dead = nil
	}

	q.items = items
	q.dead = dead
	if len(q.items) > 0 {
		log.Printf("Restored %d queued request(s) from journal", len(q.items))
	}
	return nil
}

// Enqueue appends a new request and journals the queue before returning.
// Journal write failures are logged, never surfaced: the request is still
// queued in memory and queueing must not fail the caller.
func (q *Queue) Enqueue(url, method string, body json.RawMessage, headers map[string]string) (*models.QueuedRequest, error) {
	req, err := models.NewQueuedRequest(url, method, body, headers)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, req)
	q.persistLocked()

	log.Printf("Queued %s %s as %s (%d pending)", req.Method, req.URL, req.ID, len(q.items))
	return req.Clone(), nil
}

// Snapshot returns a copy of the pending requests in FIFO order. Drain
// passes iterate the snapshot while the live queue keeps accepting work.
func (q *Queue) Snapshot() []*models.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.QueuedRequest, len(q.items))
	for i, req := range q.items {
		out[i] = req.Clone()
	}
	return out
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLen returns the number of dead-lettered requests.
func (q *Queue) DeadLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

// FailAttempt increments the retry count for a delivery failure and
// journals immediately. When the retry budget is exhausted the request is
// copied to the dead letter journal; it stays in the pending list until the
// drain pass removes its whole batch.
func (q *Queue) FailAttempt(id string) (retries int, exhausted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, req := range q.items {
		if req.ID != id {
			continue
		}
		req.RetryCount++
		retries = req.RetryCount
		exhausted = req.Exhausted()
		if exhausted {
			q.dead = append(q.dead, req.Clone())
			q.persistDeadLocked()
		}
		q.persistLocked()
		return retries, exhausted
	}
	return 0, false
}

// RemoveBatch removes the given requests from the pending queue in one
// journal update. The engine calls it once at the end of a drain pass with
// everything delivered or abandoned during that pass.
func (q *Queue) RemoveBatch(ids []string) {
	if len(ids) == 0 {
		return
	}
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		removed[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, req := range q.items {
		if !removed[req.ID] {
			kept = append(kept, req)
		}
	}
	q.items = kept
	q.persistLocked()
}

// DeadLetters returns a copy of the abandoned requests, oldest first.
func (q *Queue) DeadLetters() []*models.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.QueuedRequest, len(q.dead))
	for i, req := range q.dead {
		out[i] = req.Clone()
	}
	return out
}

// Requeue moves a dead-lettered request back to the pending queue with a
// fresh retry budget.
func (q *Queue) Requeue(id string) (*models.QueuedRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, req := range q.dead {
		if req.ID != id {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		req.RetryCount = 0
		q.items = append(q.items, req)
		q.persistDeadLocked()
		q.persistLocked()
		log.Printf("Requeued dead-lettered request %s", req.ID)
		return req.Clone(), nil
	}
	return nil, models.ErrRequestNotFound
}

// JournalPath returns the queue journal location for storage estimates.
func (q *Queue) JournalPath() string {
	return q.journal
}

func (q *Queue) persistLocked() {
	if err := writeJournal(q.journal, q.items); err != nil {
		log.Printf("Failed to journal queue: %v", err)
	}
}

func (q *Queue) persistDeadLocked() {
	if err := writeJournal(q.deadPath, q.dead); err != nil {
		log.Printf("Failed to journal dead letters: %v", err)
	}
}
