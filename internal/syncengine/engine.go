// Package syncengine orchestrates the two offline-sync flows: pulling
// server collections into the local cache and pushing queued mutations back
// out, with a per-request retry ceiling and a single-drain-at-a-time guard.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/propsync/agent/internal/connectivity"
	"github.com/propsync/agent/internal/models"
	"github.com/propsync/agent/internal/observability"
	"github.com/propsync/agent/internal/queue"
	"github.com/propsync/agent/internal/store"
)

// DefaultStaleAfter is the cache age beyond which IsDataStale reports true
// when the caller passes no threshold.
const DefaultStaleAfter = 30 * time.Minute

// EventPublisher receives completion signals after drain passes and pulls.
// The websocket hub implements it; tests record calls.
type EventPublisher interface {
	PublishDrainCompleted(result models.DrainResult)
	PublishPullCompleted(result models.PullResult)
}

// Deps are the engine's injectable collaborators. Store may be nil: the
// engine then runs in queue-only degraded mode (no cache, pulls skipped).
type Deps struct {
	Store  store.Store
	Queue  *queue.Queue
	Env    connectivity.Environment
	API    API
	Events EventPublisher
	Now    func() time.Time
}

// Engine composes the local store, the durable queue and the connectivity
// monitor into the offline sync service.
type Engine struct {
	store  store.Store
	queue  *queue.Queue
	env    connectivity.Environment
	api    API
	events EventPublisher
	now    func() time.Time

	draining atomic.Bool
	pulling  atomic.Bool
	metrics  *observability.SyncMetrics
}

// New builds an Engine. It does not register connectivity hooks; call
// Start once the caller is ready to receive drains.
func New(deps Deps) *Engine {
	e := &Engine{
		store:  deps.Store,
		queue:  deps.Queue,
		env:    deps.Env,
		api:    deps.API,
		events: deps.Events,
		now:    deps.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if m, err := observability.NewSyncMetrics(); err == nil {
		e.metrics = m
	}
	return e
}

// Start hooks the engine into the environment: an offline-to-online edge
// and a regained foreground both trigger a drain pass.
func (e *Engine) Start() {
	e.env.OnConnectivityChange(func(online bool) {
		if online {
			go e.DrainQueue(context.Background())
		}
	})
	e.env.OnVisibilityChange(func() {
		if e.env.Online() {
			go e.DrainQueue(context.Background())
		}
	})
}

// Enqueue captures a mutating request. The request is journaled before
// Enqueue returns; if the agent is currently online a drain pass starts in
// the background. The returned id correlates with drain events. Errors are
// validation only; storage problems never fail an enqueue.
func (e *Engine) Enqueue(url, method string, body json.RawMessage, headers map[string]string) (string, error) {
	req, err := e.queue.Enqueue(url, method, body, headers)
	if err != nil {
		return "", err
	}
	if e.env.Online() {
		go e.DrainQueue(context.Background())
	}
	return req.ID, nil
}

// DrainQueue runs at most one drain pass. A call while a pass is already
// in flight is a no-op returning a zero result; the caller's trigger is
// covered by the running pass or by the next one.
func (e *Engine) DrainQueue(ctx context.Context) models.DrainResult {
	if !e.draining.CompareAndSwap(false, true) {
		return models.DrainResult{}
	}
	defer e.draining.Store(false)

	snapshot := e.queue.Snapshot()
	if len(snapshot) == 0 {
		return models.DrainResult{CompletedAt: e.now().UTC()}
	}

	ctx, span := observability.StartServiceSpan(ctx, "syncengine", "drain")
	defer span.End()

	log.Printf("Draining %d queued request(s)", len(snapshot))

	var result models.DrainResult
	var done []string

	for _, req := range snapshot {
		if err := e.api.Deliver(ctx, req); err != nil {
			retries, exhausted := e.queue.FailAttempt(req.ID)
			if exhausted {
				// Give up: the request leaves the queue but survives in the
				// dead letter journal for manual requeue.
				log.Printf("Abandoning request %s after %d attempts: %v", req.ID, retries, err)
				done = append(done, req.ID)
				result.Abandoned++
			} else {
				log.Printf("Delivery of %s failed (attempt %d/%d): %v",
					req.ID, retries, models.MaxDeliveryAttempts, err)
			}
			continue
		}
		done = append(done, req.ID)
		result.Delivered++
	}

	e.queue.RemoveBatch(done)

	result.ProcessedCount = result.Delivered + result.Abandoned
	result.Remaining = e.queue.Len()
	result.CompletedAt = e.now().UTC()

	if e.metrics != nil {
		e.metrics.RecordDrain(ctx, result)
	}
	observability.SetSuccess(span)

	log.Printf("Drain pass complete: %d delivered, %d abandoned, %d remaining",
		result.Delivered, result.Abandoned, result.Remaining)

	if e.events != nil {
		e.events.PublishDrainCompleted(result)
	}
	return result
}

// SyncAll pulls the three server collections concurrently and replaces the
// cached snapshots, then records lastSync. Any single fetch failure aborts
// the whole pull before the first cache write, so prior snapshots stay
// intact. Pulls and drains are deliberately not serialized against each
// other; the server remains the source of truth on the next pull.
func (e *Engine) SyncAll(ctx context.Context) error {
	if !e.env.Online() {
		return models.ErrOffline
	}
	if e.store == nil {
		return models.ErrStorageUnavailable
	}
	if !e.pulling.CompareAndSwap(false, true) {
		return models.ErrSyncInProgress
	}
	defer e.pulling.Store(false)

	ctx, span := observability.StartServiceSpan(ctx, "syncengine", "pull")
	defer span.End()

	// Each goroutine writes its own slot, so no lock is needed.
	fetched := make([][]models.CachedEntity, len(models.Collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range models.Collections {
		i, name := i, name
		g.Go(func() error {
			items, err := e.api.FetchCollection(gctx, name)
			if err != nil {
				return err
			}
			fetched[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observability.RecordError(span, err)
		log.Printf("Full sync aborted, caches untouched: %v", err)
		return fmt.Errorf("pull failed: %w", err)
	}

	result := models.PullResult{Collections: make(map[string]int, len(fetched))}
	for i, name := range models.Collections {
		if err := e.store.ReplaceCollection(ctx, name, fetched[i]); err != nil {
			observability.RecordError(span, err)
			log.Printf("Storing %s failed: %v", name, err)
			return err
		}
		result.Collections[name] = len(fetched[i])
	}

	now := e.now().UTC()
	if err := e.store.SetMetadata(ctx, store.MetaLastSync,
		strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		observability.RecordError(span, err)
		log.Printf("Recording lastSync failed: %v", err)
		return err
	}
	result.CompletedAt = now

	if e.metrics != nil {
		e.metrics.RecordPull(ctx, result)
	}
	observability.SetSuccess(span)

	log.Printf("Full sync complete: %d properties, %d tenants, %d payments",
		result.Collections[models.CollectionProperties],
		result.Collections[models.CollectionTenants],
		result.Collections[models.CollectionPayments])

	if e.events != nil {
		e.events.PublishPullCompleted(result)
	}
	return nil
}

// IsDataStale reports whether the cache is older than maxAge (or has never
// been populated). A non-positive maxAge means DefaultStaleAfter. Pure
// read, no side effects.
func (e *Engine) IsDataStale(ctx context.Context, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultStaleAfter
	}
	if e.store == nil {
		return true
	}
	value, ok, err := e.store.Metadata(ctx, store.MetaLastSync)
	if err != nil || !ok {
		return true
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return true
	}
	return e.now().Sub(time.UnixMilli(millis)) > maxAge
}

// ClearAllData empties the cached collections and metadata; the cache is
// stale again afterwards. The queue is untouched.
func (e *Engine) ClearAllData(ctx context.Context) error {
	if e.store == nil {
		return models.ErrStorageUnavailable
	}
	return e.store.ClearAll(ctx)
}

// Status projects the agent's live state from memory only; it never touches
// the store and is safe to poll.
func (e *Engine) Status() models.SyncStatus {
	return models.SyncStatus{
		Online:         e.env.Online(),
		QueuedRequests: e.queue.Len(),
		SyncInProgress: e.draining.Load() || e.pulling.Load(),
		DeadLettered:   e.queue.DeadLen(),
	}
}
