package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsync/agent/internal/connectivity"
	"github.com/propsync/agent/internal/models"
	"github.com/propsync/agent/internal/queue"
	"github.com/propsync/agent/internal/store"
)

// fakeEnv is a hand-driven Environment: tests flip connectivity and fire
// visibility directly.
type fakeEnv struct {
	mu      sync.Mutex
	online  bool
	connFns []func(bool)
	visFns  []func()
}

var _ connectivity.Environment = (*fakeEnv)(nil)

func (e *fakeEnv) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *fakeEnv) OnConnectivityChange(fn func(bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connFns = append(e.connFns, fn)
}

func (e *fakeEnv) OnVisibilityChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.visFns = append(e.visFns, fn)
}

func (e *fakeEnv) EstimateStorage() models.StorageEstimate {
	return models.StorageEstimate{}
}

func (e *fakeEnv) setOnline(online bool) {
	e.mu.Lock()
	changed := online != e.online
	e.online = online
	fns := append([]func(bool){}, e.connFns...)
	e.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range fns {
		fn(online)
	}
}

func (e *fakeEnv) fireVisibility() {
	e.mu.Lock()
	fns := append([]func(){}, e.visFns...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fakeAPI scripts delivery and fetch outcomes.
type fakeAPI struct {
	mu         sync.Mutex
	deliverFn  func(req *models.QueuedRequest) error
	fetchFn    func(name string) ([]models.CachedEntity, error)
	deliveries []*models.QueuedRequest
}

func (a *fakeAPI) Deliver(ctx context.Context, req *models.QueuedRequest) error {
	a.mu.Lock()
	a.deliveries = append(a.deliveries, req)
	fn := a.deliverFn
	a.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return nil
}

func (a *fakeAPI) FetchCollection(ctx context.Context, name string) ([]models.CachedEntity, error) {
	if a.fetchFn != nil {
		return a.fetchFn(name)
	}
	return nil, nil
}

func (a *fakeAPI) deliveryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.deliveries)
}

// recordingEvents captures published completion events.
type recordingEvents struct {
	mu     sync.Mutex
	drains []models.DrainResult
	pulls  []models.PullResult
}

func (r *recordingEvents) PublishDrainCompleted(result models.DrainResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drains = append(r.drains, result)
}

func (r *recordingEvents) PublishPullCompleted(result models.PullResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, result)
}

func (r *recordingEvents) drainCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drains)
}

func (r *recordingEvents) lastDrain() models.DrainResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drains[len(r.drains)-1]
}

type testRig struct {
	engine *Engine
	queue  *queue.Queue
	store  *store.SQLStore
	env    *fakeEnv
	api    *fakeAPI
	events *recordingEvents
}

func newTestRig(t *testing.T, withStore bool) *testRig {
	t.Helper()

	q, err := queue.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, q.Load())

	var s *store.SQLStore
	var engineStore store.Store
	if withStore {
		s = store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, s.Open(context.Background()))
		t.Cleanup(func() { s.Close() })
		engineStore = s
	}

	env := &fakeEnv{}
	api := &fakeAPI{}
	events := &recordingEvents{}

	engine := New(Deps{
		Store:  engineStore,
		Queue:  q,
		Env:    env,
		API:    api,
		Events: events,
	})
	engine.Start()

	return &testRig{engine: engine, queue: q, store: s, env: env, api: api, events: events}
}

func serverItems(prefix string, n int) []models.CachedEntity {
	out := make([]models.CachedEntity, n)
	for i := range out {
		id := fmt.Sprintf("%s%d", prefix, i+1)
		out[i] = models.CachedEntity{
			ID:      id,
			Payload: json.RawMessage(`{"id":"` + id + `"}`),
		}
	}
	return out
}

func TestEngine_OfflineEnqueueThenReconnect(t *testing.T) {
	rig := newTestRig(t, false)

	for i := 0; i < 3; i++ {
		_, err := rig.engine.Enqueue("/api/expenses", "POST",
			json.RawMessage(`{"amount":50}`), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, rig.queue.Len())
	require.Equal(t, 0, rig.api.deliveryCount(), "no delivery while offline")

	rig.env.setOnline(true)

	require.Eventually(t, func() bool { return rig.queue.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return rig.events.drainCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	result := rig.events.lastDrain()
	assert.Equal(t, 3, result.ProcessedCount)
	assert.Equal(t, 3, result.Delivered)
	assert.Equal(t, 0, result.Abandoned)
}

func TestEngine_EnqueueWhileOnlineDrainsImmediately(t *testing.T) {
	rig := newTestRig(t, false)
	rig.env.setOnline(true)

	id, err := rig.engine.Enqueue("/api/payments", "POST", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool { return rig.queue.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rig.api.deliveryCount())
}

func TestEngine_VisibilityTriggersDrain(t *testing.T) {
	rig := newTestRig(t, false)

	_, err := rig.engine.Enqueue("/api/expenses", "POST", nil, nil)
	require.NoError(t, err)

	// Going online is suppressed here so only the visibility hook can
	// start the drain
	rig.env.mu.Lock()
	rig.env.online = true
	rig.env.mu.Unlock()

	rig.env.fireVisibility()

	require.Eventually(t, func() bool { return rig.queue.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestEngine_PermanentFailureIsAbandonedAfterThreePasses(t *testing.T) {
	rig := newTestRig(t, false)
	rig.api.deliverFn = func(*models.QueuedRequest) error {
		return errors.New("server returned 500")
	}

	id, err := rig.engine.Enqueue("/api/bad", "POST", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	for pass := 1; pass <= 2; pass++ {
		result := rig.engine.DrainQueue(context.Background())
		assert.Equal(t, 0, result.ProcessedCount, "pass %d should keep the request", pass)
		assert.Equal(t, 1, rig.queue.Len())
	}

	result := rig.engine.DrainQueue(context.Background())
	assert.Equal(t, 1, result.ProcessedCount)
	assert.Equal(t, 1, result.Abandoned)
	assert.Equal(t, 0, rig.queue.Len())
	assert.Equal(t, 1, rig.queue.DeadLen())

	deliveries := rig.api.deliveryCount()
	rig.engine.DrainQueue(context.Background())
	assert.Equal(t, deliveries, rig.api.deliveryCount(), "no further attempts after abandonment")

	// The abandoned request is recoverable
	dead := rig.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func TestEngine_TransientFailureKeepsRequestQueued(t *testing.T) {
	rig := newTestRig(t, false)

	calls := 0
	rig.api.deliverFn = func(*models.QueuedRequest) error {
		calls++
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	}

	_, err := rig.engine.Enqueue("/api/expenses", "POST", nil, nil)
	require.NoError(t, err)

	result := rig.engine.DrainQueue(context.Background())
	assert.Equal(t, 0, result.ProcessedCount)
	require.Equal(t, 1, rig.queue.Len())
	assert.Equal(t, 1, rig.queue.Snapshot()[0].RetryCount)

	result = rig.engine.DrainQueue(context.Background())
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 0, rig.queue.Len())
}

func TestEngine_DrainIsNotReentrant(t *testing.T) {
	rig := newTestRig(t, false)

	started := make(chan struct{})
	release := make(chan struct{})
	rig.api.deliverFn = func(*models.QueuedRequest) error {
		started <- struct{}{}
		<-release
		return nil
	}

	_, err := rig.engine.Enqueue("/api/slow", "POST", nil, nil)
	require.NoError(t, err)

	go rig.engine.DrainQueue(context.Background())
	<-started // first pass is mid-delivery

	// Second trigger while a pass is in flight is a no-op
	second := rig.engine.DrainQueue(context.Background())
	assert.Zero(t, second.ProcessedCount)
	assert.Zero(t, second.CompletedAt)

	close(release)

	require.Eventually(t, func() bool { return rig.queue.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rig.api.deliveryCount())
}

func TestEngine_SyncAll(t *testing.T) {
	t.Run("stores all collections and records lastSync", func(t *testing.T) {
		rig := newTestRig(t, true)
		rig.env.setOnline(true)
		rig.api.fetchFn = func(name string) ([]models.CachedEntity, error) {
			switch name {
			case models.CollectionProperties:
				return serverItems("p", 2), nil
			case models.CollectionTenants:
				return serverItems("t", 3), nil
			default:
				return serverItems("m", 1), nil
			}
		}

		require.NoError(t, rig.engine.SyncAll(context.Background()))

		props, err := rig.store.Collection(context.Background(), models.CollectionProperties)
		require.NoError(t, err)
		assert.Len(t, props, 2)

		tenants, err := rig.store.Collection(context.Background(), models.CollectionTenants)
		require.NoError(t, err)
		assert.Len(t, tenants, 3)

		assert.False(t, rig.engine.IsDataStale(context.Background(), 0))

		rig.events.mu.Lock()
		defer rig.events.mu.Unlock()
		require.Len(t, rig.events.pulls, 1)
		assert.Equal(t, 2, rig.events.pulls[0].Collections[models.CollectionProperties])
	})

	t.Run("refuses while offline", func(t *testing.T) {
		rig := newTestRig(t, true)
		err := rig.engine.SyncAll(context.Background())
		assert.ErrorIs(t, err, models.ErrOffline)
	})

	t.Run("degraded mode skips pulls", func(t *testing.T) {
		rig := newTestRig(t, false)
		rig.env.setOnline(true)
		err := rig.engine.SyncAll(context.Background())
		assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	})

	t.Run("partial fetch failure leaves caches and lastSync untouched", func(t *testing.T) {
		rig := newTestRig(t, true)
		rig.env.setOnline(true)

		// Seed the cache with a prior successful pull
		rig.api.fetchFn = func(name string) ([]models.CachedEntity, error) {
			return serverItems(name[:1], 2), nil
		}
		require.NoError(t, rig.engine.SyncAll(context.Background()))

		before, err := rig.store.Collection(context.Background(), models.CollectionProperties)
		require.NoError(t, err)
		lastSyncBefore, ok, err := rig.store.Metadata(context.Background(), store.MetaLastSync)
		require.NoError(t, err)
		require.True(t, ok)

		// Now the tenants endpoint goes dark
		rig.api.fetchFn = func(name string) ([]models.CachedEntity, error) {
			if name == models.CollectionTenants {
				return nil, errors.New("connection refused")
			}
			return serverItems("fresh", 5), nil
		}

		err = rig.engine.SyncAll(context.Background())
		require.Error(t, err)

		after, err := rig.store.Collection(context.Background(), models.CollectionProperties)
		require.NoError(t, err)
		assert.ElementsMatch(t, before, after, "properties cache must be untouched")

		lastSyncAfter, ok, err := rig.store.Metadata(context.Background(), store.MetaLastSync)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, lastSyncBefore, lastSyncAfter, "lastSync must not advance")
	})
}

func TestEngine_IsDataStale(t *testing.T) {
	t.Run("true before any sync", func(t *testing.T) {
		rig := newTestRig(t, true)
		assert.True(t, rig.engine.IsDataStale(context.Background(), 0))
	})

	t.Run("true without a store", func(t *testing.T) {
		rig := newTestRig(t, false)
		assert.True(t, rig.engine.IsDataStale(context.Background(), 0))
	})

	t.Run("false right after a sync, true again past the threshold", func(t *testing.T) {
		now := time.Now()
		clock := func() time.Time { return now }

		q, err := queue.New(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, q.Load())

		s := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, s.Open(context.Background()))
		defer s.Close()

		env := &fakeEnv{online: true}
		engine := New(Deps{Store: s, Queue: q, Env: env, API: &fakeAPI{}, Now: clock})

		require.NoError(t, engine.SyncAll(context.Background()))
		assert.False(t, engine.IsDataStale(context.Background(), 0))

		now = now.Add(31 * time.Minute)
		assert.True(t, engine.IsDataStale(context.Background(), 0))

		now = now.Add(-31 * time.Minute).Add(10 * time.Minute)
		assert.True(t, engine.IsDataStale(context.Background(), 5*time.Minute))
	})

	t.Run("true again after ClearAllData", func(t *testing.T) {
		rig := newTestRig(t, true)
		rig.env.setOnline(true)

		require.NoError(t, rig.engine.SyncAll(context.Background()))
		require.False(t, rig.engine.IsDataStale(context.Background(), 0))

		require.NoError(t, rig.engine.ClearAllData(context.Background()))
		assert.True(t, rig.engine.IsDataStale(context.Background(), 0))
	})
}

func TestEngine_Status(t *testing.T) {
	rig := newTestRig(t, false)

	status := rig.engine.Status()
	assert.False(t, status.Online)
	assert.Equal(t, 0, status.QueuedRequests)
	assert.False(t, status.SyncInProgress)

	_, err := rig.engine.Enqueue("/api/expenses", "POST", nil, nil)
	require.NoError(t, err)
	_, err = rig.engine.Enqueue("/api/expenses", "POST", nil, nil)
	require.NoError(t, err)

	status = rig.engine.Status()
	assert.Equal(t, 2, status.QueuedRequests)
	assert.False(t, status.Online)
}
