// Package connectivity watches the link to the upstream server and tells
// the sync engine when to drain. The core sync logic only sees the
// Environment interface, so tests and non-daemon hosts can feed their own
// signals.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/propsync/agent/internal/models"
)

// Environment abstracts the host's connectivity and storage signals.
type Environment interface {
	// Online reports the current connectivity flag.
	Online() bool

	// OnConnectivityChange registers a callback fired on every
	// online/offline edge with the new state.
	OnConnectivityChange(fn func(online bool))

	// OnVisibilityChange registers a callback fired when the host regains
	// the foreground (for a daemon: resume after a suspend gap).
	OnVisibilityChange(fn func())

	// EstimateStorage reports local bytes used and available quota.
	// Unavailable figures are zeros, never an error.
	EstimateStorage() models.StorageEstimate
}

// Monitor is the default Environment: it probes the upstream health
// endpoint on a ticker, detects online/offline edges, and treats a large
// wall-clock gap between ticks as a resume from suspend.
type Monitor struct {
	probeURL  string
	interval  time.Duration
	client    *http.Client
	dataPaths []string

	mu           sync.Mutex
	online       bool
	connFns      []func(bool)
	visFns       []func()
	lastTick     time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewMonitor creates a Monitor probing probeURL every interval. dataPaths
// are the local files (cache database, journals) measured by
// EstimateStorage.
func NewMonitor(probeURL string, interval time.Duration, dataPaths ...string) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probeURL:  probeURL,
		interval:  interval,
		client:    &http.Client{Timeout: 5 * time.Second},
		dataPaths: dataPaths,
	}
}

// Start begins probing. The initial probe runs synchronously so Online is
// meaningful as soon as Start returns.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.setOnline(m.probe(ctx))

	go m.run(ctx, done)
}

// Stop halts probing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.mu.Lock()
	m.lastTick = time.Now()
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	gap := now.Sub(m.lastTick)
	m.lastTick = now
	m.mu.Unlock()

	online := m.probe(ctx)
	m.setOnline(online)

	// A tick arriving far later than scheduled means the process was
	// suspended; fire the visibility hook so a drain runs even when no
	// offline/online edge was observed in between.
	if gap > 3*m.interval && online {
		log.Printf("Resumed after %s gap, signaling visibility", gap.Round(time.Second))
		for _, fn := range m.visibilityFns() {
			fn()
		}
	}
}

// probe considers any HTTP response proof of connectivity; only transport
// errors mean offline.
func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Online reports the current connectivity flag.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnConnectivityChange registers an edge callback.
func (m *Monitor) OnConnectivityChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connFns = append(m.connFns, fn)
}

// OnVisibilityChange registers a foreground callback.
func (m *Monitor) OnVisibilityChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visFns = append(m.visFns, fn)
}

// NotifyOnline lets an embedding host push a connectivity signal directly,
// e.g. from a platform network-change event, instead of waiting for the
// next probe.
func (m *Monitor) NotifyOnline(online bool) {
	m.setOnline(online)
}

// EstimateStorage sums the sizes of the agent's data files and reads the
// free space on their volume. Any failure yields zeros.
func (m *Monitor) EstimateStorage() models.StorageEstimate {
	var est models.StorageEstimate
	for _, path := range m.dataPaths {
		if info, err := os.Stat(path); err == nil {
			est.UsedBytes += info.Size()
		}
	}
	if len(m.dataPaths) > 0 {
		var stat unix.Statfs_t
		if err := unix.Statfs(filepath.Dir(m.dataPaths[0]), &stat); err == nil {
			est.QuotaBytes = int64(stat.Bavail) * stat.Bsize
		}
	}
	return est
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	fns := make([]func(bool), len(m.connFns))
	copy(fns, m.connFns)
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		log.Println("Connectivity restored")
	} else {
		log.Println("Connectivity lost")
	}
	for _, fn := range fns {
		fn(online)
	}
}

func (m *Monitor) visibilityFns() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	fns := make([]func(), len(m.visFns))
	copy(fns, m.visFns)
	return fns
}
