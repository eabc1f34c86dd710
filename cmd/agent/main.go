package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/propsync/agent/internal/config"
	"github.com/propsync/agent/internal/connectivity"
	"github.com/propsync/agent/internal/handlers"
	custommw "github.com/propsync/agent/internal/middleware"
	"github.com/propsync/agent/internal/observability"
	"github.com/propsync/agent/internal/queue"
	"github.com/propsync/agent/internal/services"
	"github.com/propsync/agent/internal/store"
	"github.com/propsync/agent/internal/syncengine"
)

const serviceVersion = "1.2.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize telemetry (disabled unless OTEL_ENABLED is set)
	telemetry, err := observability.Initialize(context.Background(),
		observability.NewConfig("propsync-agent", serviceVersion))
	if err != nil {
		log.Printf("Telemetry init failed, continuing without: %v", err)
	}

	// Initialize the durable request queue first: it must survive even
	// when the cache database cannot open
	q, err := queue.New(cfg.QueueDir())
	if err != nil {
		log.Fatalf("Failed to prepare queue directory: %v", err)
	}
	if err := q.Load(); err != nil {
		log.Fatalf("Failed to load queue journal: %v", err)
	}

	// Open the local cache; on failure degrade to queue-only operation
	var cacheStore store.Store
	if cfg.UsePostgres() {
		log.Println("Using PostgreSQL cache")
		cacheStore = store.NewPostgres(cfg.DatabaseURL)
	} else {
		log.Println("Using SQLite cache")
		cacheStore = store.NewSQLite(cfg.DatabasePath)
	}
	if err := cacheStore.Open(context.Background()); err != nil {
		log.Printf("Local cache unavailable, running queue-only: %v", err)
		cacheStore.Close()
		cacheStore = nil
	}

	// Connectivity monitor probes the upstream health endpoint
	probeURL := strings.TrimRight(cfg.Upstream.BaseURL, "/") + cfg.Connectivity.ProbePath
	dataPaths := []string{q.JournalPath()}
	if !cfg.UsePostgres() {
		dataPaths = append(dataPaths, cfg.DatabasePath)
	}
	monitor := connectivity.NewMonitor(probeURL,
		time.Duration(cfg.Connectivity.ProbeIntervalSeconds)*time.Second, dataPaths...)

	// Event hub for UI subscribers
	hub := services.NewEventHub()
	go hub.Run()

	// Sync engine composes store, queue and monitor
	engine := syncengine.New(syncengine.Deps{
		Store:  cacheStore,
		Queue:  q,
		Env:    monitor,
		API:    syncengine.NewAPIClient(cfg.Upstream),
		Events: hub,
	})
	engine.Start()
	monitor.Start()

	// Initial pull when online and the cache is stale
	if cfg.Sync.PullOnStart && cacheStore != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			staleAfter := time.Duration(cfg.Sync.StaleAfterMinutes) * time.Minute
			if engine.IsDataStale(ctx, staleAfter) {
				if err := engine.SyncAll(ctx); err != nil {
					log.Printf("Initial sync skipped: %v", err)
				}
			}
		}()
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler()
	statusHandler := handlers.NewStatusHandler(engine, monitor)
	queueHandler := handlers.NewQueueHandler(engine, q)
	syncHandler := handlers.NewSyncHandler(engine)
	cacheHandler := handlers.NewCacheHandler(cacheStore, engine)
	wsHandler := handlers.NewWebSocketHandler(hub)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.TracingMiddleware("propsync-agent"))
	if metrics, err := observability.NewHTTPMetrics(); err == nil {
		r.Use(observability.MetricsMiddleware(metrics))
	}
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/ws", wsHandler.HandleConnection)
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusHandler.GetStatus)
		r.Get("/storage", statusHandler.GetStorage)

		r.Route("/queue", func(r chi.Router) {
			r.Post("/", queueHandler.Enqueue)
			r.Get("/", queueHandler.List)
			r.Post("/drain", queueHandler.TriggerDrain)
			r.Get("/dead", queueHandler.DeadLetters)
			r.Post("/dead/{id}/requeue", queueHandler.Requeue)
		})

		r.Post("/sync", syncHandler.TriggerPull)
		r.Get("/sync/stale", syncHandler.GetStale)

		r.Get("/cache/{collection}", cacheHandler.GetCollection)
		r.Delete("/cache", cacheHandler.Clear)
	})

	// Create server
	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("PropSync agent starting on %s", cfg.ListenAddress)
		log.Printf("Upstream server: %s", cfg.Upstream.BaseURL)
		log.Printf("Queue journal: %s (%d pending)", q.JournalPath(), q.Len())

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Control API error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down agent...")

	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Control API forced to shutdown: %v", err)
	}
	if cacheStore != nil {
		cacheStore.Close()
	}
	if telemetry != nil {
		if err := telemetry.Shutdown(ctx); err != nil {
			log.Printf("Telemetry shutdown: %v", err)
		}
	}

	log.Println("Agent stopped")
}
