package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/propsync/agent/internal/models"
	"github.com/propsync/agent/internal/syncengine"
)

// SyncHandler exposes pull and staleness operations
type SyncHandler struct {
	engine *syncengine.Engine
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(engine *syncengine.Engine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// TriggerPull runs a full pull of the cached collections
// @Summary Trigger a full sync
// @Description Pulls properties, tenants and payments from the server and replaces the local cache
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncStatus
// @Failure 409 {object} models.ErrorResponse "Offline or sync already running"
// @Failure 503 {object} models.ErrorResponse "Local storage unavailable"
// @Security ApiKeyAuth
// @Router /api/sync [post]
func (h *SyncHandler) TriggerPull(w http.ResponseWriter, r *http.Request) {
	err := h.engine.SyncAll(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, models.ErrOffline), errors.Is(err, models.ErrSyncInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, models.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		log.Printf("Full sync failed: %v", err)
		writeError(w, http.StatusBadGateway, "Sync failed, caches unchanged")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.Status())
}

// GetStale reports whether the cache is older than maxAgeMinutes
// @Summary Cache staleness
// @Tags sync
// @Produce json
// @Param maxAgeMinutes query int false "Staleness threshold in minutes (default 30)"
// @Success 200 {object} map[string]bool
// @Security ApiKeyAuth
// @Router /api/sync/stale [get]
func (h *SyncHandler) GetStale(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if raw := r.URL.Query().Get("maxAgeMinutes"); raw != "" {
		if minutes, err := strconv.Atoi(raw); err == nil && minutes > 0 {
			maxAge = time.Duration(minutes) * time.Minute
		}
	}

	stale := h.engine.IsDataStale(r.Context(), maxAge)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"stale": stale})
}
