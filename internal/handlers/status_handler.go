package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/propsync/agent/internal/connectivity"
	"github.com/propsync/agent/internal/syncengine"
)

// StatusHandler exposes the sync status projection and storage estimate
type StatusHandler struct {
	engine *syncengine.Engine
	env    connectivity.Environment
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(engine *syncengine.Engine, env connectivity.Environment) *StatusHandler {
	return &StatusHandler{engine: engine, env: env}
}

// GetStatus returns the live sync status
// @Summary Sync status
// @Description Returns connectivity, queued request count and whether a sync is running
// @Tags status
// @Produce json
// @Success 200 {object} models.SyncStatus
// @Security ApiKeyAuth
// @Router /api/status [get]
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.Status())
}

// GetStorage returns the local storage estimate
// @Summary Storage estimate
// @Description Returns bytes used by the local cache and available quota; zeros when unknown
// @Tags status
// @Produce json
// @Success 200 {object} models.StorageEstimate
// @Security ApiKeyAuth
// @Router /api/storage [get]
func (h *StatusHandler) GetStorage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.env.EstimateStorage())
}
