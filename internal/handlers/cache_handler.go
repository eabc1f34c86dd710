package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/propsync/agent/internal/models"
	"github.com/propsync/agent/internal/store"
	"github.com/propsync/agent/internal/syncengine"
)

// CacheHandler exposes the cached collections. With the store in degraded
// mode (nil) every endpoint answers 503.
type CacheHandler struct {
	store  store.Store
	engine *syncengine.Engine
}

// NewCacheHandler creates a new CacheHandler
func NewCacheHandler(s store.Store, engine *syncengine.Engine) *CacheHandler {
	return &CacheHandler{store: s, engine: engine}
}

// GetCollection returns the cached snapshot of one collection
// @Summary Read a cached collection
// @Tags cache
// @Produce json
// @Param collection path string true "Collection name (properties, tenants, payments)"
// @Success 200 {array} models.CachedEntity
// @Failure 404 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/cache/{collection} [get]
func (h *CacheHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Local cache unavailable")
		return
	}

	name := chi.URLParam(r, "collection")
	if !models.ValidCollection(name) {
		writeError(w, http.StatusNotFound, "Unknown collection")
		return
	}

	items, err := h.store.Collection(r.Context(), name)
	if err != nil {
		if errors.Is(err, models.ErrStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "Local cache unavailable")
			return
		}
		log.Printf("Reading cached %s failed: %v", name, err)
		writeError(w, http.StatusInternalServerError, "Cache read failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// Clear empties every cached collection and metadata
// @Summary Clear the cache
// @Description Drops all cached snapshots and the lastSync marker; the queue is untouched
// @Tags cache
// @Success 204 "Cache cleared"
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/cache [delete]
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearAllData(r.Context()); err != nil {
		if errors.Is(err, models.ErrStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "Local cache unavailable")
			return
		}
		log.Printf("Clearing cache failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Cache clear failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
