package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/propsync/agent/internal/models"
	"github.com/propsync/agent/internal/queue"
	"github.com/propsync/agent/internal/syncengine"
)

// QueueHandler exposes the durable request queue over the control API
type QueueHandler struct {
	engine *syncengine.Engine
	queue  *queue.Queue
}

// NewQueueHandler creates a new QueueHandler
func NewQueueHandler(engine *syncengine.Engine, q *queue.Queue) *QueueHandler {
	return &QueueHandler{engine: engine, queue: q}
}

// Enqueue queues a mutating request for delivery
// @Summary Queue a request
// @Description Captures a mutating HTTP request; it is delivered immediately when online or on the next drain
// @Tags queue
// @Accept json
// @Produce json
// @Param request body models.EnqueueRequest true "Request to queue"
// @Success 202 {object} models.EnqueueResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/queue [post]
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	id, err := h.engine.Enqueue(req.URL, req.Method, req.Body, req.Headers)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(models.EnqueueResponse{ID: id})
}

// List returns the pending queue in FIFO order
// @Summary List pending requests
// @Tags queue
// @Produce json
// @Success 200 {array} models.QueuedRequest
// @Security ApiKeyAuth
// @Router /api/queue [get]
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.queue.Snapshot())
}

// DeadLetters returns requests abandoned after exhausting their retries
// @Summary List dead-lettered requests
// @Tags queue
// @Produce json
// @Success 200 {array} models.QueuedRequest
// @Security ApiKeyAuth
// @Router /api/queue/dead [get]
func (h *QueueHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.queue.DeadLetters())
}

// Requeue moves a dead-lettered request back into the pending queue
// @Summary Requeue a dead-lettered request
// @Tags queue
// @Produce json
// @Param id path string true "Request ID"
// @Success 202 {object} models.EnqueueResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/queue/dead/{id}/requeue [post]
func (h *QueueHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := h.queue.Requeue(id)
	if err != nil {
		if errors.Is(err, models.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "No dead-lettered request with that id")
			return
		}
		log.Printf("Requeue failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Requeue failed")
		return
	}

	if h.engine.Status().Online {
		go h.engine.DrainQueue(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(models.EnqueueResponse{ID: req.ID})
}

// TriggerDrain starts a drain pass if one is not already running
// @Summary Trigger a drain pass
// @Tags queue
// @Produce json
// @Success 202 {object} models.SyncStatus
// @Security ApiKeyAuth
// @Router /api/queue/drain [post]
func (h *QueueHandler) TriggerDrain(w http.ResponseWriter, r *http.Request) {
	go h.engine.DrainQueue(context.Background())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(h.engine.Status())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: msg})
}
