package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
)

// QueueDepth reports the number of messages waiting in the analysis queue
type QueueDepth interface {
	Len(ctx context.Context) (int, error)
}

// APIHandler serves the version, health and fallback endpoints
type APIHandler struct {
	capture CaptureController
	queue   QueueDepth
	logger  arbor.ILogger
}

func NewAPIHandler(capture CaptureController, queue QueueDepth, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		capture: capture,
		queue:   queue,
		logger:  logger,
	}
}

// VersionHandler handles GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler handles GET /api/health; status is "degraded" when the queue cannot be read
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	response := map[string]interface{}{
		"status":                "ok",
		"version":               common.GetVersion(),
		"background_goroutines": common.ActiveGoroutines(),
	}

	if h.capture != nil {
		response["capture_state"] = h.capture.Status().State
	}

	if h.queue != nil {
		depth, err := h.queue.Len(r.Context())
		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to read queue depth")
			response["status"] = "degraded"
		} else {
			response["queue_depth"] = depth
		}
	}

	WriteJSON(w, http.StatusOK, response)
}

// NotFoundHandler answers unmatched /api/ paths
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "no endpoint at "+r.URL.Path)
}
