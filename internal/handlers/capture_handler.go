package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/models"
)

// CaptureController accepts capture requests. Requests are delivered as events and
// silently ignored when the current state does not allow them.
type CaptureController interface {
	Start()
	Stop()
	Suspend(reason string)
	Resume()
	GiveUp()
	Status() models.CaptureStatus
}

// CaptureHandler exposes the capture toggles
type CaptureHandler struct {
	capture CaptureController
	logger  arbor.ILogger
}

// NewCaptureHandler creates a new CaptureHandler
func NewCaptureHandler(capture CaptureController, logger arbor.ILogger) *CaptureHandler {
	return &CaptureHandler{
		capture: capture,
		logger:  logger,
	}
}

// StatusHandler handles GET /api/capture
func (h *CaptureHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.capture.Status())
}

// ActionHandler handles POST /api/capture/{start|stop|pause|resume|giveup}
func (h *CaptureHandler) ActionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	action := PathAction(r, "/api/capture")
	switch action {
	case "start":
		h.capture.Start()
	case "stop":
		h.capture.Stop()
	case "pause":
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "user"
		}
		h.capture.Suspend(reason)
	case "resume":
		h.capture.Resume()
	case "giveup":
		h.capture.GiveUp()
	default:
		WriteError(w, http.StatusNotFound, "Unknown capture action")
		return
	}

	h.logger.Debug().Str("action", action).Msg("Capture request delivered")

	// The transition is asynchronous; the snapshot may still show the previous state
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "accepted",
		"action":  action,
		"capture": h.capture.Status(),
	})
}
