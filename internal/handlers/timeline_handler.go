package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

// TimelineHandler serves timeline cards and batch status
type TimelineHandler struct {
	timeline     interfaces.TimelineStorage
	batches      interfaces.BatchStorage
	dayStartHour int
	logger       arbor.ILogger
	now          func() time.Time
}

// NewTimelineHandler creates a new TimelineHandler
func NewTimelineHandler(storage interfaces.StorageManager, dayStartHour int, logger arbor.ILogger) *TimelineHandler {
	return &TimelineHandler{
		timeline:     storage.TimelineStorage(),
		batches:      storage.BatchStorage(),
		dayStartHour: dayStartHour,
		logger:       logger,
		now:          time.Now,
	}
}

// DayHandler handles GET /api/timeline?day=YYYY-MM-DD (default: the current day bucket)
func (h *TimelineHandler) DayHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	day := r.URL.Query().Get("day")
	if day == "" {
		day = common.DayBucket(h.now(), h.dayStartHour)
	}
	if _, _, err := common.DayRange(day, h.dayStartHour); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid day %q, expected %s", day, common.DayLayout))
		return
	}

	cards, err := h.timeline.FetchTimelineCards(r.Context(), day)
	if err != nil {
		h.logger.Error().Err(err).Str("day", day).Msg("Failed to fetch timeline cards")
		WriteError(w, http.StatusInternalServerError, "Failed to fetch timeline")
		return
	}
	if cards == nil {
		cards = []models.TimelineCard{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"day":   day,
		"cards": cards,
	})
}

// RangeHandler handles GET /api/timeline/range?start=RFC3339&end=RFC3339
func (h *TimelineHandler) RangeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	query := r.URL.Query()
	start, err := time.Parse(time.RFC3339, query.Get("start"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "start must be an RFC3339 timestamp")
		return
	}
	end, err := time.Parse(time.RFC3339, query.Get("end"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "end must be an RFC3339 timestamp")
		return
	}
	if !start.Before(end) {
		WriteError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	cards, err := h.timeline.FetchTimelineCardsByTimeRange(r.Context(), start, end)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to fetch timeline range")
		WriteError(w, http.StatusInternalServerError, "Failed to fetch timeline")
		return
	}
	if cards == nil {
		cards = []models.TimelineCard{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"start": start,
		"end":   end,
		"cards": cards,
	})
}

// BatchesHandler handles GET /api/batches?status=failed
func (h *TimelineHandler) BatchesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status := models.BatchStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.BatchStatusFailed
	}
	switch status {
	case models.BatchStatusPending, models.BatchStatusProcessing, models.BatchStatusAnalyzed, models.BatchStatusFailed:
	default:
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown batch status %q", status))
		return
	}

	batches, err := h.batches.FetchBatchesByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error().Err(err).Str("status", string(status)).Msg("Failed to fetch batches")
		WriteError(w, http.StatusInternalServerError, "Failed to fetch batches")
		return
	}
	if batches == nil {
		batches = []models.Batch{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"batches": batches,
	})
}
