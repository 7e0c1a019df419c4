package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/services/scheduler"
)

// Reprocessor starts asynchronous reprocess runs; progress is reported through events
type Reprocessor interface {
	StartReprocessDay(ctx context.Context, day string) (int, error)
	StartReprocessBatches(ctx context.Context, ids []string) error
}

// ReprocessRequest selects either a whole day or explicit batches
type ReprocessRequest struct {
	Day      string   `json:"day,omitempty"`
	BatchIDs []string `json:"batch_ids,omitempty"`
}

// ReprocessHandler handles user triggered reprocessing
type ReprocessHandler struct {
	reprocessor Reprocessor
	logger      arbor.ILogger
}

// NewReprocessHandler creates a new ReprocessHandler
func NewReprocessHandler(reprocessor Reprocessor, logger arbor.ILogger) *ReprocessHandler {
	return &ReprocessHandler{
		reprocessor: reprocessor,
		logger:      logger,
	}
}

// ReprocessHandler handles POST /api/reprocess
func (h *ReprocessHandler) ReprocessHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req ReprocessRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if (req.Day == "") == (len(req.BatchIDs) == 0) {
		WriteError(w, http.StatusBadRequest, "Exactly one of day or batch_ids is required")
		return
	}

	// The run outlives the request
	ctx := context.WithoutCancel(r.Context())

	if req.Day != "" {
		count, err := h.reprocessor.StartReprocessDay(ctx, req.Day)
		if err != nil {
			h.writeStartError(w, err)
			return
		}
		h.logger.Info().Str("day", req.Day).Int("batches", count).Msg("Reprocess of day started")
		WriteStarted(w, fmt.Sprintf("Reprocessing %d batches for %s", count, req.Day))
		return
	}

	if err := h.reprocessor.StartReprocessBatches(ctx, req.BatchIDs); err != nil {
		h.writeStartError(w, err)
		return
	}
	h.logger.Info().Int("batches", len(req.BatchIDs)).Msg("Reprocess of batches started")
	WriteStarted(w, fmt.Sprintf("Reprocessing %d batches", len(req.BatchIDs)))
}

func (h *ReprocessHandler) writeStartError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrReprocessBusy) {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	h.logger.Warn().Err(err).Msg("Reprocess rejected")
	WriteError(w, http.StatusBadRequest, err.Error())
}
