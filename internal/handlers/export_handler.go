package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/services/report"
)

// DayExporter renders a day bucket of the timeline as a document
type DayExporter interface {
	Day(ctx context.Context, day string, format report.Format) (*report.Document, error)
}

// ExportHandler serves timeline exports
type ExportHandler struct {
	exporter DayExporter
	logger   arbor.ILogger
}

// NewExportHandler creates a new ExportHandler
func NewExportHandler(exporter DayExporter, logger arbor.ILogger) *ExportHandler {
	return &ExportHandler{exporter: exporter, logger: logger}
}

// DayHandler handles GET /api/timeline/export?day=YYYY-MM-DD&format=md|html|pdf
func (h *ExportHandler) DayHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	query := r.URL.Query()
	format, err := report.ParseFormat(query.Get("format"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := h.exporter.Day(r.Context(), query.Get("day"), format)
	if err != nil {
		if errors.Is(err, report.ErrInvalidRequest) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("day", query.Get("day")).Str("format", string(format)).Msg("Failed to export timeline")
		WriteError(w, http.StatusInternalServerError, "Failed to export timeline")
		return
	}

	disposition := "inline"
	if query.Get("download") == "true" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Body)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, doc.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(doc.Body); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to write export response")
	}
}
