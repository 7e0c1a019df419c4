package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/models"
)

var validate = validator.New()

// observationJSON is the transcription shape requested from video models.
// Offsets are seconds into the concatenated batch media.
type observationJSON struct {
	StartSeconds float64 `json:"start_seconds" validate:"gte=0"`
	EndSeconds   float64 `json:"end_seconds" validate:"gtfield=StartSeconds"`
	Text         string  `json:"text" validate:"required"`
}

type distractionJSON struct {
	Start   string `json:"start"`
	End     string `json:"end"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// cardJSON is the summarization shape requested from every variant
type cardJSON struct {
	Start        string            `json:"start" validate:"required"`
	End          string            `json:"end" validate:"required"`
	Category     string            `json:"category" validate:"required"`
	Subcategory  string            `json:"subcategory"`
	Title        string            `json:"title" validate:"required"`
	Summary      string            `json:"summary"`
	Detail       string            `json:"detail"`
	Distractions []distractionJSON `json:"distractions"`
	AppSites     *models.AppSites  `json:"app_sites"`
}

// extractJSON strips markdown fences and surrounding prose from a model response
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return text
	}
	closer := byte(']')
	if text[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return text[start:]
	}
	return text[start : end+1]
}

// decodeList accepts a bare array or an object wrapping one array field
func decodeList(text string, out interface{}) error {
	raw := extractJSON(text)
	if strings.HasPrefix(raw, "{") {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
			return err
		}
		for _, v := range wrapper {
			trimmed := strings.TrimSpace(string(v))
			if strings.HasPrefix(trimmed, "[") {
				raw = trimmed
				break
			}
		}
	}
	return json.Unmarshal([]byte(raw), out)
}

// mediaTimeAt maps an offset into the concatenated payload onto wall clock time.
// Segments may be separated by pauses, so offsets are walked segment by segment.
func mediaTimeAt(media *models.MediaPayload, offset time.Duration) time.Time {
	if offset <= 0 || len(media.Segments) == 0 {
		return media.Start
	}
	var elapsed time.Duration
	for _, seg := range media.Segments {
		length := seg.End.Sub(seg.Start)
		if offset <= elapsed+length {
			return seg.Start.Add(offset - elapsed)
		}
		elapsed += length
	}
	return media.End
}

// parseObservations converts a video transcription response into clamped observations.
// Items failing validation are dropped; a response with no usable items is an error.
func parseObservations(text string, media *models.MediaPayload) ([]models.ObservationData, error) {
	var items []observationJSON
	if err := decodeList(text, &items); err != nil {
		return nil, fmt.Errorf("unparseable transcription output: %w", err)
	}

	observations := make([]models.ObservationData, 0, len(items))
	for _, item := range items {
		if err := validate.Struct(item); err != nil {
			continue
		}
		obs := models.ObservationData{
			Start: mediaTimeAt(media, secondsToDuration(item.StartSeconds)),
			End:   mediaTimeAt(media, secondsToDuration(item.EndSeconds)),
			Text:  strings.TrimSpace(item.Text),
		}
		if clamped, ok := clampObservation(obs, media.Start, media.End); ok {
			observations = append(observations, clamped)
		}
	}

	if len(observations) == 0 {
		return nil, fmt.Errorf("no valid observations in transcription output")
	}
	return observations, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// clampObservation bounds an observation to [start, end) and validates it
func clampObservation(obs models.ObservationData, start, end time.Time) (models.ObservationData, bool) {
	obs.Start = common.ClampTime(obs.Start, start, end)
	obs.End = common.ClampTime(obs.End, start, end)
	if err := validate.Struct(obs); err != nil {
		return obs, false
	}
	return obs, true
}

// parseCards converts a summarization response into validated card data.
// Times are clamped to the window and never pass the Now ceiling; categories are
// normalized onto the taxonomy.
func parseCards(text string, sc models.SummarizeContext) ([]models.CardData, error) {
	var items []cardJSON
	if err := decodeList(text, &items); err != nil {
		return nil, fmt.Errorf("unparseable summary output: %w", err)
	}

	ceiling := sc.WindowEnd
	if !sc.Now.IsZero() && sc.Now.Before(ceiling) {
		ceiling = sc.Now
	}

	cards := make([]models.CardData, 0, len(items))
	for _, item := range items {
		if err := validate.Struct(item); err != nil {
			continue
		}
		start, err := parseTimestamp(item.Start, sc.WindowStart)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(item.End, sc.WindowStart)
		if err != nil {
			continue
		}

		card := models.CardData{
			Start:       common.ClampTime(start, sc.WindowStart, ceiling),
			End:         common.ClampTime(end, sc.WindowStart, ceiling),
			Category:    normalizeCategory(item.Category, sc.Categories),
			Subcategory: strings.TrimSpace(item.Subcategory),
			Title:       strings.TrimSpace(item.Title),
			Summary:     strings.TrimSpace(item.Summary),
			Detail:      strings.TrimSpace(item.Detail),
			AppSites:    item.AppSites,
		}
		if err := validate.Struct(card); err != nil {
			continue
		}
		card.Distractions = parseDistractions(item.Distractions, card.Start, card.End, sc.WindowStart)
		cards = append(cards, card)
	}

	if len(items) > 0 && len(cards) == 0 {
		return nil, fmt.Errorf("no valid cards in summary output")
	}
	return cards, nil
}

func parseDistractions(items []distractionJSON, cardStart, cardEnd, reference time.Time) []models.Distraction {
	var out []models.Distraction
	for _, item := range items {
		start, err := parseTimestamp(item.Start, reference)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(item.End, reference)
		if err != nil {
			continue
		}
		start = common.ClampTime(start, cardStart, cardEnd)
		end = common.ClampTime(end, cardStart, cardEnd)
		if !end.After(start) || strings.TrimSpace(item.Title) == "" {
			continue
		}
		out = append(out, models.Distraction{
			Start:   start,
			End:     end,
			Title:   strings.TrimSpace(item.Title),
			Summary: strings.TrimSpace(item.Summary),
		})
	}
	return out
}

// timestampLayouts are tried in order; layouts without a date take it from the reference
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

var clockLayouts = []string{
	"15:04:05",
	"15:04",
	"3:04 PM",
	"3:04PM",
}

// parseTimestamp parses model-produced times. Bare clock times resolve to the first
// occurrence at or after the reference, so windows crossing midnight stay ordered.
func parseTimestamp(value string, reference time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	loc := reference.Location()
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range clockLayouts {
		clock, err := time.ParseInLocation(layout, value, loc)
		if err != nil {
			continue
		}
		t := time.Date(reference.Year(), reference.Month(), reference.Day(),
			clock.Hour(), clock.Minute(), clock.Second(), 0, loc)
		if t.Before(reference.Add(-time.Minute)) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

// normalizeCategory maps a model category onto the closed taxonomy: exact match
// (case-insensitive), then containment, then "Other" when configured, else the first entry.
func normalizeCategory(name string, taxonomy []models.Category) string {
	if len(taxonomy) == 0 {
		return strings.TrimSpace(name)
	}
	name = strings.TrimSpace(name)
	for _, c := range taxonomy {
		if strings.EqualFold(c.Name, name) {
			return c.Name
		}
	}
	lower := strings.ToLower(name)
	for _, c := range taxonomy {
		if lower != "" && strings.Contains(lower, strings.ToLower(c.Name)) {
			return c.Name
		}
	}
	for _, c := range taxonomy {
		if strings.EqualFold(c.Name, "Other") {
			return c.Name
		}
	}
	return taxonomy[0].Name
}
