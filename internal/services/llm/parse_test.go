package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/recap/internal/models"
)

var taxonomy = []models.Category{{Name: "Work"}, {Name: "Entertainment"}, {Name: "Other"}}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `[{"a":1}]`, extractJSON("```json\n[{\"a\":1}]\n```"))
	assert.Equal(t, `[1,2]`, extractJSON("Here you go: [1,2] hope that helps"))
	assert.Equal(t, `{"cards":[]}`, extractJSON(`{"cards":[]}`))
}

func TestMediaTimeAtSkipsPauses(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	media := &models.MediaPayload{
		Start: base,
		End:   base.Add(10 * time.Minute),
		Segments: []models.MediaSegment{
			{Start: base, End: base.Add(time.Minute)},
			// two minute pause
			{Start: base.Add(3 * time.Minute), End: base.Add(4 * time.Minute)},
		},
	}

	assert.Equal(t, base.Add(30*time.Second), mediaTimeAt(media, 30*time.Second))
	assert.Equal(t, base.Add(3*time.Minute+30*time.Second), mediaTimeAt(media, 90*time.Second))
	assert.Equal(t, media.End, mediaTimeAt(media, 10*time.Minute))
}

func TestParseObservationsClampsToBatch(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	media := &models.MediaPayload{
		Start:    base,
		End:      base.Add(2 * time.Minute),
		Segments: []models.MediaSegment{{Start: base, End: base.Add(2 * time.Minute)}},
	}

	text := `[
		{"start_seconds": 0, "end_seconds": 60, "text": "writing a design doc"},
		{"start_seconds": 60, "end_seconds": 600, "text": "reviewing a pull request"},
		{"start_seconds": 90, "end_seconds": 30, "text": "reversed"},
		{"start_seconds": 10, "end_seconds": 20, "text": ""}
	]`

	obs, err := parseObservations(text, media)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, base, obs[0].Start)
	assert.Equal(t, base.Add(time.Minute), obs[0].End)
	assert.Equal(t, base.Add(2*time.Minute), obs[1].End, "clamped to batch end")
}

func TestParseObservationsRejectsGarbage(t *testing.T) {
	media := &models.MediaPayload{Start: time.Now(), End: time.Now().Add(time.Minute)}

	_, err := parseObservations("I could not see anything", media)
	assert.Error(t, err)

	_, err = parseObservations("[]", media)
	assert.Error(t, err)
}

func TestParseCardsClampsToWindowAndNow(t *testing.T) {
	windowStart := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sc := models.SummarizeContext{
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(time.Hour),
		Now:         windowStart.Add(45 * time.Minute),
		Categories:  taxonomy,
	}

	text := `[
		{"start": "2026-03-02T08:30:00Z", "end": "2026-03-02T09:20:00Z", "category": "work", "title": "Coding", "summary": "s"},
		{"start": "2026-03-02T09:20:00Z", "end": "2026-03-02T11:00:00Z", "category": "YouTube entertainment", "title": "Videos", "summary": "s",
		 "distractions": [{"start": "2026-03-02T09:25:00Z", "end": "2026-03-02T09:30:00Z", "title": "Chat"}]},
		{"start": "2026-03-02T09:50:00Z", "end": "2026-03-02T09:55:00Z", "category": "Work", "title": "After now", "summary": "s"},
		{"start": "not a time", "end": "2026-03-02T09:20:00Z", "category": "Work", "title": "Bad", "summary": "s"}
	]`

	cards, err := parseCards(text, sc)
	require.NoError(t, err)
	require.Len(t, cards, 2)

	assert.Equal(t, windowStart, cards[0].Start, "clamped to window start")
	assert.Equal(t, "Work", cards[0].Category)

	assert.Equal(t, sc.Now, cards[1].End, "clamped to now")
	assert.Equal(t, "Entertainment", cards[1].Category)
	require.Len(t, cards[1].Distractions, 1)
	assert.Equal(t, "Chat", cards[1].Distractions[0].Title)
}

func TestParseCardsAcceptsWrappedObjectAndClockTimes(t *testing.T) {
	windowStart := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	sc := models.SummarizeContext{
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(time.Hour),
		Now:         windowStart.Add(2 * time.Hour),
		Categories:  taxonomy,
	}

	cards, err := parseCards(`{"cards": [{"start": "23:40", "end": "00:10", "category": "Gaming", "title": "Late night", "summary": "s"}]}`, sc)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, windowStart.Add(10*time.Minute), cards[0].Start)
	assert.Equal(t, windowStart.Add(40*time.Minute), cards[0].End, "clock time after midnight rolls to the next day")
	assert.Equal(t, "Other", cards[0].Category)
}

func TestNormalizeCategory(t *testing.T) {
	assert.Equal(t, "Work", normalizeCategory(" WORK ", taxonomy))
	assert.Equal(t, "Entertainment", normalizeCategory("entertainment/video", taxonomy))
	assert.Equal(t, "Other", normalizeCategory("Sleeping", taxonomy))
	assert.Equal(t, "A", normalizeCategory("zzz", []models.Category{{Name: "A"}, {Name: "B"}}))
}
