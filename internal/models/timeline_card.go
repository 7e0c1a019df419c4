// -----------------------------------------------------------------------
// Timeline Card - user facing activity record
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// Distraction is a short off-task sub-interval inside a card
type Distraction struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Title   string    `json:"title"`
	Summary string    `json:"summary,omitempty"`
}

// AppSites attributes a card to the applications or sites in use
type AppSites struct {
	Primary   string `json:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty"`
}

// TimelineCard is an activity record covering a contiguous interval.
// BatchID is the batch that last wrote the card, which may differ from the batch whose
// window it falls in. Day is derived from Start on every write. Active cards never overlap;
// the only writer is the replace-in-range operation.
type TimelineCard struct {
	ID           string        `json:"id" badgerhold:"key"`
	BatchID      string        `json:"batch_id" badgerhold:"index"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Day          string        `json:"day" badgerhold:"index"`
	Category     string        `json:"category"`
	Subcategory  string        `json:"subcategory,omitempty"`
	Title        string        `json:"title"`
	Summary      string        `json:"summary"`
	Detail       string        `json:"detail,omitempty"`
	Distractions []Distraction `json:"distractions,omitempty"`
	AppSites     *AppSites     `json:"app_sites,omitempty"`
	MediaPath    string        `json:"media_path,omitempty"`
	IsError      bool          `json:"is_error"`
	Deleted      bool          `json:"deleted"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Duration returns the covered duration of the card
func (c TimelineCard) Duration() time.Duration {
	return c.End.Sub(c.Start)
}

// CardData is a provider summarization result before it is persisted
type CardData struct {
	Start        time.Time     `json:"start" validate:"required"`
	End          time.Time     `json:"end" validate:"required,gtfield=Start"`
	Category     string        `json:"category" validate:"required"`
	Subcategory  string        `json:"subcategory,omitempty"`
	Title        string        `json:"title" validate:"required"`
	Summary      string        `json:"summary"`
	Detail       string        `json:"detail,omitempty"`
	Distractions []Distraction `json:"distractions,omitempty"`
	AppSites     *AppSites     `json:"app_sites,omitempty"`
}

// ToCard converts provider output into an unsaved timeline card
func (d CardData) ToCard() TimelineCard {
	return TimelineCard{
		Start:        d.Start,
		End:          d.End,
		Category:     d.Category,
		Subcategory:  d.Subcategory,
		Title:        d.Title,
		Summary:      d.Summary,
		Detail:       d.Detail,
		Distractions: d.Distractions,
		AppSites:     d.AppSites,
	}
}

// ReplaceResult is returned by a replace-in-range operation
type ReplaceResult struct {
	InsertedIDs       []string `json:"inserted_ids"`
	DeletedIDs        []string `json:"deleted_ids"`
	DeletedMediaPaths []string `json:"deleted_media_paths"` // Caller reclaims these outside the transaction
}
