package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/recap/internal/models"
)

const clockLayout = "15:04"

// CardsMarkdown renders timeline cards as markdown, one section per card
func CardsMarkdown(heading string, cards []models.TimelineCard) string {
	if len(cards) == 0 {
		return fmt.Sprintf("# %s\n\nNo activity recorded.", heading)
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("# %s\n\n", heading))
	b.WriteString(fmt.Sprintf("%d cards, %s of analysed activity\n\n", len(cards), trackedDuration(cards).Round(time.Minute)))

	for _, c := range cards {
		b.WriteString(fmt.Sprintf("## %s %s\n\n", clockRange(c.Start, c.End), c.Title))
		b.WriteString(fmt.Sprintf("- **Category:** %s\n", categoryLabel(c)))
		if apps := appsLabel(c); apps != "" {
			b.WriteString(fmt.Sprintf("- **Apps:** %s\n", apps))
		}
		if c.IsError {
			b.WriteString("- **Status:** processing failed\n")
		}
		if c.Summary != "" {
			b.WriteString(fmt.Sprintf("\n%s\n", c.Summary))
		}
		for _, d := range c.Distractions {
			b.WriteString(fmt.Sprintf("\n> Distraction %s: %s", clockRange(d.Start, d.End), d.Title))
			if d.Summary != "" {
				b.WriteString(" - " + d.Summary)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// trackedDuration sums the cards that were analysed successfully
func trackedDuration(cards []models.TimelineCard) time.Duration {
	var total time.Duration
	for _, c := range cards {
		if !c.IsError {
			total += c.Duration()
		}
	}
	return total
}

// categoryTotals returns time per category, largest first
func categoryTotals(cards []models.TimelineCard) []categoryTotal {
	byName := make(map[string]time.Duration)
	for _, c := range cards {
		if !c.IsError {
			byName[c.Category] += c.Duration()
		}
	}
	totals := make([]categoryTotal, 0, len(byName))
	for name, d := range byName {
		totals = append(totals, categoryTotal{Name: name, Duration: d})
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Duration == totals[j].Duration {
			return totals[i].Name < totals[j].Name
		}
		return totals[i].Duration > totals[j].Duration
	})
	return totals
}

type categoryTotal struct {
	Name     string
	Duration time.Duration
}

func clockRange(start, end time.Time) string {
	return start.Local().Format(clockLayout) + "-" + end.Local().Format(clockLayout)
}

func categoryLabel(c models.TimelineCard) string {
	if c.Subcategory != "" {
		return c.Category + " / " + c.Subcategory
	}
	return c.Category
}

func appsLabel(c models.TimelineCard) string {
	if c.AppSites == nil || c.AppSites.Primary == "" {
		return ""
	}
	if c.AppSites.Secondary != "" {
		return c.AppSites.Primary + ", " + c.AppSites.Secondary
	}
	return c.AppSites.Primary
}
