package mcp

import (
	"fmt"
	"strings"

	"github.com/ternarybob/recap/internal/models"
	"github.com/ternarybob/recap/internal/services/report"
)

func formatCards(heading string, cards []models.TimelineCard) string {
	return report.CardsMarkdown(heading, cards)
}

// formatBatches renders failed batches with their reasons
func formatBatches(batches []models.Batch) string {
	if len(batches) == 0 {
		return "No failed batches."
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Failed batches (%d)\n\n", len(batches)))
	for _, batch := range batches {
		b.WriteString(fmt.Sprintf("- **%s** %s to %s: %s\n",
			batch.ID,
			batch.Start.Local().Format("2006-01-02 15:04"),
			batch.End.Local().Format("15:04"),
			batch.Reason))
	}
	return strings.TrimRight(b.String(), "\n")
}
