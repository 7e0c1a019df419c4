package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/recap/internal/models"
)

const transcribeSystemPrompt = `You watch recordings of a single person's computer screen and describe what they are doing.
Be concrete: name applications, sites, documents and the task being worked on. Never invent activity that is not visible.`

const frameSystemPrompt = `You are shown screenshots of a single person's computer screen taken in order.
Describe in two or three sentences what the person is doing across these screenshots.
Name applications, sites, documents and the task. Reply with plain text only.`

const summarizeSystemPrompt = `You maintain a timeline of activity cards for one person's computer use.
Cards are contiguous, non-overlapping intervals grouped by what the person was working on.
Reply with a JSON array only.`

// buildTranscribePrompt explains the payload layout so offsets can be reported against it
func buildTranscribePrompt(media *models.MediaPayload) string {
	var sb strings.Builder
	sb.WriteString("The following video segments are consecutive recordings of a screen. ")
	sb.WriteString("Report what happens as a JSON array of objects with start_seconds, end_seconds and text, ")
	sb.WriteString("where offsets are seconds from the start of the first segment, counting segments back to back.\n")

	var offset time.Duration
	for i, seg := range media.Segments {
		length := seg.End.Sub(seg.Start)
		fmt.Fprintf(&sb, "Segment %d: offset %.0fs, length %.0fs, recorded at %s\n",
			i+1, offset.Seconds(), length.Seconds(), seg.Start.Format(time.RFC3339))
		offset += length
	}
	return sb.String()
}

// buildFramePrompt labels a frame group with its wall clock times
func buildFramePrompt(group frameGroup) string {
	return fmt.Sprintf("%d screenshots taken between %s and %s.",
		len(group.Frames), group.Start.Format(time.Kitchen), group.End.Format(time.Kitchen))
}

// buildSummarizePrompt lays out the window context: taxonomy, existing cards and observations
func buildSummarizePrompt(sc models.SummarizeContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Window: %s to %s. Do not produce any time after %s.\n\n",
		sc.WindowStart.Format(time.RFC3339), sc.WindowEnd.Format(time.RFC3339), sc.Now.Format(time.RFC3339))

	sb.WriteString("Categories (use exactly one name per card):\n")
	for _, c := range sc.Categories {
		if c.Description != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", c.Name, c.Description)
		} else {
			fmt.Fprintf(&sb, "- %s\n", c.Name)
		}
	}

	if len(sc.ExistingCards) > 0 {
		sb.WriteString("\nExisting cards in this window. Keep, merge or split them as the observations require:\n")
		for _, card := range sc.ExistingCards {
			fmt.Fprintf(&sb, "- %s to %s [%s] %s: %s\n",
				card.Start.Format(time.RFC3339), card.End.Format(time.RFC3339), card.Category, card.Title, card.Summary)
		}
	}

	sb.WriteString("\nObservations:\n")
	for _, obs := range sc.WindowObservations {
		marker := ""
		if obs.BatchID == sc.BatchID {
			marker = " (new)"
		}
		fmt.Fprintf(&sb, "- %s to %s%s: %s\n",
			obs.Start.Format(time.RFC3339), obs.End.Format(time.RFC3339), marker, obs.Text)
	}

	sb.WriteString("\nReturn the complete set of cards for the window as a JSON array of objects with fields ")
	sb.WriteString("start, end (RFC3339), category, subcategory, title, summary, detail, ")
	sb.WriteString("distractions (array of start, end, title, summary) and app_sites (primary, secondary).")
	return sb.String()
}
