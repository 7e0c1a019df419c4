package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/models"
)

const (
	pdfMargin     = 12.0
	pdfLineHeight = 5.0
)

// pdf lays the cards out directly; core fonts are cp1252 so text goes through the translator
func (s *Service) pdf(day string, cards []models.TimelineCard) (*Document, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetTitle("Recap "+day, true)
	doc.SetCreator("recap "+common.GetVersion(), true)
	doc.SetMargins(pdfMargin, pdfMargin, pdfMargin)
	doc.SetAutoPageBreak(true, pdfMargin)
	doc.AddPage()
	tr := doc.UnicodeTranslatorFromDescriptor("")

	doc.SetFont("Arial", "B", 16)
	doc.CellFormat(0, 10, tr("Timeline "+day), "", 1, "L", false, 0, "")

	doc.SetFont("Arial", "", 9)
	if len(cards) == 0 {
		doc.Ln(2)
		doc.Write(pdfLineHeight, "No activity recorded.")
		return s.outputPDF(doc, day)
	}

	doc.Write(pdfLineHeight, fmt.Sprintf("%d cards, %s of analysed activity", len(cards), trackedDuration(cards).Round(time.Minute)))
	doc.Ln(pdfLineHeight + 2)

	for _, c := range cards {
		doc.SetFont("Arial", "B", 11)
		if c.IsError {
			doc.SetTextColor(180, 30, 30)
		}
		doc.MultiCell(0, 6, tr(clockRange(c.Start, c.End)+"  "+c.Title), "", "L", false)
		doc.SetTextColor(0, 0, 0)

		doc.SetFont("Arial", "I", 9)
		meta := categoryLabel(c)
		if apps := appsLabel(c); apps != "" {
			meta += "  |  " + apps
		}
		if c.IsError {
			meta += "  |  processing failed"
		}
		doc.MultiCell(0, pdfLineHeight, tr(meta), "", "L", false)

		doc.SetFont("Arial", "", 9)
		if c.Summary != "" {
			doc.MultiCell(0, pdfLineHeight, tr(c.Summary), "", "L", false)
		}
		for _, d := range c.Distractions {
			line := "Distraction " + clockRange(d.Start, d.End) + ": " + d.Title
			if d.Summary != "" {
				line += " - " + d.Summary
			}
			doc.SetX(pdfMargin + 5)
			doc.MultiCell(0, pdfLineHeight, tr(line), "", "L", false)
		}

		doc.Ln(2)
		doc.Line(pdfMargin, doc.GetY(), 210-pdfMargin, doc.GetY())
		doc.Ln(2)
	}

	return s.outputPDF(doc, day)
}

func (s *Service) outputPDF(doc *fpdf.Fpdf, day string) (*Document, error) {
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return &Document{
		Body:        buf.Bytes(),
		ContentType: "application/pdf",
		FileName:    fmt.Sprintf("recap-%s.pdf", day),
	}, nil
}
