package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

// ErrInvalidRequest is returned for an unknown format or malformed day
var ErrInvalidRequest = errors.New("invalid export request")

// Format is an export output format
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

// ParseFormat accepts the format names and common file extensions
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(value) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "html", "htm":
		return FormatHTML, nil
	case "pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, value)
	}
}

// Document is a rendered export
type Document struct {
	Body        []byte
	ContentType string
	FileName    string
}

// frontmatter is the YAML header of a markdown day export
type frontmatter struct {
	Day        string            `yaml:"day"`
	Generated  time.Time         `yaml:"generated"`
	Version    string            `yaml:"recap_version"`
	Cards      int               `yaml:"cards"`
	Tracked    string            `yaml:"tracked"`
	Failed     int               `yaml:"failed_cards,omitempty"`
	Categories map[string]string `yaml:"categories,omitempty"`
}

// Service renders day bucket exports of the timeline
type Service struct {
	timeline     interfaces.TimelineStorage
	dayStartHour int
	logger       arbor.ILogger
	now          func() time.Time
}

// NewService creates a report service
func NewService(timeline interfaces.TimelineStorage, dayStartHour int, logger arbor.ILogger) *Service {
	return &Service{
		timeline:     timeline,
		dayStartHour: dayStartHour,
		logger:       logger,
		now:          time.Now,
	}
}

// Day renders the cards of a day bucket (default: the current day) in the format
func (s *Service) Day(ctx context.Context, day string, format Format) (*Document, error) {
	if day == "" {
		day = common.DayBucket(s.now(), s.dayStartHour)
	}
	if _, _, err := common.DayRange(day, s.dayStartHour); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	render, ok := map[Format]func(string, []models.TimelineCard) (*Document, error){
		FormatMarkdown: s.markdown,
		FormatHTML:     s.html,
		FormatPDF:      s.pdf,
	}[format]
	if !ok {
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, format)
	}

	cards, err := s.timeline.FetchTimelineCards(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch timeline cards: %w", err)
	}

	doc, err := render(day, cards)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("day", day).
		Str("format", string(format)).
		Int("cards", len(cards)).
		Int("bytes", len(doc.Body)).
		Msg("Timeline export rendered")
	return doc, nil
}

func (s *Service) markdown(day string, cards []models.TimelineCard) (*Document, error) {
	meta := frontmatter{
		Day:       day,
		Generated: s.now().Truncate(time.Second),
		Version:   common.GetVersion(),
		Cards:     len(cards),
		Tracked:   trackedDuration(cards).Round(time.Minute).String(),
	}
	for _, c := range cards {
		if c.IsError {
			meta.Failed++
		}
	}
	if totals := categoryTotals(cards); len(totals) > 0 {
		meta.Categories = make(map[string]string, len(totals))
		for _, t := range totals {
			meta.Categories[t.Name] = t.Duration.Round(time.Minute).String()
		}
	}

	header, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frontmatter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	b.WriteString(CardsMarkdown("Timeline "+day, cards))
	b.WriteString("\n")

	return &Document{
		Body:        b.Bytes(),
		ContentType: "text/markdown; charset=utf-8",
		FileName:    fmt.Sprintf("recap-%s.md", day),
	}, nil
}

func (s *Service) html(day string, cards []models.TimelineCard) (*Document, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithXHTML()),
	)

	var body bytes.Buffer
	if err := md.Convert([]byte(CardsMarkdown("Timeline "+day, cards)), &body); err != nil {
		return nil, fmt.Errorf("failed to render html: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"/>")
	b.WriteString("<title>Recap " + html.EscapeString(day) + "</title></head>\n<body>\n")
	b.Write(body.Bytes())
	b.WriteString("</body></html>\n")

	return &Document{
		Body:        b.Bytes(),
		ContentType: "text/html; charset=utf-8",
		FileName:    fmt.Sprintf("recap-%s.html", day),
	}, nil
}
