package llm

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/models"
)

// maxInlineMediaBytes is the Gemini API limit for inline request data
const maxInlineMediaBytes = 20 << 20

// GeminiProvider analyses batches as native video: all chunk files of a batch go out as
// inline video parts in one transcription call, followed by one text summarization call.
type GeminiProvider struct {
	providerBase
	config *common.GeminiConfig
	client *genai.Client
}

// NewGeminiProvider creates the native video provider.
//
// The API key is resolved from RECAP_GEMINI_API_KEY, GEMINI_API_KEY or GOOGLE_API_KEY before
// falling back to gemini.api_key in config.
//
// Errors:
//   - Missing API key
//   - Failed to initialize the genai client
func NewGeminiProvider(ctx context.Context, geminiConfig *common.GeminiConfig, llmConfig *common.LLMConfig, logger arbor.ILogger) (*GeminiProvider, error) {
	apiKey, err := common.ResolveAPIKey("gemini_api_key", geminiConfig.APIKey)
	if err != nil {
		return nil, fmt.Errorf("gemini API key is required (set GEMINI_API_KEY or gemini.api_key): %w", err)
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if geminiConfig.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = geminiConfig.BaseURL
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	p := &GeminiProvider{
		providerBase: newProviderBase(string(ProviderGemini), geminiConfig.Model, llmConfig, logger),
		config:       geminiConfig,
		client:       client,
	}

	logger.Info().
		Str("model", geminiConfig.Model).
		Dur("timeout", p.timeout).
		Msg("Gemini provider initialized")

	return p, nil
}

// Transcribe sends every segment as an inline video part and asks for timestamped observations
func (p *GeminiProvider) Transcribe(ctx context.Context, media *models.MediaPayload, tc models.TranscribeContext) ([]models.ObservationData, []models.CallLog, error) {
	op := string(models.CallOperationTranscribe)
	if len(media.Segments) == 0 {
		return nil, nil, permanentf(p.name, op, "batch %s has no media segments", tc.BatchID)
	}

	prompt := buildTranscribePrompt(media)
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	size := len(prompt)
	for i, seg := range media.Segments {
		data, err := os.ReadFile(seg.Path)
		if err != nil {
			return nil, nil, permanentf(p.name, op, "failed to read segment %s: %w", seg.Path, err)
		}
		size += len(data)
		if size > maxInlineMediaBytes {
			return nil, nil, permanentf(p.name, op, "batch media exceeds inline limit of %d bytes", maxInlineMediaBytes)
		}
		parts = append(parts,
			genai.NewPartFromText(fmt.Sprintf("Segment %d:", i+1)),
			genai.NewPartFromBytes(data, videoMIMEType(seg.Path)),
		)
	}

	schema, err := convertToGenaiSchema(observationSchema())
	if err != nil {
		return nil, nil, permanentf(p.name, op, "invalid observation schema: %w", err)
	}

	text, entry, err := p.call(ctx, models.CallOperationTranscribe, tc.BatchID, prompt, size,
		func(ctx context.Context) (string, error) {
			return p.generate(ctx, transcribeSystemPrompt, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, schema)
		})
	logs := []models.CallLog{entry}
	if err != nil {
		return nil, logs, err
	}

	observations, err := parseObservations(text, media)
	if err != nil {
		perr := &ProviderError{Provider: p.name, Operation: op, Transient: true, Err: err}
		failLog(logs, perr)
		return nil, logs, perr
	}
	return observations, logs, nil
}

// Summarize regenerates the window's cards with a schema constrained to the taxonomy
func (p *GeminiProvider) Summarize(ctx context.Context, sc models.SummarizeContext) ([]models.CardData, []models.CallLog, error) {
	schema, err := convertToGenaiSchema(cardSchema(sc.Categories))
	if err != nil {
		return nil, nil, permanentf(p.name, string(models.CallOperationSummarize), "invalid card schema: %w", err)
	}
	return p.summarizeWith(ctx, sc, func(ctx context.Context, system, prompt string) (string, error) {
		return p.generate(ctx, system, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, schema)
	})
}

func (p *GeminiProvider) generate(ctx context.Context, system string, contents []*genai.Content, schema *genai.Schema) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(p.config.Temperature),
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}
	if schema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = schema
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty response from Gemini API")
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty text in Gemini response")
	}
	return text, nil
}

func (p *GeminiProvider) Close() error {
	p.client = nil
	return nil
}

func videoMIMEType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "video/mp4"
}

func observationSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "array",
		"items": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"start_seconds": map[string]interface{}{"type": "number", "minimum": 0.0},
				"end_seconds":   map[string]interface{}{"type": "number", "minimum": 0.0},
				"text":          map[string]interface{}{"type": "string"},
			},
			"required": []string{"start_seconds", "end_seconds", "text"},
		},
	}
}

func cardSchema(categories []models.Category) map[string]interface{} {
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, c.Name)
	}
	category := map[string]interface{}{"type": "string"}
	if len(names) > 0 {
		category["enum"] = names
	}

	str := func() map[string]interface{} { return map[string]interface{}{"type": "string"} }
	return map[string]interface{}{
		"type": "array",
		"items": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"start":       map[string]interface{}{"type": "string", "description": "RFC3339"},
				"end":         map[string]interface{}{"type": "string", "description": "RFC3339"},
				"category":    category,
				"subcategory": str(),
				"title":       str(),
				"summary":     str(),
				"detail":      str(),
				"distractions": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"start":   str(),
							"end":     str(),
							"title":   str(),
							"summary": str(),
						},
						"required": []string{"start", "end", "title"},
					},
				},
				"app_sites": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"primary":   str(),
						"secondary": str(),
					},
				},
			},
			"required": []string{"start", "end", "category", "title", "summary"},
		},
	}
}

// convertToGenaiSchema converts a map[string]interface{} representation of a JSON schema
// to a genai.Schema structure.
func convertToGenaiSchema(schemaMap map[string]interface{}) (*genai.Schema, error) {
	if len(schemaMap) == 0 {
		return nil, nil
	}

	schema := &genai.Schema{}

	// Type
	if typeStr, ok := schemaMap["type"].(string); ok {
		switch strings.ToLower(typeStr) {
		case "object":
			schema.Type = genai.TypeObject
		case "array":
			schema.Type = genai.TypeArray
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		default:
			return nil, fmt.Errorf("unsupported schema type %q", typeStr)
		}
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	if enumVals, ok := schemaMap["enum"].([]string); ok {
		schema.Enum = enumVals
	}

	if reqVals, ok := schemaMap["required"].([]string); ok {
		schema.Required = reqVals
	}

	if minVal, ok := schemaMap["minimum"].(float64); ok {
		schema.Minimum = &minVal
	}
	if maxVal, ok := schemaMap["maximum"].(float64); ok {
		schema.Maximum = &maxVal
	}

	// Items (for arrays)
	if itemsMap, ok := schemaMap["items"].(map[string]interface{}); ok {
		itemSchema, err := convertToGenaiSchema(itemsMap)
		if err != nil {
			return nil, fmt.Errorf("failed to convert items schema: %w", err)
		}
		schema.Items = itemSchema
	}

	// Properties (for objects)
	if propsMap, ok := schemaMap["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for propName, propVal := range propsMap {
			if propMap, ok := propVal.(map[string]interface{}); ok {
				propSchema, err := convertToGenaiSchema(propMap)
				if err != nil {
					return nil, fmt.Errorf("failed to convert property '%s': %w", propName, err)
				}
				schema.Properties[propName] = propSchema
			}
		}
	}

	return schema, nil
}
