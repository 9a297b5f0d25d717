// Package gemini implements the AI-assisted caption analysis used when the
// deterministic parser comes back below the confidence threshold. The model
// answers in a constrained JSON schema so the result slots straight into the
// same content shape manual parsing produces.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/stockpilehq/stockpile/internal/config"
	"github.com/stockpilehq/stockpile/internal/parser"
)

// Completer defines the AI analysis interface. A nil Completer disables
// escalation entirely; the manual result stands.
type Completer interface {
	AnalyzeCaption(ctx context.Context, caption string) (*parser.ParsedContent, error)
}

const captionSystemInstruction = `You extract structured product intake data from short free-text captions.
The caption describes a product batch: a product name, a product code usually
prefixed with '#', a vendor abbreviation at the start of the code, a purchase
date encoded as the trailing 5 or 6 digits of the code in mDDyy or mmDDyy
form, a quantity, and free-text notes. Return purchase_date as YYYY-MM-DD or
empty when the digits do not decode to a valid calendar date. Never invent
values: leave a field empty when the caption does not state it. confidence is
your own estimate between 0 and 1 of how completely the caption was understood.`

var captionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"product_name":  {Type: genai.TypeString, Description: "Product name from the caption. Empty if absent."},
		"product_code":  {Type: genai.TypeString, Description: "Product code without the '#' prefix. Empty if absent."},
		"vendor_uid":    {Type: genai.TypeString, Description: "Uppercase vendor abbreviation from the start of the code. Empty if absent."},
		"purchase_date": {Type: genai.TypeString, Description: "Purchase date as YYYY-MM-DD. Empty if absent or invalid."},
		"quantity":      {Type: genai.TypeInteger, Description: "Quantity stated in the caption. Omit when not stated.", Nullable: genai.Ptr(true)},
		"notes":         {Type: genai.TypeString, Description: "Free-text notes not covered by the other fields."},
		"confidence":    {Type: genai.TypeNumber, Description: "Model's own confidence between 0 and 1."},
	},
	Required: []string{"product_name", "product_code", "vendor_uid", "purchase_date", "notes", "confidence"},
}

type sdkClient struct {
	genaiClient   *genai.Client
	log           *slog.Logger
	contentConfig *genai.GenerateContentConfig
	modelName     string
	maxRetries    int
	retryDelay    time.Duration
}

// NewClient creates a new Gemini caption analysis client. When the feature is
// disabled in configuration it returns nil, nil and escalation is skipped.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Completer, error) {
	if !cfg.Enabled {
		log.Info("AI caption analysis disabled by configuration")
		return nil, nil
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	baseCfg := &genai.GenerateContentConfig{
		Temperature:       &cfg.Temperature,
		ResponseMIMEType:  "application/json",
		ResponseSchema:    captionSchema,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: captionSystemInstruction}}},
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized successfully", "model", cfg.ModelName)
	return &sdkClient{
		genaiClient:   gi,
		log:           logger,
		contentConfig: baseCfg,
		modelName:     cfg.ModelName,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}, nil
}

func (c *sdkClient) generateContentWithRetries(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, c.modelName, contents, c.contentConfig)
		if err == nil {
			return resp, nil
		}

		c.log.WarnContext(ctx, "Gemini API call failed, checking for retry",
			"attempt", i+1, "max_retries", c.maxRetries, "error", err)

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < c.maxRetries {
				c.log.InfoContext(ctx, "Retrying Gemini API call",
					"delay", c.retryDelay, "code", apiErr.Code)
				select {
				case <-ctx.Done():
					return nil, fmt.Errorf("gemini retry abandoned: %w", ctx.Err())
				case <-time.After(c.retryDelay):
				}
				continue
			}
			return nil, fmt.Errorf("gemini API call failed after %d retries (code %d): %w",
				c.maxRetries, apiErr.Code, err)
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

type captionAnswer struct {
	ProductName  string  `json:"product_name"`
	ProductCode  string  `json:"product_code"`
	VendorUID    string  `json:"vendor_uid"`
	PurchaseDate string  `json:"purchase_date"`
	Quantity     *int    `json:"quantity"`
	Notes        string  `json:"notes"`
	Confidence   float64 `json:"confidence"`
}

// AnalyzeCaption asks the model for a structured reading of the caption and
// converts it into the shared content shape, stamped as an AI parse.
func (c *sdkClient) AnalyzeCaption(ctx context.Context, caption string) (*parser.ParsedContent, error) {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return nil, fmt.Errorf("caption is empty")
	}

	contents := []*genai.Content{genai.NewContentFromText("Caption:\n"+caption, genai.RoleUser)}

	resp, err := c.generateContentWithRetries(ctx, contents)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini caption analysis failed", "error", err)
		return nil, err
	}

	jsonText, err := extractText(resp)
	if err != nil {
		c.log.ErrorContext(ctx, "Failed to extract caption analysis text", "error", err)
		return nil, err
	}

	var answer captionAnswer
	if err := json.Unmarshal([]byte(jsonText), &answer); err != nil {
		c.log.ErrorContext(ctx, "Failed to parse caption analysis JSON",
			"error", err, "response_text", jsonText)
		return nil, fmt.Errorf("invalid caption analysis JSON: %w", err)
	}

	result := &parser.ParsedContent{
		ProductName:  strings.TrimSpace(answer.ProductName),
		ProductCode:  strings.TrimSpace(answer.ProductCode),
		VendorUID:    strings.ToUpper(strings.TrimSpace(answer.VendorUID)),
		PurchaseDate: strings.TrimSpace(answer.PurchaseDate),
		Quantity:     answer.Quantity,
		Notes:        strings.TrimSpace(answer.Notes),
		Metadata: parser.ParsingMetadata{
			Method:     parser.MethodAI,
			Timestamp:  time.Now().UTC(),
			Confidence: clamp01(answer.Confidence),
		},
	}

	var missing []string
	if result.ProductName == "" {
		missing = append(missing, "product_name")
	}
	if result.ProductCode == "" {
		missing = append(missing, "product_code")
	}
	if result.VendorUID == "" {
		missing = append(missing, "vendor_uid")
	}
	if result.PurchaseDate == "" {
		missing = append(missing, "purchase_date")
	}
	if result.Quantity == nil {
		missing = append(missing, "quantity")
	}
	result.Metadata.MissingFields = missing
	result.Metadata.PartialSuccess = len(missing) > 0 && result.ProductName != ""

	c.log.DebugContext(ctx, "Caption analyzed by model",
		"confidence", result.Metadata.Confidence, "missing_fields", len(missing))
	return result, nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reason := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reason = resp.PromptFeedback.BlockReasonMessage
		}
		return "", fmt.Errorf("caption analysis blocked by safety filter: %s", reason)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("caption analysis returned no content")
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("caption analysis returned empty text")
	}
	return text, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
