package inference

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storyforge/internal/logging"
	"storyforge/internal/types"

	"google.golang.org/genai"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// GeminiClient streams completions through the Gemini API.
type GeminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGeminiClient creates a client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	if cfg.Timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &GeminiClient{client: client, model: cfg.Model, maxTokens: maxTokens}, nil
}

func (c *GeminiClient) prepare(req Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == types.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTokens)}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return model, contents, cfg
}

// Stream implements Client.
func (c *GeminiClient) Stream(ctx context.Context, req Request, onDelta func(string)) (Response, error) {
	model, contents, cfg := c.prepare(req)
	logging.APIDebug("gemini stream: model=%s contents=%d", model, len(contents))

	var text strings.Builder
	out := Response{Model: model}
	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return Response{}, fmt.Errorf("gemini stream: %w", err)
		}
		if delta := resp.Text(); delta != "" {
			text.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		applyGeminiUsage(&out, resp)
	}
	out.Text = text.String()
	return out, nil
}

// Complete implements Client.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	model, contents, cfg := c.prepare(req)
	logging.APIDebug("gemini complete: model=%s contents=%d", model, len(contents))

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return Response{}, fmt.Errorf("gemini request: %w", err)
	}
	out := Response{Text: resp.Text(), Model: model}
	applyGeminiUsage(&out, resp)
	return out, nil
}

func applyGeminiUsage(out *Response, resp *genai.GenerateContentResponse) {
	if resp == nil || resp.UsageMetadata == nil {
		return
	}
	out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
	out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
}
