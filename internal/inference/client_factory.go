package inference

import (
	"context"
	"fmt"

	"storyforge/internal/config"
)

// NewClientFromConfig creates a traced provider client from the llm config section.
func NewClientFromConfig(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, err
	}

	var client Client
	switch cfg.Provider {
	case config.ProviderAnthropic, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key (set ANTHROPIC_API_KEY)")
		}
		client = NewAnthropicClient(AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxOutputTokens,
		})
	case config.ProviderGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key (set GEMINI_API_KEY)")
		}
		client, err = NewGeminiClient(ctx, GeminiConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxOutputTokens,
			Timeout:   timeout,
		})
		if err != nil {
			return nil, err
		}
	case config.ProviderFake:
		client = newFakeClient(cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider: %s (valid: anthropic, gemini, fake)", cfg.Provider)
	}
	return NewTracingClient(cfg.Provider, client), nil
}
