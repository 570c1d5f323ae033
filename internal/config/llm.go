package config

import (
	"fmt"
	"time"
)

// Supported inference providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderFake      = "fake"
)

// LLMConfig configures the inference collaborator.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, gemini, fake
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url,omitempty"`

	// Model used for plan-based generation.
	Model string `yaml:"model"`

	// QuickModel is used for quick actions; falls back to Model.
	QuickModel string `yaml:"quick_model"`

	MaxOutputTokens int    `yaml:"max_output_tokens"`
	QuickMaxTokens  int    `yaml:"quick_max_tokens"`
	Timeout         string `yaml:"timeout"`

	// SystemPrompt replaces the built-in generation instructions when set.
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

// Validate checks provider and credentials.
func (l LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderAnthropic, ProviderGemini:
		if l.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for provider %s", l.Provider)
		}
	case ProviderFake:
	default:
		return fmt.Errorf("unsupported llm.provider %q", l.Provider)
	}
	if l.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if _, err := l.GetTimeout(); err != nil {
		return err
	}
	return nil
}

// GetTimeout parses llm.timeout, defaulting to 10 minutes.
func (l LLMConfig) GetTimeout() (time.Duration, error) {
	if l.Timeout == "" {
		return 10 * time.Minute, nil
	}
	d, err := time.ParseDuration(l.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid llm.timeout %q: %w", l.Timeout, err)
	}
	return d, nil
}

// EffectiveQuickModel returns QuickModel or Model.
func (l LLMConfig) EffectiveQuickModel() string {
	if l.QuickModel != "" {
		return l.QuickModel
	}
	return l.Model
}
