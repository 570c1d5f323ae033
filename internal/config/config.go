package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up in a project root.
const DefaultFileName = "storyforge.yaml"

// Config holds all storyforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Context scoping
	Context ContextConfig `yaml:"context"`

	// Pricing table source
	Pricing PricingConfig `yaml:"pricing"`

	// Batch generation
	Batch BatchConfig `yaml:"batch"`

	// State directory, SQLite database
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ContextConfig configures the context scope planner.
type ContextConfig struct {
	// Maximum tokens of context documents selected without force overrides.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// Characters per token for the estimator (default 4.0).
	CharsPerToken float64 `yaml:"chars_per_token"`

	// File extensions considered context documents.
	Extensions []string `yaml:"extensions"`

	// Concurrent document reads during estimation.
	EstimateWorkers int `yaml:"estimate_workers"`

	// Unconfirmed plans older than this are pruned.
	PlanTTL string `yaml:"plan_ttl"`
}

// PricingConfig points at an optional pricing table overriding the built-in one.
type PricingConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// BatchConfig configures batch response splitting and artifact naming.
type BatchConfig struct {
	// HeaderKeyword is the word after "##" in entity headers ("ENTITY", "CHAPTER").
	HeaderKeyword string `yaml:"header_keyword"`

	// NamePattern is a fmt pattern receiving the entity number, e.g. "chapter-%02d.md".
	NamePattern string `yaml:"name_pattern"`

	// Concurrent artifact writes.
	WriteWorkers int `yaml:"write_workers"`
}

// StorageConfig configures where state lives.
type StorageConfig struct {
	StateDir     string `yaml:"state_dir"`
	DatabaseFile string `yaml:"database_file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "storyforge",
		Version: "0.4.0",

		LLM: LLMConfig{
			Provider:        ProviderAnthropic,
			Model:           "claude-sonnet-4-5",
			QuickModel:      "claude-haiku-4-5",
			MaxOutputTokens: 16000,
			QuickMaxTokens:  2048,
			Timeout:         "10m",
		},

		Context: ContextConfig{
			MaxContextTokens: 100000,
			CharsPerToken:    4.0,
			Extensions:       []string{".md", ".markdown", ".txt"},
			EstimateWorkers:  8,
			PlanTTL:          "30m",
		},

		Batch: BatchConfig{
			HeaderKeyword: "ENTITY",
			NamePattern:   "entity-%02d.md",
			WriteWorkers:  4,
		},

		Storage: StorageConfig{
			StateDir:     ".storyforge",
			DatabaseFile: "storyforge.db",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && (c.LLM.Provider == "" || c.LLM.Provider == ProviderAnthropic) {
		c.LLM.APIKey = key
		c.LLM.Provider = ProviderAnthropic
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.Provider == ProviderGemini {
		c.LLM.APIKey = key
	}
	if provider := os.Getenv("STORYFORGE_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
		if provider == ProviderGemini {
			if key := os.Getenv("GEMINI_API_KEY"); key != "" {
				c.LLM.APIKey = key
			}
		}
	}
	if model := os.Getenv("STORYFORGE_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if raw := os.Getenv("STORYFORGE_MAX_CONTEXT_TOKENS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			c.Context.MaxContextTokens = n
		}
	}
	if dir := os.Getenv("STORYFORGE_STATE_DIR"); dir != "" {
		c.Storage.StateDir = dir
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if c.Context.MaxContextTokens <= 0 {
		return fmt.Errorf("context.max_context_tokens must be positive, got %d", c.Context.MaxContextTokens)
	}
	if c.Context.CharsPerToken < 0 {
		return fmt.Errorf("context.chars_per_token must not be negative")
	}
	if _, err := c.PlanTTL(); err != nil {
		return err
	}
	return c.ValidateLimits()
}

// PlanTTL parses context.plan_ttl.
func (c *Config) PlanTTL() (time.Duration, error) {
	if c.Context.PlanTTL == "" {
		return 30 * time.Minute, nil
	}
	d, err := time.ParseDuration(c.Context.PlanTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid context.plan_ttl %q: %w", c.Context.PlanTTL, err)
	}
	return d, nil
}

// StateDir resolves the state directory against projectRoot.
func (c *Config) StateDir(projectRoot string) string {
	dir := c.Storage.StateDir
	if dir == "" {
		dir = ".storyforge"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(projectRoot, dir)
}

// DatabasePath resolves the SQLite file inside the state directory.
func (c *Config) DatabasePath(projectRoot string) string {
	name := c.Storage.DatabaseFile
	if name == "" {
		name = "storyforge.db"
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.StateDir(projectRoot), name)
}

// PricingPath resolves pricing.file against projectRoot; empty means built-in table only.
func (c *Config) PricingPath(projectRoot string) string {
	if c.Pricing.File == "" || filepath.IsAbs(c.Pricing.File) {
		return c.Pricing.File
	}
	return filepath.Join(projectRoot, c.Pricing.File)
}
