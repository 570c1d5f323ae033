package config

import "testing"

func TestValidateLimits(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"huge budget", func(c *Config) { c.Context.MaxContextTokens = 3_000_000 }, true},
		{"tiny ratio", func(c *Config) { c.Context.CharsPerToken = 0.5 }, true},
		{"zero ratio means default", func(c *Config) { c.Context.CharsPerToken = 0 }, false},
		{"too many writers", func(c *Config) { c.Batch.WriteWorkers = 500 }, true},
		{"negative estimators", func(c *Config) { c.Context.EstimateWorkers = -1 }, true},
		{"pattern without verb", func(c *Config) { c.Batch.NamePattern = "chapter.md" }, true},
		{"pattern with verb", func(c *Config) { c.Batch.NamePattern = "chapter-%03d.md" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.ValidateLimits()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateLimits() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnforceLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Batch.WriteWorkers = 0
	got := cfg.EnforceLimits()
	if got["write_workers"] != 1 {
		t.Errorf("write_workers = %d, want 1", got["write_workers"])
	}
	if got["estimate_workers"] != cfg.Context.EstimateWorkers {
		t.Errorf("estimate_workers = %d, want %d", got["estimate_workers"], cfg.Context.EstimateWorkers)
	}
}

func TestLoggingConfig_IsCategoryEnabled(t *testing.T) {
	c := LoggingConfig{}
	if c.IsCategoryEnabled("planner") {
		t.Error("categories are off outside debug mode")
	}
	c.DebugMode = true
	if !c.IsCategoryEnabled("planner") {
		t.Error("all categories default on in debug mode")
	}
	c.Categories = map[string]bool{"api": false}
	if c.IsCategoryEnabled("api") || !c.IsCategoryEnabled("stream") {
		t.Error("per-category toggle not honoured")
	}
}
