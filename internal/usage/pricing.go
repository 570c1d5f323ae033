package usage

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TierRates are USD prices per million tokens.
type TierRates struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ModelPricing is the rate card for one model. LongContext is optional.
type ModelPricing struct {
	Standard    TierRates  `yaml:"standard"`
	LongContext *TierRates `yaml:"long_context,omitempty"`
}

// PricingTable maps model names (or name prefixes) to rate cards.
type PricingTable struct {
	Models map[string]ModelPricing `yaml:"models"`
}

// DefaultPricing returns the built-in table.
func DefaultPricing() *PricingTable {
	return &PricingTable{Models: map[string]ModelPricing{
		"claude-opus-4-1": {Standard: TierRates{15, 75}},
		"claude-opus-4":   {Standard: TierRates{15, 75}},
		"claude-sonnet-4-5": {
			Standard:    TierRates{3, 15},
			LongContext: &TierRates{6, 22.5},
		},
		"claude-sonnet-4": {
			Standard:    TierRates{3, 15},
			LongContext: &TierRates{6, 22.5},
		},
		"claude-haiku-4-5":  {Standard: TierRates{1, 5}},
		"claude-3-5-haiku":  {Standard: TierRates{0.8, 4}},
		"claude-3-7-sonnet": {Standard: TierRates{3, 15}},
		"gemini-2.5-pro": {
			Standard:    TierRates{1.25, 10},
			LongContext: &TierRates{2.5, 15},
		},
		"gemini-2.5-flash":      {Standard: TierRates{0.30, 2.50}},
		"gemini-2.5-flash-lite": {Standard: TierRates{0.10, 0.40}},
	}}
}

// Lookup finds pricing for model: exact name first, then the longest table key
// that prefixes it (so dated snapshots like "claude-sonnet-4-5-20250929" resolve).
func (t *PricingTable) Lookup(model string) (ModelPricing, bool) {
	if t == nil || model == "" {
		return ModelPricing{}, false
	}
	if p, ok := t.Models[model]; ok {
		return p, true
	}
	best := ""
	for key := range t.Models {
		if strings.HasPrefix(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return t.Models[best], true
}

// ModelNames returns the table's keys, sorted.
func (t *PricingTable) ModelNames() []string {
	names := make([]string, 0, len(t.Models))
	for k := range t.Models {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new table holding base's models overlaid with t's.
func (t *PricingTable) Merge(base *PricingTable) *PricingTable {
	out := &PricingTable{Models: make(map[string]ModelPricing)}
	if base != nil {
		for k, v := range base.Models {
			out.Models[k] = v
		}
	}
	if t != nil {
		for k, v := range t.Models {
			out.Models[k] = v
		}
	}
	return out
}

// Validate rejects negative rates.
func (t *PricingTable) Validate() error {
	for name, p := range t.Models {
		if p.Standard.InputPerMillion < 0 || p.Standard.OutputPerMillion < 0 {
			return fmt.Errorf("pricing for %s: negative standard rate", name)
		}
		if lc := p.LongContext; lc != nil && (lc.InputPerMillion < 0 || lc.OutputPerMillion < 0) {
			return fmt.Errorf("pricing for %s: negative long_context rate", name)
		}
	}
	return nil
}

// LoadPricingFile reads a YAML pricing table and overlays it on the built-in one.
func LoadPricingFile(path string) (*PricingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	var file PricingTable
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return file.Merge(DefaultPricing()), nil
}
