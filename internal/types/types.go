// Package types provides shared type definitions used across storyforge packages.
// This package exists to break import cycles between the planner, executor, and pipeline.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// SCOPE
// =============================================================================

// ScopeKind identifies how wide a generation request reaches into a project.
type ScopeKind string

const (
	ScopeProject   ScopeKind = "project"
	ScopeBook      ScopeKind = "book"
	ScopeCharacter ScopeKind = "character"
)

// ContextScope tags the part of a project a request is about.
// Only the planner interprets these tags.
type ContextScope struct {
	ProjectRoot string    `json:"project_root" yaml:"project_root"`
	Kind        ScopeKind `json:"kind" yaml:"kind"`
	BookID      string    `json:"book_id,omitempty" yaml:"book_id,omitempty"`
	CharacterID string    `json:"character_id,omitempty" yaml:"character_id,omitempty"`
}

// ID returns the most specific identifier carried by the scope.
func (s ContextScope) ID() string {
	switch {
	case s.CharacterID != "":
		return s.CharacterID
	case s.BookID != "":
		return s.BookID
	default:
		return filepath.Base(s.ProjectRoot)
	}
}

// EffectiveKind derives the kind from the populated tags when Kind is unset.
func (s ContextScope) EffectiveKind() ScopeKind {
	if s.Kind != "" {
		return s.Kind
	}
	switch {
	case s.CharacterID != "":
		return ScopeCharacter
	case s.BookID != "":
		return ScopeBook
	default:
		return ScopeProject
	}
}

// =============================================================================
// INCLUSION OVERRIDES
// =============================================================================

// InclusionOverride controls whether a document is used as context regardless of budget.
type InclusionOverride string

const (
	OverrideAuto    InclusionOverride = "auto"
	OverrideExclude InclusionOverride = "exclude"
	OverrideForce   InclusionOverride = "force"
)

// ParseOverride accepts the three override spellings; anything else is auto.
func ParseOverride(s string) (InclusionOverride, bool) {
	switch InclusionOverride(strings.ToLower(strings.TrimSpace(s))) {
	case OverrideAuto, "":
		return OverrideAuto, true
	case OverrideExclude:
		return OverrideExclude, true
	case OverrideForce:
		return OverrideForce, true
	}
	return OverrideAuto, false
}

// NormalizePath returns the cleaned absolute form of p. Relative paths are
// resolved against root. Overrides are keyed by this form.
func NormalizePath(root, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

// =============================================================================
// PLAN
// =============================================================================

// ContextFile is one document selected as generation context.
type ContextFile struct {
	Path           string            `json:"path"`
	TokensEstimate int               `json:"tokens_estimate"`
	Override       InclusionOverride `json:"override,omitempty"`
	// ReadError is set on skipped files that could not be read for estimation.
	ReadError string `json:"read_error,omitempty"`
}

// Plan is a priced, scoped proposal for a generation request, created before any model call.
// Plans are immutable once created and are consumed by at most one execution.
type Plan struct {
	ID                   string        `json:"id"`
	Scope                ContextScope  `json:"scope"`
	Message              string        `json:"message"`
	ContextFiles         []ContextFile `json:"context_files"`
	SkippedFiles         []ContextFile `json:"skipped_files,omitempty"` // over budget, excluded, or unreadable
	MessageTokens        int           `json:"message_tokens"`
	TotalTokensEstimate  int           `json:"total_tokens_estimate"`
	EstimatedCost        float64       `json:"estimated_cost"`
	EstimatedCostDisplay string        `json:"estimated_cost_display"`
	Model                string        `json:"model"`
	CreatedAt            time.Time     `json:"created_at"`
}

// DroppedForced lists forced documents that could not be included.
func (p *Plan) DroppedForced() []ContextFile {
	var out []ContextFile
	for _, f := range p.SkippedFiles {
		if f.Override == OverrideForce {
			out = append(out, f)
		}
	}
	return out
}

// ContextPaths lists the selected document paths in plan order.
func (p *Plan) ContextPaths() []string {
	paths := make([]string, 0, len(p.ContextFiles))
	for _, f := range p.ContextFiles {
		paths = append(paths, f.Path)
	}
	return paths
}

// =============================================================================
// CONVERSATION / RESULTS
// =============================================================================

// Role is the speaker of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of caller-owned conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ExecutionResult is the single canonical outcome of a completed streaming execution.
type ExecutionResult struct {
	FullText     string `json:"full_text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// =============================================================================
// BATCH
// =============================================================================

// Entity is one numbered item requested in a batch generation (a chapter, a scene).
type Entity struct {
	Number int    `json:"number" yaml:"number"`
	Label  string `json:"label" yaml:"label"`
}

// BatchEntry is the content extracted for one requested entity.
type BatchEntry struct {
	EntityNumber int    `json:"entity_number"`
	Label        string `json:"label"`
	RawContent   string `json:"raw_content"`
}
