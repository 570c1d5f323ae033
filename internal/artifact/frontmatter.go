package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// Provenance records who authored an artifact's content.
type Provenance string

const (
	ProvenanceSuggestion Provenance = "ai_suggestion"
	ProvenanceGenerated  Provenance = "generated"
	ProvenanceUser       Provenance = "user"
)

// Metadata is persisted as YAML front matter ahead of the artifact body.
type Metadata struct {
	ContentType  string
	ScopeID      string
	Created      time.Time
	Modified     time.Time
	Provenance   Provenance
	Sources      []string
	PlanID       string
	Model        string
	EntityNumber int
	Label        string
	Version      int
}

// ParseFrontMatter extracts the metadata block and body from a document that
// starts with `---` YAML fences.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	if len(content) == 0 {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, normalized, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	var envelope storyEnvelope
	if err := yaml.Unmarshal(parts[0], &envelope); err != nil {
		return Metadata{}, nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	meta, err := envelope.toMetadata()
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, bytes.TrimPrefix(parts[1], []byte("\n")), nil
}

// BodyOf returns the document body, with any front matter removed.
// Documents without front matter are all body.
func BodyOf(content []byte) string {
	_, body, err := ParseFrontMatter(content)
	if err != nil {
		return string(normalizeNewlines(content))
	}
	return string(body)
}

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta Metadata, body []byte) ([]byte, error) {
	if meta.ContentType == "" {
		return nil, fmt.Errorf("artifact: metadata missing content type")
	}
	envelope := storyEnvelope{}
	envelope.fromMetadata(meta)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

type storyEnvelope struct {
	Storyforge storyMetadata `yaml:"storyforge"`
}

type storyMetadata struct {
	Type       string   `yaml:"type"`
	Scope      string   `yaml:"scope"`
	Created    string   `yaml:"created"`
	Modified   string   `yaml:"modified"`
	Provenance string   `yaml:"provenance"`
	Sources    []string `yaml:"sources,omitempty"`
	Plan       string   `yaml:"plan,omitempty"`
	Model      string   `yaml:"model,omitempty"`
	Entity     int      `yaml:"entity,omitempty"`
	Label      string   `yaml:"label,omitempty"`
	Version    int      `yaml:"version,omitempty"`
}

func (e storyEnvelope) toMetadata() (Metadata, error) {
	m := e.Storyforge
	if m.Type == "" || m.Created == "" {
		return Metadata{}, ErrMalformedFrontMatter
	}
	created, err := parseTime(m.Created)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	modified := created
	if m.Modified != "" {
		if modified, err = parseTime(m.Modified); err != nil {
			return Metadata{}, fmt.Errorf("artifact: parse modified timestamp: %w", err)
		}
	}
	return Metadata{
		ContentType:  m.Type,
		ScopeID:      m.Scope,
		Created:      created,
		Modified:     modified,
		Provenance:   Provenance(m.Provenance),
		Sources:      append([]string{}, m.Sources...),
		PlanID:       m.Plan,
		Model:        m.Model,
		EntityNumber: m.Entity,
		Label:        m.Label,
		Version:      m.Version,
	}, nil
}

func (e *storyEnvelope) fromMetadata(meta Metadata) {
	e.Storyforge = storyMetadata{
		Type:       meta.ContentType,
		Scope:      meta.ScopeID,
		Created:    meta.Created.UTC().Format(timeLayout),
		Modified:   meta.Modified.UTC().Format(timeLayout),
		Provenance: string(meta.Provenance),
		Sources:    append([]string{}, meta.Sources...),
		Plan:       meta.PlanID,
		Model:      meta.Model,
		Entity:     meta.EntityNumber,
		Label:      meta.Label,
		Version:    meta.Version,
	}
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
