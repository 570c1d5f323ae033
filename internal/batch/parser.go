// Package batch splits one generated response into per-entity segments.
//
// A response for entities 3 and 7 looks like:
//
//	## ENTITY 3: The Crossing
//	...prose...
//	## ENTITY 7: Aftermath
//	...prose...
//
// Only headers whose number was requested delimit segments, so a model that
// mentions "## ENTITY 99" inside a chapter does not truncate it.
package batch

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"storyforge/internal/logging"
	"storyforge/internal/types"
)

// DefaultKeyword is the header keyword used when none is configured.
const DefaultKeyword = "ENTITY"

// Parser extracts entity segments delimited by "## <KEYWORD> <n>: <label>" headers.
type Parser struct {
	keyword string
	header  *regexp.Regexp
}

// NewParser builds a parser for keyword (case-insensitive). Empty means DefaultKeyword.
func NewParser(keyword string) *Parser {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		keyword = DefaultKeyword
	}
	pattern := `(?im)^[ \t]*##[ \t]+` + regexp.QuoteMeta(keyword) + `[ \t]+(\d+)[ \t]*(?::[ \t]*(.*))?$`
	return &Parser{keyword: keyword, header: regexp.MustCompile(pattern)}
}

// Keyword returns the header keyword.
func (p *Parser) Keyword() string {
	return p.keyword
}

type header struct {
	number int
	label  string
	start  int // offset of the header line
	body   int // offset just past the header line
}

// Extract returns one entry per requested entity whose header is present and
// whose trimmed content is non-empty, in requested order. Entities without a
// header are skipped. When a number's header appears more than once the first
// occurrence wins; later duplicates still end the preceding segment.
func (p *Parser) Extract(fullText string, requested []types.Entity) []types.BatchEntry {
	wanted := make(map[int]types.Entity, len(requested))
	for _, e := range requested {
		wanted[e.Number] = e
	}

	var headers []header
	for _, m := range p.header.FindAllStringSubmatchIndex(fullText, -1) {
		n, err := strconv.Atoi(fullText[m[2]:m[3]])
		if err != nil {
			continue
		}
		if _, ok := wanted[n]; !ok {
			continue
		}
		h := header{number: n, start: m[0], body: m[1]}
		if m[4] >= 0 {
			h.label = strings.TrimSpace(fullText[m[4]:m[5]])
		}
		headers = append(headers, h)
	}

	segments := make(map[int]types.BatchEntry, len(headers))
	for i, h := range headers {
		if _, dup := segments[h.number]; dup {
			logging.BatchDebug("duplicate header for %s %d ignored", p.keyword, h.number)
			continue
		}
		end := len(fullText)
		if i+1 < len(headers) {
			end = headers[i+1].start
		}
		content := strings.TrimSpace(fullText[h.body:end])
		if content == "" {
			logging.BatchDebug("%s %d has an empty body", p.keyword, h.number)
			// Reserve the number so a later duplicate cannot claim it.
			segments[h.number] = types.BatchEntry{}
			continue
		}
		label := h.label
		if label == "" {
			label = wanted[h.number].Label
		}
		segments[h.number] = types.BatchEntry{EntityNumber: h.number, Label: label, RawContent: content}
	}

	entries := make([]types.BatchEntry, 0, len(requested))
	seen := make(map[int]bool, len(requested))
	for _, e := range requested {
		if seen[e.Number] {
			continue
		}
		seen[e.Number] = true
		if entry, ok := segments[e.Number]; ok && entry.RawContent != "" {
			entries = append(entries, entry)
		}
	}

	logging.Batch("extracted %d/%d %s segments", len(entries), len(seen), strings.ToLower(p.keyword))
	return entries
}

// Extract parses with the default keyword.
func Extract(fullText string, requested []types.Entity) []types.BatchEntry {
	return NewParser(DefaultKeyword).Extract(fullText, requested)
}

// Missing returns the requested numbers with no extracted entry, ascending.
func Missing(requested []types.Entity, entries []types.BatchEntry) []int {
	got := make(map[int]bool, len(entries))
	for _, e := range entries {
		got[e.EntityNumber] = true
	}
	var missing []int
	seen := make(map[int]bool)
	for _, r := range requested {
		if !got[r.Number] && !seen[r.Number] {
			missing = append(missing, r.Number)
		}
		seen[r.Number] = true
	}
	sort.Ints(missing)
	return missing
}

// Header renders the header line for an entity, for use in prompts.
func (p *Parser) Header(e types.Entity) string {
	return fmt.Sprintf("## %s %d: %s", p.keyword, e.Number, e.Label)
}

// Instructions tells the model how to lay out a batch response for entities.
func (p *Parser) Instructions(entities []types.Entity) string {
	var sb strings.Builder
	sb.WriteString("Write each requested item under its own header, exactly as shown, in this order:\n\n")
	for _, e := range entities {
		sb.WriteString(p.Header(e))
		sb.WriteString("\n")
	}
	sb.WriteString("\nDo not add any other headers of this form.")
	return sb.String()
}
