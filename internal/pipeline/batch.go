package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"storyforge/internal/artifact"
	"storyforge/internal/batch"
	"storyforge/internal/events"
	"storyforge/internal/logging"
	"storyforge/internal/types"

	"golang.org/x/sync/errgroup"
)

// BatchRequest asks one confirmed plan to produce several numbered entities.
type BatchRequest struct {
	PlanID   string
	History  []types.Message
	Entities []types.Entity
	// Dir receives the artifacts; relative paths resolve against the project root.
	Dir         string
	ContentType string
}

// BatchReport is the outcome of a batch run. A partial extraction is not an
// error: missing entities are listed in Skipped.
type BatchReport struct {
	PlanID    string
	Requested int
	Extracted int
	Written   int
	Rejected  []int
	Skipped   []int
	Paths     []string
	Result    types.ExecutionResult
}

// Summary renders "written/requested".
func (r *BatchReport) Summary() string {
	return fmt.Sprintf("%d/%d", r.Written, r.Requested)
}

// RunBatch executes the plan with batch layout instructions, splits the
// response per entity, and writes each entity in versioned mode. Nothing is
// written unless the execution produced a complete result.
func (p *Pipeline) RunBatch(ctx context.Context, req BatchRequest, onChunk func(events.Chunk)) (*BatchReport, error) {
	if len(req.Entities) == 0 {
		return nil, fmt.Errorf("batch: no entities requested")
	}
	plan, res, err := p.execute(ctx, req.PlanID, req.History, p.parser.Instructions(req.Entities), onChunk)
	if err != nil {
		return nil, err
	}

	entries := p.parser.Extract(res.FullText, req.Entities)
	report := &BatchReport{
		PlanID:    plan.ID,
		Requested: len(req.Entities),
		Extracted: len(entries),
		Skipped:   batch.Missing(req.Entities, entries),
		Result:    res,
	}
	if len(report.Skipped) > 0 {
		logging.Batch("plan %s: %d of %d entities missing from response: %v", plan.ID,
			len(report.Skipped), report.Requested, report.Skipped)
	}

	dir := p.resolveDir(req.Dir)
	results := make([]artifact.WriteResult, len(entries))
	created := time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EnforceLimits()["write_workers"])
	for i, entry := range entries {
		g.Go(func() error {
			meta := artifact.Metadata{
				ContentType:  req.ContentType,
				ScopeID:      plan.Scope.ID(),
				Created:      created,
				Provenance:   artifact.ProvenanceGenerated,
				Sources:      plan.ContextPaths(),
				PlanID:       plan.ID,
				Model:        res.Model,
				EntityNumber: entry.EntityNumber,
				Label:        entry.Label,
			}
			slot := artifact.Slot{Dir: dir, CanonicalName: p.entityName(entry.EntityNumber)}
			wr, err := p.writer.Write(gctx, slot, meta, entry.RawContent, artifact.Versioned)
			if err != nil {
				return fmt.Errorf("entity %d: %w", entry.EntityNumber, err)
			}
			results[i] = wr
			return nil
		})
	}
	werr := g.Wait()

	// Tallied even on failure so entities already on disk are reported.
	for i, wr := range results {
		switch {
		case wr.Rejected:
			report.Rejected = append(report.Rejected, entries[i].EntityNumber)
		case wr.Written:
			report.Written++
			report.Paths = append(report.Paths, wr.Path)
		}
	}
	sort.Ints(report.Rejected)
	if werr != nil {
		logging.Batch("plan %s: write failed after %s entities: %v", plan.ID, report.Summary(), werr)
		return report, werr
	}

	logging.Batch("plan %s: wrote %s entities to %s", plan.ID, report.Summary(), dir)
	logging.AuditForProject(p.root).BatchComplete(plan.ID, report.Written, report.Requested)
	return report, nil
}

// RegenerateRequest re-runs one item and replaces its canonical artifact.
type RegenerateRequest struct {
	PlanID      string
	History     []types.Message
	Slot        artifact.Slot
	ContentType string
	// Entity, when set, asks for a single batch-style section and keeps only it.
	Entity *types.Entity
}

// Regenerate executes the plan and overwrites the slot's canonical file. The
// caller has confirmed the overwrite; the empty-content guard still applies.
func (p *Pipeline) Regenerate(ctx context.Context, req RegenerateRequest, onChunk func(events.Chunk)) (artifact.WriteResult, error) {
	var extra string
	var requested []types.Entity
	if req.Entity != nil {
		requested = []types.Entity{*req.Entity}
		extra = p.parser.Instructions(requested)
	}
	plan, res, err := p.execute(ctx, req.PlanID, req.History, extra, onChunk)
	if err != nil {
		return artifact.WriteResult{}, err
	}

	content := strings.TrimSpace(res.FullText)
	meta := artifact.Metadata{
		ContentType: req.ContentType,
		ScopeID:     plan.Scope.ID(),
		Provenance:  artifact.ProvenanceGenerated,
		Sources:     plan.ContextPaths(),
		PlanID:      plan.ID,
		Model:       res.Model,
	}
	slot := req.Slot
	slot.Dir = p.resolveDir(slot.Dir)
	if req.Entity != nil {
		if slot.CanonicalName == "" {
			slot.CanonicalName = p.entityName(req.Entity.Number)
		}
		meta.EntityNumber = req.Entity.Number
		meta.Label = req.Entity.Label
		entries := p.parser.Extract(res.FullText, requested)
		if len(entries) != 1 {
			// A missing or bodiless section is absent; the slot keeps what it has.
			rejection := &types.PersistenceGuardRejection{Path: slot.Path()}
			logging.BatchDebug("plan %s: entity %d missing from response", plan.ID, req.Entity.Number)
			logging.ArtifactWarn("%v", rejection)
			logging.AuditForProject(p.root).ArtifactWrite(plan.ID, slot.Path(), 0, true)
			return artifact.WriteResult{Path: slot.Path(), Rejected: true, Rejection: rejection}, nil
		}
		content = entries[0].RawContent
	}
	return p.writer.Write(ctx, slot, meta, content, artifact.Overwrite)
}

func (p *Pipeline) entityName(n int) string {
	pattern := p.cfg.Batch.NamePattern
	if pattern == "" {
		pattern = "entity-%02d.md"
	}
	return fmt.Sprintf(pattern, n)
}

func (p *Pipeline) resolveDir(dir string) string {
	if dir == "" {
		return p.root
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(p.root, dir)
}
