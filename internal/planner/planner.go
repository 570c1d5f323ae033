// Package planner resolves a context scope and its inclusion overrides into a
// budgeted, priced generation plan.
package planner

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tokens "storyforge/internal/context"
	"storyforge/internal/logging"
	"storyforge/internal/types"
	"storyforge/internal/usage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pricer estimates the cost of a prompt with no output.
type Pricer interface {
	Estimate(model string, inputTokens int) usage.CostEntry
}

// Config bounds plan creation.
type Config struct {
	MaxContextTokens int
	Model            string
	// EstimateWorkers bounds concurrent document reads.
	EstimateWorkers int
}

// Planner builds plans. It has no persistent side effects.
type Planner struct {
	cfg       Config
	docs      DocumentSource
	overrides OverrideSource
	pricer    Pricer
	counter   *tokens.TokenCounter
	now       func() time.Time
	newID     func() string
}

// Option customizes a Planner.
type Option func(*Planner)

// WithOverrides sets the override source. Without one every file is auto.
func WithOverrides(o OverrideSource) Option {
	return func(p *Planner) { p.overrides = o }
}

// WithTokenCounter replaces the default estimator.
func WithTokenCounter(c *tokens.TokenCounter) Option {
	return func(p *Planner) { p.counter = c }
}

// WithClock overrides the plan timestamp clock.
func WithClock(clock func() time.Time) Option {
	return func(p *Planner) { p.now = clock }
}

// New creates a planner.
func New(cfg Config, docs DocumentSource, pricer Pricer, opts ...Option) *Planner {
	if cfg.EstimateWorkers <= 0 {
		cfg.EstimateWorkers = 4
	}
	p := &Planner{
		cfg:     cfg,
		docs:    docs,
		pricer:  pricer,
		counter: tokens.NewTokenCounter(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type candidate struct {
	path     string
	override types.InclusionOverride
	rank     int
	tokens   int
	readErr  error
}

// Priority ranks, lowest first.
const (
	rankForced = iota
	rankCharacter
	rankBook
	rankProject
)

// CreatePlan selects context for message within scope. Forced files are always
// selected and excluded files never are; the rest are taken in priority order
// while they fit the budget, skipping any that would overflow it.
func (p *Planner) CreatePlan(ctx context.Context, scope types.ContextScope, message string) (*types.Plan, error) {
	root := types.NormalizePath("", scope.ProjectRoot)
	scope.ProjectRoot = root
	kind := scope.EffectiveKind()

	paths, err := p.docs.List(ctx, root)
	if err != nil {
		logging.PlannerWarn("scope root %s unreadable: %v", root, err)
		return nil, &types.ScopeResolutionError{Root: root, Err: err}
	}

	overrides := map[string]types.InclusionOverride{}
	if p.overrides != nil {
		if overrides, err = p.overrides.Overrides(ctx, root); err != nil {
			return nil, fmt.Errorf("load overrides for %s: %w", root, err)
		}
	}

	var cands []*candidate
	var excluded []types.ContextFile
	for _, path := range paths {
		path = types.NormalizePath(root, path)
		rank, inScope := classify(root, path, scope, kind)
		if !inScope {
			continue
		}
		ov := overrides[path]
		if ov == "" {
			ov = types.OverrideAuto
		}
		if ov == types.OverrideExclude {
			logging.PlannerDebug("excluded by override: %s", path)
			excluded = append(excluded, types.ContextFile{Path: path, Override: ov})
			continue
		}
		if ov == types.OverrideForce {
			rank = rankForced
		}
		cands = append(cands, &candidate{path: path, override: ov, rank: rank})
	}

	if err := p.estimate(ctx, cands); err != nil {
		return nil, err
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].rank != cands[j].rank {
			return cands[i].rank < cands[j].rank
		}
		return cands[i].path < cands[j].path
	})

	budget := tokens.NewTokenBudget(p.cfg.MaxContextTokens)
	plan := &types.Plan{
		ID:           p.newID(),
		Scope:        scope,
		Message:      message,
		ContextFiles: []types.ContextFile{},
		Model:        p.cfg.Model,
		CreatedAt:    p.now().UTC(),
	}
	for _, c := range cands {
		file := types.ContextFile{Path: c.path, TokensEstimate: c.tokens, Override: c.override}
		if c.readErr != nil {
			file.ReadError = c.readErr.Error()
			if c.override == types.OverrideForce {
				logging.PlannerWarn("plan %s: forced document %s is unreadable and was dropped", plan.ID, c.path)
			}
			plan.SkippedFiles = append(plan.SkippedFiles, file)
			continue
		}
		if c.override == types.OverrideForce {
			budget.Force(c.path, c.tokens)
			plan.ContextFiles = append(plan.ContextFiles, file)
			continue
		}
		if budget.Allocate(c.path, c.tokens) {
			plan.ContextFiles = append(plan.ContextFiles, file)
		} else {
			plan.SkippedFiles = append(plan.SkippedFiles, file)
		}
	}
	plan.SkippedFiles = append(plan.SkippedFiles, excluded...)

	plan.MessageTokens = p.counter.CountString(message)
	plan.TotalTokensEstimate = budget.TotalUsed() + plan.MessageTokens

	if p.pricer != nil {
		est := p.pricer.Estimate(plan.Model, plan.TotalTokensEstimate)
		plan.EstimatedCost = est.Amount
		plan.EstimatedCostDisplay = est.Display()
	} else {
		plan.EstimatedCostDisplay = usage.FormatCost(0, false)
	}

	logging.Planner("plan %s: scope=%s/%s files=%d skipped=%d tokens=%d (forced=%d) estimate=%s",
		plan.ID, kind, scope.ID(), len(plan.ContextFiles), len(plan.SkippedFiles),
		plan.TotalTokensEstimate, budget.Forced(), plan.EstimatedCostDisplay)
	logging.AuditForProject(root).PlanCreated(plan.ID, plan.Model, len(plan.ContextFiles), plan.TotalTokensEstimate, plan.EstimatedCostDisplay)
	return plan, nil
}

// estimate fills in token counts concurrently. An unreadable individual file is
// recorded on its candidate and left out of the selection.
func (p *Planner) estimate(ctx context.Context, cands []*candidate) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EstimateWorkers)
	for _, c := range cands {
		c := c
		g.Go(func() error {
			data, err := p.docs.Read(gctx, c.path)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logging.PlannerWarn("skipping unreadable %s: %v", c.path, err)
				c.readErr = err
				return nil
			}
			c.tokens = p.counter.CountBytes(data)
			return nil
		})
	}
	return g.Wait()
}

// classify decides whether path belongs to scope and at what priority.
//
//	project:   everything
//	book:      project-level documents outside books/, plus books/<book>/
//	character: the book view (or project view without a book), with
//	           characters/<character>.md ranked first
func classify(root, path string, scope types.ContextScope, kind types.ScopeKind) (int, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return 0, false
	}
	rel = filepath.ToSlash(rel)

	rank := rankProject
	if scope.BookID != "" && (kind == types.ScopeBook || kind == types.ScopeCharacter) {
		if strings.HasPrefix(rel, "books/") {
			if !strings.HasPrefix(rel, "books/"+scope.BookID+"/") {
				return 0, false
			}
			rank = rankBook
		}
	}
	if kind == types.ScopeCharacter && scope.CharacterID != "" {
		base := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
		dir := filepath.Base(filepath.Dir(rel))
		if dir == "characters" && strings.EqualFold(base, scope.CharacterID) {
			rank = rankCharacter
		}
	}
	return rank, true
}
