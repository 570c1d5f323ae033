// Package pipeline wires the generation stages together: plan, confirm,
// stream, account, split, persist. It owns the plan registry and every
// long-lived collaborator for one project.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"storyforge/internal/artifact"
	"storyforge/internal/batch"
	"storyforge/internal/config"
	tokens "storyforge/internal/context"
	"storyforge/internal/events"
	"storyforge/internal/execution"
	"storyforge/internal/inference"
	"storyforge/internal/logging"
	"storyforge/internal/planner"
	"storyforge/internal/quick"
	"storyforge/internal/store"
	"storyforge/internal/types"
	"storyforge/internal/usage"
)

const defaultSystemPrompt = `You are a collaborator on a long-form fiction project.
Use the project documents below as canon. Stay consistent with established names, facts and voice.
Reply with the requested prose only.`

// Pipeline is the entry point for one project.
type Pipeline struct {
	cfg  *config.Config
	root string

	docs       planner.DocumentSource
	planner    *planner.Planner
	registry   *Registry
	bus        *events.Bus
	backend    *inference.StreamBackend
	executor   *execution.Executor
	accountant *usage.Accountant
	parser     *batch.Parser
	writer     *artifact.Writer
	quick      *quick.Executor
	store      *store.Store
	watcher    *usage.PricingWatcher

	client     inference.Client
	ownsStore  bool
	cancelBase context.CancelFunc
	baseCtx    context.Context
}

// Option customizes New.
type Option func(*options)

type options struct {
	client inference.Client
	store  *store.Store
	docs   planner.DocumentSource
	writer *artifact.Writer
	clock  func() time.Time
}

// WithClient supplies the inference client instead of building one from config.
func WithClient(c inference.Client) Option {
	return func(o *options) { o.client = c }
}

// WithStore supplies an open store. The caller keeps ownership.
func WithStore(s *store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithDocumentSource replaces the filesystem document source.
func WithDocumentSource(d planner.DocumentSource) Option {
	return func(o *options) { o.docs = d }
}

// WithWriter replaces the artifact writer.
func WithWriter(w *artifact.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithClock overrides time for plan timestamps and registry pruning.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// New builds a pipeline for the project at root.
func New(ctx context.Context, cfg *config.Config, root string, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	ttl, err := cfg.PlanTTL()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg, root: absRoot, client: o.client, store: o.store}

	if p.client == nil {
		if p.client, err = inference.NewClientFromConfig(ctx, cfg.LLM); err != nil {
			return nil, fmt.Errorf("create inference client: %w", err)
		}
	}

	if p.store == nil {
		dbPath := cfg.DatabasePath(absRoot)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		if p.store, err = store.Open(dbPath); err != nil {
			return nil, err
		}
		p.ownsStore = true
	}

	pricing := usage.DefaultPricing()
	pricingPath := cfg.PricingPath(absRoot)
	if pricingPath != "" {
		if pricing, err = usage.LoadPricingFile(pricingPath); err != nil {
			p.closeStore()
			return nil, err
		}
	}
	p.accountant = usage.NewAccountant(pricing, usage.WithLedger(p.store), usage.WithProject(absRoot))
	if err := p.accountant.LoadProject(ctx); err != nil {
		logging.CostWarn("project totals unavailable: %v", err)
	}

	p.docs = o.docs
	if p.docs == nil {
		p.docs = planner.FSSource{
			Extensions: cfg.Context.Extensions,
			SkipDirs:   []string{filepath.Base(cfg.StateDir(absRoot)), "node_modules"},
		}
	}
	counter := tokens.NewTokenCounterWithRatio(cfg.Context.CharsPerToken)
	p.planner = planner.New(planner.Config{
		MaxContextTokens: cfg.Context.MaxContextTokens,
		Model:            cfg.LLM.Model,
		EstimateWorkers:  cfg.EnforceLimits()["estimate_workers"],
	}, p.docs, p.accountant,
		planner.WithOverrides(p.store),
		planner.WithTokenCounter(counter),
		planner.WithClock(o.clock),
	)

	p.registry = NewRegistry(ttl, o.clock)
	p.bus = events.NewBus()
	p.backend = inference.NewStreamBackend(p.client, p.bus)
	p.executor = execution.NewExecutor(p.bus, p.backend, execution.NewController())
	p.parser = batch.NewParser(cfg.Batch.HeaderKeyword)
	p.writer = o.writer
	if p.writer == nil {
		p.writer = artifact.NewWriter(artifact.WithSlotLocking())
	}
	p.quick = quick.NewExecutor(p.client, p.accountant, cfg.LLM.EffectiveQuickModel(), cfg.LLM.QuickMaxTokens)

	p.baseCtx, p.cancelBase = context.WithCancel(context.Background())
	if pricingPath != "" && cfg.Pricing.Watch {
		if p.watcher, err = usage.NewPricingWatcher(pricingPath, p.accountant.SetPricing); err != nil {
			logging.ConfigWarn("pricing watcher unavailable: %v", err)
		} else if err := p.watcher.Start(p.baseCtx); err != nil {
			logging.ConfigWarn("pricing watcher failed to start: %v", err)
			p.watcher = nil
		}
	}

	logging.Boot("pipeline ready: root=%s model=%s quick=%s budget=%d", absRoot, cfg.LLM.Model,
		cfg.LLM.EffectiveQuickModel(), cfg.Context.MaxContextTokens)
	return p, nil
}

// Root returns the project root.
func (p *Pipeline) Root() string { return p.root }

// Accountant exposes session and project totals.
func (p *Pipeline) Accountant() *usage.Accountant { return p.accountant }

// Store exposes the override store and usage ledger.
func (p *Pipeline) Store() *store.Store { return p.store }

// Parser returns the batch parser configured for this project.
func (p *Pipeline) Parser() *batch.Parser { return p.parser }

// CreatePlan prices a request for scope. An empty scope root means the
// pipeline's project. Nothing is sent to the model.
func (p *Pipeline) CreatePlan(ctx context.Context, scope types.ContextScope, message string) (*types.Plan, error) {
	for _, id := range p.registry.Prune() {
		p.executor.Controller().Forget(id)
	}
	if scope.ProjectRoot == "" {
		scope.ProjectRoot = p.root
	}
	plan, err := p.planner.CreatePlan(ctx, scope, message)
	if err != nil {
		return nil, err
	}
	p.registry.Put(plan)
	return plan, nil
}

// Plan returns an issued plan.
func (p *Pipeline) Plan(planID string) (*types.Plan, error) {
	plan, _, err := p.registry.Get(planID)
	return plan, err
}

// Execute confirms planID and streams it. history is the caller's prior
// conversation; the plan's message is appended as the final user turn.
// onChunk receives progress only; the returned result is canonical.
func (p *Pipeline) Execute(ctx context.Context, planID string, history []types.Message, onChunk func(events.Chunk)) (types.ExecutionResult, error) {
	_, res, err := p.execute(ctx, planID, history, "", onChunk)
	return res, err
}

func (p *Pipeline) execute(ctx context.Context, planID string, history []types.Message, extra string, onChunk func(events.Chunk)) (*types.Plan, types.ExecutionResult, error) {
	plan, err := p.registry.Take(planID)
	if err != nil {
		return nil, types.ExecutionResult{}, err
	}

	start := time.Now()
	audit := logging.AuditForProject(p.root)
	fail := func(err error) (*types.Plan, types.ExecutionResult, error) {
		status := PlanDone
		if errors.Is(err, types.ErrCancelled) {
			status = PlanCancelled
		}
		p.registry.Finish(planID, status)
		audit.ExecutionComplete(planID, plan.Model, time.Since(start), err)
		return plan, types.ExecutionResult{}, err
	}

	// Registered before the context documents are read so a cancel during
	// preparation aborts the run instead of being dropped.
	run, err := p.executor.Begin(ctx, planID)
	if err != nil {
		return fail(err)
	}
	defer run.Release()
	if p.registry.CancelRequested(planID) {
		p.executor.Controller().Cancel(planID)
	}

	system, err := p.systemPrompt(run.Context(), plan)
	if err != nil {
		if run.Cancelled() {
			err = types.ErrCancelled
		}
		return fail(err)
	}
	message := plan.Message
	if extra != "" {
		message = strings.TrimSpace(message + "\n\n" + extra)
	}
	msgs := make([]types.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: message})

	req := inference.Request{
		PlanID:    plan.ID,
		Model:     plan.Model,
		System:    system,
		Messages:  msgs,
		MaxTokens: p.cfg.LLM.MaxOutputTokens,
	}

	res, err := p.executor.Stream(ctx, run, req, onChunk)
	if err != nil {
		return fail(err)
	}
	p.registry.Finish(planID, PlanDone)

	model := res.Model
	if model == "" {
		model = plan.Model
		res.Model = model
	}
	entry, _ := p.accountant.Record(ctx, planID, usage.SourcePlan, model, res.InputTokens, res.OutputTokens)
	logging.Cost("plan %s: %s (in=%d out=%d)", planID, entry.Display(), res.InputTokens, res.OutputTokens)
	audit.ExecutionComplete(planID, model, time.Since(start), nil)
	return plan, res, nil
}

// systemPrompt inlines the plan's context documents.
func (p *Pipeline) systemPrompt(ctx context.Context, plan *types.Plan) (string, error) {
	var sb strings.Builder
	base := p.cfg.LLM.SystemPrompt
	if base == "" {
		base = defaultSystemPrompt
	}
	sb.WriteString(base)
	for _, f := range plan.ContextFiles {
		data, err := p.docs.Read(ctx, f.Path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			logging.PlannerWarn("plan %s: context document %s vanished: %v", plan.ID, f.Path, err)
			continue
		}
		rel, relErr := filepath.Rel(plan.Scope.ProjectRoot, f.Path)
		if relErr != nil {
			rel = f.Path
		}
		fmt.Fprintf(&sb, "\n\n<document path=%q>\n%s\n</document>", filepath.ToSlash(rel), strings.TrimSpace(string(data)))
	}
	return sb.String(), nil
}

// Cancel aborts planID. A pending plan can no longer be executed; an
// executing one is aborted and its late result discarded. Unknown and
// finished plans are ignored. Safe to call any number of times.
func (p *Pipeline) Cancel(planID string) bool {
	status, changed := p.registry.RequestCancel(planID)
	switch {
	case status == PlanPending && changed:
		logging.Stream("plan %s: cancelled before execution", planID)
		logging.AuditForProject(p.root).PlanCancelled(planID)
		return true
	case status != PlanExecuting:
		return false
	}
	// The flag is set first: an execution not yet registered with the
	// controller checks it right after registering.
	if p.executor.Controller().Cancel(planID) || changed {
		logging.AuditForProject(p.root).PlanCancelled(planID)
		return true
	}
	return false
}

// Quick runs a single-shot action. It needs no plan.
func (p *Pipeline) Quick(ctx context.Context, req quick.Request) (quick.Result, error) {
	if req.Scope.ProjectRoot == "" {
		req.Scope.ProjectRoot = p.root
	}
	return p.quick.Run(ctx, req)
}

// Close stops background work and waits for in-flight streams to report.
func (p *Pipeline) Close() error {
	if p.watcher != nil {
		p.watcher.Stop()
	}
	p.cancelBase()
	p.backend.Wait()
	return p.closeStore()
}

func (p *Pipeline) closeStore() error {
	if p.ownsStore && p.store != nil {
		err := p.store.Close()
		p.store = nil
		return err
	}
	return nil
}
