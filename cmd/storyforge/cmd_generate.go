package main

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"storyforge/internal/artifact"
	"storyforge/internal/events"
	"storyforge/internal/pipeline"
	"storyforge/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	scopeBook      string
	scopeCharacter string
	assumeYes      bool
	outFile        string
	contentType    string

	batchEntities    string
	batchLabelFormat string
	batchDir         string
)

var planCmd = &cobra.Command{
	Use:   "plan [message]",
	Short: "Preview the context and estimated cost of a request",
	Long: `Selects context documents for the scope under the token budget and prices the
request. Nothing is sent to the model.

Example:
  storyforge plan --book book-1 "Draft chapter three"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

var generateCmd = &cobra.Command{
	Use:   "generate [message]",
	Short: "Plan, confirm, and stream a generation",
	Long: `Creates a plan, shows the estimate, asks for confirmation, and streams the
response to stdout. Ctrl-C cancels the request; a late response is discarded.

With --out the response replaces the named file (the previous created date is
kept, and an empty response never replaces existing text).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

var batchCmd = &cobra.Command{
	Use:   "batch [message]",
	Short: "Generate several numbered entities in one request",
	Long: `Asks for one section per entity under "## ENTITY <n>: <label>" headers, splits
the response, and writes each entity as its own artifact. Occupied files get a
new version (chapter-03-v2.md) instead of being overwritten.

Example:
  storyforge batch --book book-1 --entities 1-21 --label "Chapter %d" --dir books/book-1/chapters "Draft the book"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

func init() {
	for _, c := range []*cobra.Command{planCmd, generateCmd, batchCmd} {
		c.Flags().StringVar(&scopeBook, "book", "", "Restrict context to one book")
		c.Flags().StringVar(&scopeCharacter, "character", "", "Prioritize one character's sheet")
	}
	for _, c := range []*cobra.Command{generateCmd, batchCmd} {
		c.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip the confirmation prompt")
		c.Flags().StringVar(&contentType, "type", "chapter", "Content type recorded in front matter")
	}
	generateCmd.Flags().StringVarP(&outFile, "out", "o", "", "Write the response to this file")

	batchCmd.Flags().StringVar(&batchEntities, "entities", "", "Entity numbers, e.g. 1-21 or 1,3,5 (required)")
	batchCmd.Flags().StringVar(&batchLabelFormat, "label", "Chapter %d", "Label format for each entity number")
	batchCmd.Flags().StringVar(&batchDir, "dir", "", "Output directory (default: project root)")
	batchCmd.MarkFlagRequired("entities")
}

// interruptTarget is the plan Ctrl-C cancels once it has been confirmed.
type interruptTarget struct {
	mu     sync.Mutex
	p      *pipeline.Pipeline
	planID string
}

func (t *interruptTarget) set(p *pipeline.Pipeline, planID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p, t.planID = p, planID
}

func (t *interruptTarget) cancel() {
	t.mu.Lock()
	p, planID := t.p, t.planID
	t.mu.Unlock()
	if p != nil {
		p.Cancel(planID)
	}
}

func currentScope() types.ContextScope {
	return types.ContextScope{BookID: scopeBook, CharacterID: scopeCharacter}
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(nil)
	defer cancel()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	plan, err := p.CreatePlan(ctx, currentScope(), strings.Join(args, " "))
	if err != nil {
		return err
	}
	printPlan(cmd.OutOrStdout(), p.Root(), plan)
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	var target interruptTarget
	ctx, cancel := commandContext(target.cancel)
	defer cancel()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	plan, err := p.CreatePlan(ctx, currentScope(), strings.Join(args, " "))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printPlan(out, p.Root(), plan)
	if !confirm(cmd, assumeYes) {
		p.Cancel(plan.ID)
		fmt.Fprintln(out, "Cancelled.")
		return nil
	}
	target.set(p, plan.ID)

	if outFile != "" {
		slot := artifact.Slot{Dir: filepath.Dir(outFile), CanonicalName: filepath.Base(outFile)}
		wr, err := p.Regenerate(ctx, pipeline.RegenerateRequest{PlanID: plan.ID, Slot: slot, ContentType: contentType}, nil)
		if err != nil {
			return err
		}
		if wr.Rejected {
			fmt.Fprintf(out, "Kept %s: %v\n", wr.Path, wr.Rejection)
			return nil
		}
		fmt.Fprintf(out, "Wrote %s\n", wr.Path)
		printSessionCost(out, p)
		return nil
	}

	res, err := p.Execute(ctx, plan.ID, nil, func(c events.Chunk) {
		fmt.Fprint(out, c.Delta)
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}
	logger.Debug("generation complete",
		zap.String("plan", plan.ID),
		zap.Int("input_tokens", res.InputTokens),
		zap.Int("output_tokens", res.OutputTokens))
	printSessionCost(out, p)
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	entities, err := parseEntities(batchEntities, batchLabelFormat)
	if err != nil {
		return err
	}

	var target interruptTarget
	ctx, cancel := commandContext(target.cancel)
	defer cancel()

	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	plan, err := p.CreatePlan(ctx, currentScope(), strings.Join(args, " "))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printPlan(out, p.Root(), plan)
	fmt.Fprintf(out, "Entities: %d\n", len(entities))
	if !confirm(cmd, assumeYes) {
		p.Cancel(plan.ID)
		fmt.Fprintln(out, "Cancelled.")
		return nil
	}
	target.set(p, plan.ID)

	received := 0
	report, err := p.RunBatch(ctx, pipeline.BatchRequest{
		PlanID:      plan.ID,
		Entities:    entities,
		Dir:         batchDir,
		ContentType: contentType,
	}, func(c events.Chunk) {
		received += len(c.Delta)
		if verbose {
			logger.Debug("chunk", zap.Int("seq", c.Seq), zap.Int("bytes", received))
		}
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Wrote %s entities\n", report.Summary())
	for _, path := range report.Paths {
		fmt.Fprintf(out, "  %s\n", relTo(p.Root(), path))
	}
	if len(report.Skipped) > 0 {
		fmt.Fprintf(out, "Missing from response: %s\n", joinInts(report.Skipped))
	}
	if len(report.Rejected) > 0 {
		fmt.Fprintf(out, "Refused empty overwrite: %s\n", joinInts(report.Rejected))
	}
	printSessionCost(out, p)
	return nil
}

func printPlan(w io.Writer, root string, plan *types.Plan) {
	fmt.Fprintf(w, "Plan %s (%s)\n", plan.ID, plan.Model)
	fmt.Fprintf(w, "Context (%d files):\n", len(plan.ContextFiles))
	for _, f := range plan.ContextFiles {
		marker := ""
		if f.Override == types.OverrideForce {
			marker = " [force]"
		}
		fmt.Fprintf(w, "  %6d  %s%s\n", f.TokensEstimate, relTo(root, f.Path), marker)
	}
	if len(plan.SkippedFiles) > 0 {
		fmt.Fprintf(w, "Skipped (%d files):\n", len(plan.SkippedFiles))
		for _, f := range plan.SkippedFiles {
			reason := "over budget"
			switch {
			case f.ReadError != "" && f.Override == types.OverrideForce:
				reason = "FORCED BUT UNREADABLE: " + f.ReadError
			case f.ReadError != "":
				reason = "unreadable: " + f.ReadError
			case f.Override == types.OverrideExclude:
				reason = "excluded"
			}
			fmt.Fprintf(w, "  %6d  %s (%s)\n", f.TokensEstimate, relTo(root, f.Path), reason)
		}
	}
	if dropped := plan.DroppedForced(); len(dropped) > 0 {
		fmt.Fprintf(w, "Warning: %d forced file(s) could not be read and are not in the context.\n", len(dropped))
	}
	fmt.Fprintf(w, "Estimated input: %d tokens, cost %s\n", plan.TotalTokensEstimate, plan.EstimatedCostDisplay)
}

func printSessionCost(w io.Writer, p *pipeline.Pipeline) {
	s := p.Accountant().SessionTotals()
	fmt.Fprintf(w, "Cost this session: $%.4f (%d in / %d out tokens)\n", s.Tokens.Cost, s.Tokens.Input, s.Tokens.Output)
}

// confirm asks on stdin unless yes is set. EOF counts as no.
func confirm(cmd *cobra.Command, yes bool) bool {
	if yes {
		return true
	}
	fmt.Fprint(cmd.OutOrStdout(), "Proceed? [y/N] ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// parseEntities expands "1-3,7" into numbered entities labelled with format.
func parseEntities(expr, format string) ([]types.Entity, error) {
	var out []types.Entity
	seen := make(map[int]bool)
	add := func(n int) {
		if seen[n] {
			return
		}
		seen[n] = true
		label := format
		if strings.Contains(format, "%") {
			label = fmt.Sprintf(format, n)
		}
		out = append(out, types.Entity{Number: n, Label: label})
	}
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || a < 1 {
			return nil, fmt.Errorf("invalid entity number %q", part)
		}
		if !isRange {
			add(a)
			continue
		}
		b, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil || b < a {
			return nil, fmt.Errorf("invalid entity range %q", part)
		}
		for n := a; n <= b; n++ {
			add(n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no entities in %q", expr)
	}
	return out, nil
}

func relTo(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return path
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
