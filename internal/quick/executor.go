// Package quick runs single-shot edits on a text selection: no plan, no
// confirmation, no persistence.
package quick

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storyforge/internal/inference"
	"storyforge/internal/logging"
	"storyforge/internal/types"
	"storyforge/internal/usage"

	"github.com/google/uuid"
)

// ErrUnknownAction is returned for an action id with no built-in definition.
var ErrUnknownAction = errors.New("unknown quick action")

// ErrMissingPrompt is returned when the custom action has no prompt message.
var ErrMissingPrompt = errors.New("custom quick action requires a prompt message")

const systemPrompt = "You are a fiction editor working on a single passage. Reply with the edited text only, no commentary."

// Recorder is the slice of the cost accountant quick actions need.
type Recorder interface {
	Record(ctx context.Context, executionID string, source usage.Source, model string, inputTokens, outputTokens int) (usage.CostEntry, bool)
}

// Request describes one quick action.
type Request struct {
	Scope         types.ContextScope
	SelectionText string
	ActionID      string
	PromptMessage string
}

// Result is what a quick action produced and what it cost.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
	Cost         usage.CostEntry
}

// Executor runs quick actions against an inference client.
type Executor struct {
	client    inference.Client
	recorder  Recorder
	model     string
	maxTokens int
	newID     func() string
}

// NewExecutor creates an executor using model for every action.
func NewExecutor(client inference.Client, recorder Recorder, model string, maxTokens int) *Executor {
	return &Executor{
		client:    client,
		recorder:  recorder,
		model:     model,
		maxTokens: maxTokens,
		newID:     uuid.NewString,
	}
}

// Run completes req. Errors from the inference client are returned as they
// came; cost is recorded exactly once on success.
func (e *Executor) Run(ctx context.Context, req Request) (Result, error) {
	action, ok := Lookup(req.ActionID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.ActionID)
	}
	if action.NeedsPrompt && strings.TrimSpace(req.PromptMessage) == "" {
		return Result{}, ErrMissingPrompt
	}

	start := time.Now()
	audit := logging.AuditForProject(req.Scope.ProjectRoot)
	resp, err := e.client.Complete(ctx, inference.Request{
		Model:     e.model,
		System:    systemPrompt,
		Messages:  []types.Message{{Role: types.RoleUser, Content: buildPrompt(action, req.SelectionText, req.PromptMessage)}},
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		logging.Get(logging.CategoryQuick).Warn("%s failed: %v", action.ID, err)
		audit.QuickComplete(action.ID, e.model, time.Since(start), err)
		return Result{}, err
	}

	model := resp.Model
	if model == "" {
		model = e.model
	}
	entry, _ := e.recorder.Record(ctx, e.newID(), usage.SourceQuick, model, resp.InputTokens, resp.OutputTokens)

	logging.Quick("%s on %s: in=%d out=%d cost=%s", action.ID, req.Scope.ID(), resp.InputTokens, resp.OutputTokens, entry.Display())
	audit.QuickComplete(action.ID, model, time.Since(start), nil)

	return Result{
		Text:         resp.Text,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Model:        model,
		Cost:         entry,
	}, nil
}
