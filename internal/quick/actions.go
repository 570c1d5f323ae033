package quick

import (
	"fmt"
	"sort"
	"strings"
)

// Action is a canned single-shot edit applied to a selection.
type Action struct {
	ID          string
	Label       string
	Instruction string
	// NeedsPrompt marks actions whose instruction comes from the caller.
	NeedsPrompt bool
}

// Built-in action ids.
const (
	ActionExpand   = "expand"
	ActionRewrite  = "rewrite"
	ActionShorten  = "shorten"
	ActionContinue = "continue"
	ActionDescribe = "describe"
	ActionCustom   = "custom"
)

var builtinActions = map[string]Action{
	ActionExpand: {
		ID:          ActionExpand,
		Label:       "Expand",
		Instruction: "Expand the passage with more sensory detail and interiority. Keep the voice, tense and point of view.",
	},
	ActionRewrite: {
		ID:          ActionRewrite,
		Label:       "Rewrite",
		Instruction: "Rewrite the passage for clarity and rhythm without changing what happens.",
	},
	ActionShorten: {
		ID:          ActionShorten,
		Label:       "Shorten",
		Instruction: "Tighten the passage to roughly half its length, keeping every plot-relevant beat.",
	},
	ActionContinue: {
		ID:          ActionContinue,
		Label:       "Continue",
		Instruction: "Continue the passage from where it stops. Return only the new text.",
	},
	ActionDescribe: {
		ID:          ActionDescribe,
		Label:       "Describe",
		Instruction: "Write a vivid description of what the passage names, in the same style.",
	},
	ActionCustom: {
		ID:          ActionCustom,
		Label:       "Custom",
		NeedsPrompt: true,
	},
}

// Lookup returns the built-in action with id.
func Lookup(id string) (Action, bool) {
	a, ok := builtinActions[strings.ToLower(strings.TrimSpace(id))]
	return a, ok
}

// ActionIDs lists the built-in action ids in sorted order.
func ActionIDs() []string {
	ids := make([]string, 0, len(builtinActions))
	for id := range builtinActions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// buildPrompt renders the single user turn sent to the model.
func buildPrompt(a Action, selection, promptMessage string) string {
	var sb strings.Builder
	instruction := a.Instruction
	if a.NeedsPrompt {
		instruction = promptMessage
	} else if extra := strings.TrimSpace(promptMessage); extra != "" {
		instruction = fmt.Sprintf("%s\nAdditional direction: %s", instruction, extra)
	}
	sb.WriteString(instruction)
	sb.WriteString("\n\n<selection>\n")
	sb.WriteString(selection)
	sb.WriteString("\n</selection>")
	return sb.String()
}
