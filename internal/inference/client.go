// Package inference adapts language model providers to the request/stream
// shape the generation pipeline drives. Providers are opaque collaborators:
// no retries or backoff happen here.
package inference

import (
	"context"

	"storyforge/internal/types"
)

// Request is one model call.
type Request struct {
	// PlanID namespaces stream events; empty for quick actions.
	PlanID    string
	Model     string
	System    string
	Messages  []types.Message
	MaxTokens int
}

// Response is the assembled result of one model call.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Client is implemented by every provider.
type Client interface {
	// Stream runs the request, calling onDelta for each text delta as it
	// arrives, and returns the fully assembled response.
	Stream(ctx context.Context, req Request, onDelta func(string)) (Response, error)
	// Complete runs the request without streaming.
	Complete(ctx context.Context, req Request) (Response, error)
}

// LastUserMessage returns the content of the final user turn, or "".
func LastUserMessage(msgs []types.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == types.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
