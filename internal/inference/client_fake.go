package inference

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	tokens "storyforge/internal/context"
)

// FakeClient is a deterministic offline provider. It backs the "fake"
// provider setting and the pipeline tests.
type FakeClient struct {
	// Reply produces the response text; nil uses DefaultFakeReply.
	Reply func(req Request) (string, error)
	// Chunks splits the reply into this many deltas (minimum 1).
	Chunks int
	// Delay is slept between deltas, honouring ctx.
	Delay time.Duration
	// Model is reported when the request names none.
	Model string

	mu      sync.Mutex
	calls   []Request
	counter *tokens.TokenCounter
}

// Calls returns a copy of the requests received so far.
func (f *FakeClient) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

func (f *FakeClient) respond(req Request) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if f.counter == nil {
		f.counter = tokens.NewTokenCounter()
	}
	counter := f.counter
	f.mu.Unlock()

	reply := f.Reply
	if reply == nil {
		reply = DefaultFakeReply
	}
	text, err := reply(req)
	if err != nil {
		return Response{}, err
	}

	in := counter.CountString(req.System)
	for _, m := range req.Messages {
		in += counter.CountString(m.Content)
	}
	model := req.Model
	if model == "" {
		model = f.Model
	}
	if model == "" {
		model = "fake"
	}
	return Response{Text: text, InputTokens: in, OutputTokens: counter.CountString(text), Model: model}, nil
}

// Stream implements Client.
func (f *FakeClient) Stream(ctx context.Context, req Request, onDelta func(string)) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	resp, err := f.respond(req)
	if err != nil {
		return Response{}, err
	}
	for _, delta := range split(resp.Text, f.Chunks) {
		if f.Delay > 0 {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(f.Delay):
			}
		}
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Complete implements Client.
func (f *FakeClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return f.respond(req)
}

func split(s string, n int) []string {
	if n <= 1 || len(s) == 0 {
		return []string{s}
	}
	runes := []rune(s)
	size := (len(runes) + n - 1) / n
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

var headerLine = regexp.MustCompile(`(?m)^##[ \t]+\S+[ \t]+\d+.*$`)

// DefaultFakeReply answers batch prompts with one short section per requested
// header and anything else with a single paragraph.
func DefaultFakeReply(req Request) (string, error) {
	msg := LastUserMessage(req.Messages)
	headers := headerLine.FindAllString(req.System+"\n"+msg, -1)
	if len(headers) > 0 {
		var sb strings.Builder
		seen := make(map[string]bool)
		for _, h := range headers {
			h = strings.TrimSpace(h)
			if seen[h] {
				continue
			}
			seen[h] = true
			fmt.Fprintf(&sb, "%s\n\nDraft text for %s.\n\n", h, strings.TrimPrefix(h, "## "))
		}
		return sb.String(), nil
	}
	return fmt.Sprintf("Draft in response to: %s", strings.TrimSpace(firstLine(msg))), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ Client = (*FakeClient)(nil)
var _ Client = (*AnthropicClient)(nil)
var _ Client = (*GeminiClient)(nil)

func newFakeClient(model string) *FakeClient {
	return &FakeClient{Model: model, Chunks: 4}
}
