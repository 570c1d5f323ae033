package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"storyforge/internal/config"
	"storyforge/internal/events"
	"storyforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTurn(s string) []types.Message {
	return []types.Message{{Role: types.RoleUser, Content: s}}
}

func TestFakeClient_StreamDeltasAssembleReply(t *testing.T) {
	f := &FakeClient{
		Reply:  func(Request) (string, error) { return "abcdefghij", nil },
		Chunks: 3,
	}
	var deltas []string
	resp, err := f.Stream(context.Background(), Request{Model: "m", Messages: userTurn("hi there")}, func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, deltas)
	assert.Equal(t, "abcdefghij", resp.Text)
	assert.Equal(t, "m", resp.Model)
	assert.Equal(t, 2, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)
	assert.Len(t, f.Calls(), 1)
}

func TestFakeClient_CancelDuringStream(t *testing.T) {
	f := &FakeClient{Chunks: 10, Delay: 20 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := f.Stream(ctx, Request{Messages: userTurn("a long request")}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultFakeReply_Batch(t *testing.T) {
	text, err := DefaultFakeReply(Request{
		System:   "Write each item:\n## CHAPTER 1: Dawn\n## CHAPTER 2: Dusk\n",
		Messages: userTurn("go"),
	})
	require.NoError(t, err)
	assert.Contains(t, text, "## CHAPTER 1: Dawn\n\nDraft text for CHAPTER 1: Dawn.")
	assert.Contains(t, text, "## CHAPTER 2: Dusk")
}

func TestStreamBackend_PublishesChunksThenOneTerminal(t *testing.T) {
	bus := events.NewBus()
	backend := NewStreamBackend(&FakeClient{Chunks: 4}, bus)

	var mu sync.Mutex
	var order []events.Kind
	record := func(k events.Kind) events.Handler {
		return func(any) {
			mu.Lock()
			order = append(order, k)
			mu.Unlock()
		}
	}
	defer bus.Subscribe(events.Topic(events.KindChunk, "p1"), record(events.KindChunk))()
	defer bus.Subscribe(events.Topic(events.KindDone, "p1"), record(events.KindDone))()
	defer bus.Subscribe(events.Topic(events.KindError, "p1"), record(events.KindError))()

	backend.Start(context.Background(), Request{PlanID: "p1", Messages: userTurn("write a scene")})
	backend.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, order)
	assert.Equal(t, events.KindDone, order[len(order)-1])
	for _, k := range order[:len(order)-1] {
		assert.Equal(t, events.KindChunk, k)
	}
}

func TestStreamBackend_ErrorEvent(t *testing.T) {
	bus := events.NewBus()
	boom := errors.New("overloaded")
	backend := NewStreamBackend(&FakeClient{Reply: func(Request) (string, error) { return "", boom }}, bus)

	var got events.Error
	defer bus.Subscribe(events.Topic(events.KindError, "p2"), func(p any) { got = p.(events.Error) })()

	backend.Start(context.Background(), Request{PlanID: "p2"})
	backend.Wait()

	assert.Equal(t, "p2", got.PlanID)
	assert.Equal(t, "overloaded", got.Reason)
	assert.ErrorIs(t, got.Err, boom)
}

func TestTracingClient_PassesThrough(t *testing.T) {
	inner := &FakeClient{Chunks: 2}
	c := NewTracingClient("fake", inner)

	var deltas int
	resp, err := c.Stream(context.Background(), Request{Messages: userTurn("x")}, func(string) { deltas++ })
	require.NoError(t, err)
	assert.Equal(t, 2, deltas)
	assert.NotEmpty(t, resp.Text)

	_, err = c.Complete(context.Background(), Request{Messages: userTurn("y")})
	require.NoError(t, err)
	assert.Len(t, inner.Calls(), 2)
}

func TestNewClientFromConfig(t *testing.T) {
	ctx := context.Background()

	c, err := NewClientFromConfig(ctx, config.LLMConfig{Provider: config.ProviderFake, Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &TracingClient{}, c)

	_, err = NewClientFromConfig(ctx, config.LLMConfig{Provider: config.ProviderAnthropic})
	assert.Error(t, err)

	_, err = NewClientFromConfig(ctx, config.LLMConfig{Provider: "carrier-pigeon", APIKey: "k"})
	assert.ErrorContains(t, err, "unknown provider")
}

const anthropicSSE = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"input_tokens":12,"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, anthropicSSE)
	}))
	defer srv.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "claude-sonnet-4-5"})

	var deltas []string
	resp, err := c.Stream(context.Background(), Request{
		System:   "You write fiction.",
		Messages: userTurn("Say hello"),
	}, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello", " world"}, deltas)
	assert.Equal(t, "Hello world", resp.Text)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)
}

func TestAnthropicClient_ServerErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL, Model: "claude-sonnet-4-5"})
	_, err := c.Complete(context.Background(), Request{Messages: userTurn("hi")})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
