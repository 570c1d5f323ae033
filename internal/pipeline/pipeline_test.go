package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"storyforge/internal/artifact"
	"storyforge/internal/config"
	"storyforge/internal/events"
	"storyforge/internal/inference"
	"storyforge/internal/planner"
	"storyforge/internal/quick"
	"storyforge/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain ensures no goroutines leak from streams or the store. genai pulls in
// opencensus, whose view worker starts at init.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fixture struct {
	root   string
	client *inference.FakeClient
	p      *Pipeline
}

func newFixture(t *testing.T, client *inference.FakeClient, opts ...Option) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "world.md"), []byte("The city of Vell floats on brine."), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "characters"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "characters", "mira.md"), []byte("Mira is a salt-smuggler."), 0644))

	cfg := config.DefaultConfig()
	cfg.LLM.Provider = config.ProviderFake
	if client == nil {
		client = &inference.FakeClient{Chunks: 3}
	}
	p, err := New(context.Background(), cfg, root, append([]Option{WithClient(client)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return &fixture{root: root, client: client, p: p}
}

func (f *fixture) plan(t *testing.T, message string) *types.Plan {
	t.Helper()
	plan, err := f.p.CreatePlan(context.Background(), types.ContextScope{}, message)
	require.NoError(t, err)
	return plan
}

func TestExecute_ResultAndCostOnce(t *testing.T) {
	f := newFixture(t, nil)
	plan := f.plan(t, "Write the opening scene.")
	assert.Len(t, plan.ContextFiles, 2)

	var streamed strings.Builder
	res, err := f.p.Execute(context.Background(), plan.ID,
		[]types.Message{{Role: types.RoleUser, Content: "hi"}, {Role: types.RoleAssistant, Content: "hello"}},
		func(c events.Chunk) { streamed.WriteString(c.Delta) })
	require.NoError(t, err)

	assert.Equal(t, "Draft in response to: Write the opening scene.", res.FullText)
	assert.Equal(t, res.FullText, streamed.String())
	assert.Equal(t, "claude-sonnet-4-5", res.Model)

	calls := f.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, plan.ID, calls[0].PlanID)
	require.Len(t, calls[0].Messages, 3)
	assert.Equal(t, "Write the opening scene.", calls[0].Messages[2].Content)
	assert.Contains(t, calls[0].System, `<document path="world.md">`)
	assert.Contains(t, calls[0].System, "Mira is a salt-smuggler.")

	session := f.p.Accountant().SessionTotals()
	assert.Equal(t, 1, session.Executions)
	assert.Equal(t, int64(res.InputTokens), session.Tokens.Input)

	project, err := f.p.Store().ProjectTotals(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, project.Executions)

	// Plans are single use.
	_, err = f.p.Execute(context.Background(), plan.ID, nil, nil)
	assert.ErrorIs(t, err, types.ErrPlanConsumed)
	assert.Equal(t, 1, f.p.Accountant().SessionTotals().Executions)
}

func TestExecute_UnknownPlan(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.p.Execute(context.Background(), "no-such-plan", nil, nil)
	assert.ErrorIs(t, err, types.ErrUnknownPlan)
}

func TestExecute_StreamErrorRecordsNothing(t *testing.T) {
	f := newFixture(t, &inference.FakeClient{Reply: func(inference.Request) (string, error) {
		return "", errors.New("overloaded")
	}})
	plan := f.plan(t, "go")

	_, err := f.p.Execute(context.Background(), plan.ID, nil, nil)
	var streamErr *types.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "overloaded", streamErr.Reason)
	assert.Equal(t, 0, f.p.Accountant().SessionTotals().Executions)
}

func TestCancel_BeforeExecute(t *testing.T) {
	f := newFixture(t, nil)
	plan := f.plan(t, "go")

	assert.True(t, f.p.Cancel(plan.ID))
	assert.False(t, f.p.Cancel(plan.ID), "second cancel is a no-op")
	assert.False(t, f.p.Cancel("unknown"))

	_, err := f.p.Execute(context.Background(), plan.ID, nil, nil)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Empty(t, f.client.Calls())
}

func TestCancel_DuringExecution(t *testing.T) {
	client := &inference.FakeClient{Chunks: 50, Delay: 20 * time.Millisecond}
	f := newFixture(t, client)
	plan := f.plan(t, strings.Repeat("long request ", 20))

	cancelled := false
	_, err := f.p.Execute(context.Background(), plan.ID, nil, func(events.Chunk) {
		if !cancelled {
			cancelled = f.p.Cancel(plan.ID)
			// Repeated cancels are harmless.
			f.p.Cancel(plan.ID)
		}
	})
	require.True(t, cancelled)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, 0, f.p.Accountant().SessionTotals().Executions)

	// After completion cancel is a no-op.
	assert.False(t, f.p.Cancel(plan.ID))
}

// gatedSource blocks every Read once armed until release is closed.
type gatedSource struct {
	planner.FSSource
	armed   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) Read(ctx context.Context, path string) ([]byte, error) {
	if g.armed.Load() {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.FSSource.Read(ctx, path)
}

func TestCancel_WhileReadingContext(t *testing.T) {
	src := &gatedSource{
		FSSource: planner.FSSource{Extensions: []string{".md"}, SkipDirs: []string{".storyforge"}},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	f := newFixture(t, nil, WithDocumentSource(src))
	plan := f.plan(t, "go")
	require.Len(t, plan.ContextFiles, 2)
	src.armed.Store(true)

	errc := make(chan error, 1)
	go func() {
		_, err := f.p.Execute(context.Background(), plan.ID, nil, nil)
		errc <- err
	}()

	<-src.entered
	assert.True(t, f.p.Cancel(plan.ID))
	assert.False(t, f.p.Cancel(plan.ID), "second cancel is a no-op")
	close(src.release)

	assert.ErrorIs(t, <-errc, types.ErrCancelled)
	assert.Empty(t, f.client.Calls(), "nothing is sent once cancelled")
	assert.Equal(t, 0, f.p.Accountant().SessionTotals().Executions)

	_, status, err := f.p.registry.Get(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, PlanCancelled, status)
}

func TestRunBatch_PartialExtraction(t *testing.T) {
	missing := map[int]bool{4: true, 9: true, 17: true}
	client := &inference.FakeClient{Reply: func(inference.Request) (string, error) {
		var sb strings.Builder
		for n := 21; n >= 1; n-- {
			if missing[n] {
				continue
			}
			fmt.Fprintf(&sb, "## ENTITY %d: Chapter %d\n\nChapter %d text.\n\n", n, n, n)
		}
		return sb.String(), nil
	}}
	f := newFixture(t, client)

	var entities []types.Entity
	for n := 1; n <= 21; n++ {
		entities = append(entities, types.Entity{Number: n, Label: fmt.Sprintf("Chapter %d", n)})
	}
	plan := f.plan(t, "Draft the book.")

	report, err := f.p.RunBatch(context.Background(), BatchRequest{
		PlanID: plan.ID, Entities: entities, Dir: "books/book-1/chapters", ContentType: "chapter",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 21, report.Requested)
	assert.Equal(t, 18, report.Extracted)
	assert.Equal(t, 18, report.Written)
	assert.Equal(t, "18/21", report.Summary())
	if diff := cmp.Diff([]int{4, 9, 17}, report.Skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, report.Paths, 18)

	raw, err := os.ReadFile(filepath.Join(f.root, "books", "book-1", "chapters", "entity-07.md"))
	require.NoError(t, err)
	meta, body, err := artifact.ParseFrontMatter(raw)
	require.NoError(t, err)
	assert.Equal(t, "Chapter 7 text.", strings.TrimSpace(string(body)))
	assert.Equal(t, "chapter", meta.ContentType)
	assert.Equal(t, plan.ID, meta.PlanID)
	assert.Equal(t, 7, meta.EntityNumber)
	assert.Equal(t, artifact.ProvenanceGenerated, meta.Provenance)

	_, err = os.Stat(filepath.Join(f.root, "books", "book-1", "chapters", "entity-04.md"))
	assert.True(t, os.IsNotExist(err))

	// Batch layout instructions ride along with the plan message.
	msg := inference.LastUserMessage(client.Calls()[0].Messages)
	assert.True(t, strings.HasPrefix(msg, "Draft the book."))
	assert.Contains(t, msg, "## ENTITY 21: Chapter 21")
}

func TestRunBatch_OccupiedSlotGetsVersion(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.root, "out")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entity-01.md"), []byte("Hello world"), 0644))

	plan := f.plan(t, "again")
	report, err := f.p.RunBatch(context.Background(), BatchRequest{
		PlanID: plan.ID, Entities: []types.Entity{{Number: 1, Label: "One"}}, Dir: dir, ContentType: "chapter",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "entity-01-v2.md")}, report.Paths)

	original, err := os.ReadFile(filepath.Join(dir, "entity-01.md"))
	require.NoError(t, err)
	assert.Equal(t, "Hello world", string(original))
}

// failingFS fails writes of one file name, after the other writes have landed.
type failingFS struct {
	artifact.OSFileSystem
	name   string
	others sync.WaitGroup
}

func (fs *failingFS) WriteFile(path string, data []byte) error {
	if filepath.Base(path) == fs.name {
		fs.others.Wait()
		return errors.New("disk full")
	}
	defer fs.others.Done()
	return fs.OSFileSystem.WriteFile(path, data)
}

func TestRunBatch_WriteFailureStillReportsWritten(t *testing.T) {
	fsys := &failingFS{name: "entity-03.md"}
	fsys.others.Add(2)
	f := newFixture(t, nil, WithWriter(artifact.NewWriter(artifact.WithFileSystem(fsys))))

	plan := f.plan(t, "three chapters")
	report, err := f.p.RunBatch(context.Background(), BatchRequest{
		PlanID:   plan.ID,
		Entities: []types.Entity{{Number: 1, Label: "One"}, {Number: 2, Label: "Two"}, {Number: 3, Label: "Three"}},
		Dir:      "out",
	}, nil)
	require.ErrorContains(t, err, "disk full")
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Written)
	assert.Equal(t, "2/3", report.Summary())
	assert.ElementsMatch(t, []string{
		filepath.Join(f.root, "out", "entity-01.md"),
		filepath.Join(f.root, "out", "entity-02.md"),
	}, report.Paths)
}

func TestRunBatch_NoEntities(t *testing.T) {
	f := newFixture(t, nil)
	plan := f.plan(t, "x")
	_, err := f.p.RunBatch(context.Background(), BatchRequest{PlanID: plan.ID}, nil)
	require.Error(t, err)
	assert.Empty(t, f.client.Calls())
}

func TestRegenerate_OverwritesAndGuards(t *testing.T) {
	reply := "A brand new scene."
	client := &inference.FakeClient{Reply: func(inference.Request) (string, error) { return reply, nil }}
	f := newFixture(t, client)

	slot := artifact.Slot{Dir: "scenes", CanonicalName: "scene-01.md"}
	plan := f.plan(t, "regenerate")
	wr, err := f.p.Regenerate(context.Background(), RegenerateRequest{PlanID: plan.ID, Slot: slot, ContentType: "scene"}, nil)
	require.NoError(t, err)
	require.True(t, wr.Written)
	assert.Equal(t, filepath.Join(f.root, "scenes", "scene-01.md"), wr.Path)

	first, err := os.ReadFile(wr.Path)
	require.NoError(t, err)
	firstMeta, _, err := artifact.ParseFrontMatter(first)
	require.NoError(t, err)

	reply = "   "
	plan = f.plan(t, "regenerate again")
	wr, err = f.p.Regenerate(context.Background(), RegenerateRequest{PlanID: plan.ID, Slot: slot, ContentType: "scene"}, nil)
	require.NoError(t, err)
	assert.True(t, wr.Rejected)
	assert.False(t, wr.Written)
	assert.ErrorIs(t, wr.Rejection, types.ErrPersistenceGuard)

	reply = "A third take."
	plan = f.plan(t, "once more")
	wr, err = f.p.Regenerate(context.Background(), RegenerateRequest{PlanID: plan.ID, Slot: slot, ContentType: "scene"}, nil)
	require.NoError(t, err)
	require.True(t, wr.Written)

	raw, err := os.ReadFile(wr.Path)
	require.NoError(t, err)
	meta, body, err := artifact.ParseFrontMatter(raw)
	require.NoError(t, err)
	assert.Equal(t, "A third take.", strings.TrimSpace(string(body)))
	assert.True(t, firstMeta.Created.Equal(meta.Created), "overwrite keeps the created date")
}

func TestRegenerate_EntityWithoutBodyKeepsExisting(t *testing.T) {
	reply := "## ENTITY 3: The Crossing\n\n"
	client := &inference.FakeClient{Reply: func(inference.Request) (string, error) { return reply, nil }}
	f := newFixture(t, client)

	dir := filepath.Join(f.root, "chapters")
	require.NoError(t, os.MkdirAll(dir, 0755))
	canonical := filepath.Join(dir, "entity-03.md")
	require.NoError(t, os.WriteFile(canonical, []byte("Hello world"), 0644))

	entity := &types.Entity{Number: 3, Label: "The Crossing"}
	for _, r := range []string{"## ENTITY 3: The Crossing\n\n", "No headers at all, just prose."} {
		reply = r
		plan := f.plan(t, "redo chapter three")
		wr, err := f.p.Regenerate(context.Background(), RegenerateRequest{PlanID: plan.ID, Slot: artifact.Slot{Dir: dir}, Entity: entity}, nil)
		require.NoError(t, err)
		assert.True(t, wr.Rejected, "reply %q", r)
		assert.False(t, wr.Written)

		raw, err := os.ReadFile(canonical)
		require.NoError(t, err)
		assert.Equal(t, "Hello world", string(raw))
	}
}

func TestQuick_RecordsCost(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.p.Quick(context.Background(), quick.Request{SelectionText: "It rained.", ActionID: quick.ActionRewrite})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Text)
	assert.Equal(t, "claude-haiku-4-5", res.Model)
	assert.Equal(t, 1, f.p.Accountant().SessionTotals().Executions)
}

func TestCreatePlan_Overrides(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.p.Store().SetOverride(ctx, f.root, "world.md", types.OverrideExclude))

	plan := f.plan(t, "x")
	assert.Equal(t, []string{filepath.Join(f.root, "characters", "mira.md")}, plan.ContextPaths())

	got, err := f.p.Plan(plan.ID)
	require.NoError(t, err)
	assert.Same(t, plan, got)
}
