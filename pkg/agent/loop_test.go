package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/webpilot/internal/testing/automationtest"
	"github.com/entrhq/webpilot/internal/testing/llmtest"
	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/pool"
	"github.com/entrhq/webpilot/pkg/step"
	"github.com/entrhq/webpilot/pkg/store"
	"github.com/entrhq/webpilot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const examplePage = `{"assertion": "The Example Domain page is shown", "extracted_info": "",
 "navigable_elements": [{"kind": "link", "text": "More information...", "href": "https://www.iana.org/domains/example"}]}`

type recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

func (r *recorder) Publish(ownerID string, e *types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) ofType(t types.EventType) []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	provider *llmtest.Provider
	driver   *automationtest.Driver
	pool     *pool.Pool
	store    store.Store
	events   *recorder
	loop     *Loop
}

// pageQueries answers page summaries and delegates other queries to fn.
func pageQueries(fn func(instruction string) (string, error)) automationtest.QueryFunc {
	return func(p *automationtest.Page, instruction string) (string, error) {
		if instruction == step.SummaryQuery {
			return examplePage, nil
		}
		if fn != nil {
			return fn(instruction)
		}
		return "", nil
	}
}

func newHarness(t *testing.T, onAction automationtest.ActionFunc, onQuery automationtest.QueryFunc, poolOpts ...pool.Option) *harness {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		provider: llmtest.NewProvider(),
		driver:   automationtest.NewDriver(onAction, onQuery),
		store:    st,
		events:   &recorder{},
	}
	h.pool = pool.New(h.driver, poolOpts...)
	t.Cleanup(h.pool.Shutdown)
	h.loop = New(h.provider, h.pool, step.New(), h.store, h.events)
	return h
}

func (h *harness) task(t *testing.T, owner, goal, startURL string, budget int) *types.Task {
	t.Helper()
	task := &types.Task{
		ID:         owner + "-" + strings.ReplaceAll(strings.ToLower(goal), " ", "-"),
		OwnerID:    owner,
		Goal:       goal,
		StartURL:   startURL,
		StepBudget: budget,
		RunDir:     owner + "-run",
	}
	require.NoError(t, h.store.Create(t.Context(), task))
	return task
}

func (h *harness) queue(turns ...[]*llm.StreamChunk) {
	for _, turn := range turns {
		h.provider.QueueStream(turn...)
	}
}

func action(command, url string) []*llm.StreamChunk {
	args := map[string]string{"command": command}
	if url != "" {
		args["url"] = url
	}
	return llmtest.ToolCall(0, ToolAction, args, 7)
}

func query(q string) []*llm.StreamChunk {
	return llmtest.ToolCall(0, ToolQuery, map[string]string{"query": q}, 5)
}

func complete(summary string) []*llm.StreamChunk {
	return llmtest.ToolCall(0, ToolComplete, map[string]string{"summary": summary}, 0)
}

func TestRunCompletesDeclaredGoal(t *testing.T) {
	h := newHarness(t, nil, pageQueries(func(string) (string, error) {
		return "Example Domain", nil
	}))
	h.queue(
		llmtest.Turn([]*llm.StreamChunk{llmtest.Text("Opening the page first. ")}, action("Open the page", "https://example.com")),
		query("What is the main heading?"),
		complete("The main heading is Example Domain"),
	)
	task := h.task(t, "alice", "Find the heading", "https://example.com", 10)

	require.NoError(t, h.loop.Run(t.Context(), task))

	got, err := h.store.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.False(t, got.Result.Forced)
	assert.Equal(t, 2, got.Result.StepCount)
	assert.Equal(t, "Example Domain", got.Result.ExtractedInfo)
	assert.Contains(t, got.Result.Summary, "Example Domain")
	assert.Equal(t, "https://example.com", got.Result.FinalURL)

	steps, err := h.store.Steps(t.Context(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, types.StepKindAction, steps[0].Kind)
	assert.Equal(t, types.StepKindQuery, steps[1].Kind)
	for _, s := range steps {
		assert.Equal(t, types.StepStatusCompleted, s.Status)
	}

	evs := h.events.types()
	require.NotEmpty(t, evs)
	assert.Equal(t, types.EventTypeTaskStarted, evs[0])
	assert.Equal(t, types.EventTypeTaskCompleted, evs[len(evs)-1])
	assert.Len(t, h.events.ofType(types.EventTypeDecision), 3)
	assert.Len(t, h.events.ofType(types.EventTypeStepCompleted), 2)
	assert.Len(t, h.events.ofType(types.EventTypePlannerText), 1)
	assert.Empty(t, h.events.ofType(types.EventTypeTaskError))
	for _, e := range h.events.ofType(types.EventTypeProgress) {
		assert.Equal(t, "alice", e.OwnerID)
	}

	assert.Equal(t, 3, h.provider.StreamCalls())
	assert.Len(t, h.provider.Tools, 3)
	assert.Equal(t, 0, h.pool.Stats().InUse)
}

func TestRunReplaysRecentSteps(t *testing.T) {
	h := newHarness(t, nil, pageQueries(nil))
	h.queue(action("Open the page", "https://example.com"), complete("done"))
	task := h.task(t, "alice", "Open example", "", 5)

	require.NoError(t, h.loop.Run(t.Context(), task))

	require.Len(t, h.provider.StreamRequests, 2)
	second := h.provider.StreamRequests[1]
	require.Len(t, second, 4)
	assert.Equal(t, types.RoleSystem, second[0].Role)
	assert.Contains(t, second[1].Content, "Decision: action")
	assert.Contains(t, second[2].Content, "Result of step 1: completed")
	assert.Contains(t, second[3].Content, "Steps used: 1 of 5")
}

func TestRunInsertsRecoveryAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t,
		func(p *automationtest.Page, instruction string) error { return automationtest.ErrElementNotFound },
		pageQueries(func(string) (string, error) { return "Try the search box instead", nil }),
	)
	h.queue(
		action("Click the login button", "https://example.com"),
		action("Click the sign in link", ""),
		action("Click the account menu", ""),
		complete("Gave up on login"),
	)
	task := h.task(t, "bob", "Log in", "https://example.com", 10)

	require.NoError(t, h.loop.Run(t.Context(), task))

	steps, err := h.store.Steps(t.Context(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	for _, s := range steps[:3] {
		assert.Equal(t, types.StepStatusFailed, s.Status)
		assert.Contains(t, s.Error, "element not found")
	}
	recovery := steps[3]
	assert.Equal(t, 3, recovery.Index)
	assert.Equal(t, types.StepOriginRecovery, recovery.Origin)
	assert.Equal(t, types.StepKindQuery, recovery.Kind)
	assert.Equal(t, RecoveryInstruction, recovery.Instruction)

	rec := h.events.ofType(types.EventTypeRecovery)
	require.Len(t, rec, 1)
	assert.Equal(t, 4, h.provider.StreamCalls())
	assert.Len(t, h.events.ofType(types.EventTypeStepFailed), 3)

	got, err := h.store.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
}

func TestRunForcesCompletionAtBudget(t *testing.T) {
	h := newHarness(t, nil, pageQueries(nil))
	h.queue(
		action("Open the page", "https://example.com"),
		action("Scroll down", ""),
		action("Scroll down again", ""),
		complete("never reached"),
	)
	task := h.task(t, "carol", "Read everything", "https://example.com", 3)

	require.NoError(t, h.loop.Run(t.Context(), task))

	got, err := h.store.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Forced)
	assert.Equal(t, 3, got.Result.StepCount)
	assert.Contains(t, got.Result.Summary, "maximum steps")
	assert.Equal(t, 3, h.provider.StreamCalls())
}

func TestRunWaitsForPoolCapacity(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once

	h := newHarness(t,
		func(p *automationtest.Page, instruction string) error {
			once.Do(func() { close(started) })
			<-proceed
			return nil
		},
		pageQueries(nil),
		pool.WithCapacity(1),
		pool.WithAcquireTimeout(0),
	)
	h.queue(action("Open the page", "https://example.com"), complete("first done"), complete("second done"))

	first := h.task(t, "alice", "First", "https://example.com", 5)
	second := h.task(t, "bob", "Second", "https://example.com", 5)

	errs := make(chan error, 2)
	go func() { errs <- h.loop.Run(t.Context(), first) }()
	<-started
	go func() { errs <- h.loop.Run(t.Context(), second) }()

	assert.Never(t, func() bool { return h.driver.Launches() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, h.pool.Stats().InUse)

	got, err := h.store.Get(t.Context(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)

	close(proceed)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, 2, h.driver.Launches())
	for _, task := range []*types.Task{first, second} {
		got, err := h.store.Get(t.Context(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusCompleted, got.Status)
	}
}

func TestRunDiagnosesTurnWithoutDecision(t *testing.T) {
	h := newHarness(t, nil, pageQueries(func(string) (string, error) {
		return "A search form with one input", nil
	}))
	h.queue(
		[]*llm.StreamChunk{llmtest.Text("I am not sure what to do next.")},
		complete("Described the page"),
	)
	task := h.task(t, "dave", "Search", "https://example.com", 5)

	require.NoError(t, h.loop.Run(t.Context(), task))

	steps, err := h.store.Steps(t.Context(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, types.StepOriginDiagnostic, steps[0].Origin)
	assert.Equal(t, DiagnosticInstruction, steps[0].Instruction)
	assert.Len(t, h.events.ofType(types.EventTypeDiagnostic), 1)
	assert.Len(t, h.events.ofType(types.EventTypePlannerText), 1)
}

func TestRunDispatchesOneCallPerTurn(t *testing.T) {
	h := newHarness(t, nil, pageQueries(nil))
	h.queue(
		llmtest.Turn(
			action("Open the page", "https://example.com"),
			llmtest.ToolCall(1, ToolAction, map[string]string{"command": "Click More information"}, 0),
		),
		complete("done"),
	)
	task := h.task(t, "erin", "Browse", "", 5)

	require.NoError(t, h.loop.Run(t.Context(), task))

	steps, err := h.store.Steps(t.Context(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "Open the page", steps[0].Instruction)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	var h *harness
	var task *types.Task
	h = newHarness(t,
		func(p *automationtest.Page, instruction string) error {
			return h.store.Update(context.Background(), task.ID,
				store.Update{}.WithStatus(types.TaskStatusError).WithError("cancelled"))
		},
		pageQueries(nil),
	)
	h.queue(action("Open the page", "https://example.com"), complete("never reached"))
	task = h.task(t, "frank", "Cancel me", "", 5)

	err := h.loop.Run(t.Context(), task)
	require.ErrorIs(t, err, ErrCancelled)

	got, err := h.store.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusError, got.Status)
	assert.Equal(t, "cancelled", got.Error)
	assert.Equal(t, 1, h.provider.StreamCalls())
	assert.Len(t, h.events.ofType(types.EventTypeTaskError), 1)
	assert.Empty(t, h.events.ofType(types.EventTypeTaskCompleted))
	assert.Equal(t, 0, h.pool.Stats().InUse)
}

// failingSteps is a store whose step writes always fail.
type failingSteps struct {
	store.Store
}

func (failingSteps) AppendStep(ctx context.Context, taskID string, s *types.Step) error {
	return errors.New("disk full")
}

func TestRunContinuesPastStoreWriteFailures(t *testing.T) {
	h := newHarness(t, nil, pageQueries(nil))
	h.loop = New(h.provider, h.pool, step.New(), failingSteps{h.store}, h.events)
	h.queue(action("Open the page", "https://example.com"), complete("done"))
	task := h.task(t, "gina", "Open", "", 5)

	require.NoError(t, h.loop.Run(t.Context(), task))

	got, err := h.store.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	steps, err := h.store.Steps(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
	assert.Len(t, h.events.ofType(types.EventTypeStepCompleted), 1)
}

func TestRunFailsWhenSessionCannotLaunch(t *testing.T) {
	h := newHarness(t, nil, pageQueries(nil))
	h.driver.FailLaunch(errors.New("browser binary missing"))
	task := h.task(t, "hank", "Anything", "https://example.com", 5)

	err := h.loop.Run(t.Context(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser binary missing")

	got, err := h.store.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusError, got.Status)
	assert.Contains(t, got.Error, "browser binary missing")

	assert.Equal(t, []types.EventType{types.EventTypeTaskError}, h.events.types())
	assert.Equal(t, 0, h.provider.StreamCalls())
}

func TestRunFailsWhenPlannerUnavailable(t *testing.T) {
	h := newHarness(t, nil, pageQueries(nil))
	h.provider.FailStreams(errors.New("401 unauthorized"))
	task := h.task(t, "ivy", "Anything", "https://example.com", 5)

	err := h.loop.Run(t.Context(), task)
	require.Error(t, err)

	got, err := h.store.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusError, got.Status)
	assert.Contains(t, got.Error, "401 unauthorized")
	assert.Len(t, h.events.ofType(types.EventTypeTaskError), 1)
	assert.Equal(t, 0, h.pool.Stats().InUse)
}

func TestRunWritesRunSummary(t *testing.T) {
	dir := t.TempDir()
	artifacts := step.NewArtifactWriter(dir, step.WithScreenshots(false))

	h := newHarness(t, nil, pageQueries(nil))
	h.loop = New(h.provider, h.pool, step.New(step.WithArtifacts(artifacts)), h.store, h.events, WithArtifacts(artifacts))
	h.queue(action("Open the page", "https://example.com"), complete("done"))
	task := h.task(t, "jane", "Open", "", 5)

	require.NoError(t, h.loop.Run(t.Context(), task))

	data, err := os.ReadFile(filepath.Join(dir, task.RunDir, "summary.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status": "completed"`)
	assert.Contains(t, string(data), "Open the page")

	var summary step.RunSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	require.NotEmpty(t, summary.Log)
	assert.Contains(t, summary.Log[0], "step 0 started")
	assert.Contains(t, summary.Log[len(summary.Log)-1], "plan completed")
}

func TestRunForcesCompletionAfterRecoveryOnLastStep(t *testing.T) {
	h := newHarness(t,
		func(p *automationtest.Page, instruction string) error { return automationtest.ErrElementNotFound },
		pageQueries(func(string) (string, error) { return "Try the search box instead", nil }),
	)
	h.queue(
		action("Click the login button", "https://example.com"),
		action("Click the sign in link", ""),
		action("Click the account menu", ""),
		complete("never reached"),
	)
	task := h.task(t, "kate", "Log in", "https://example.com", 4)

	require.NoError(t, h.loop.Run(t.Context(), task))

	steps, err := h.store.Steps(t.Context(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, types.StepOriginRecovery, steps[3].Origin)

	got, err := h.store.Get(t.Context(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Forced)
	assert.Equal(t, 4, got.Result.StepCount)
	assert.Contains(t, got.Result.Summary, "maximum steps")
	assert.Equal(t, 3, h.provider.StreamCalls())
}

func TestRunForcesCompletionAfterDiagnosticOnLastStep(t *testing.T) {
	h := newHarness(t, nil, pageQueries(func(string) (string, error) {
		return "A search form with one input", nil
	}))
	h.queue(
		action("Open the page", "https://example.com"),
		[]*llm.StreamChunk{llmtest.Text("Not sure what comes next.")},
		complete("never reached"),
	)
	task := h.task(t, "liam", "Search", "", 2)

	require.NoError(t, h.loop.Run(t.Context(), task))

	steps, err := h.store.Steps(t.Context(), task.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, types.StepOriginDiagnostic, steps[1].Origin)

	got, err := h.store.Get(t.Context(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Forced)
	assert.Equal(t, 2, got.Result.StepCount)
	assert.Contains(t, got.Result.Summary, "maximum steps")
	assert.Equal(t, 2, h.provider.StreamCalls())
}

func TestRunClosesSessionWhenDone(t *testing.T) {
	h := newHarness(t, nil, pageQueries(nil))
	h.queue(action("Open the page", "https://example.com"), complete("done"))
	task := h.task(t, "mona", "Open", "", 5)

	require.NoError(t, h.loop.Run(t.Context(), task))

	assert.Equal(t, pool.Stats{Capacity: pool.DefaultCapacity}, h.pool.Stats())
	require.Len(t, h.driver.Handles(), 1)
	assert.True(t, h.driver.Handles()[0].Closed())
}
