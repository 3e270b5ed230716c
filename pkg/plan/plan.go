// Package plan holds the execution state of one task: its ordered steps, the
// latest page snapshot, the consecutive-failure counter and the completion
// flag. The planning loop reads the next prompt from the plan instead of
// re-deriving state from its own history.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/webpilot/pkg/llm/tokenizer"
	"github.com/entrhq/webpilot/pkg/types"
)

var (
	// ErrCompleted is returned when a step is started on a completed plan.
	ErrCompleted = errors.New("plan is completed")

	// ErrStepRunning is returned when a step is started while another runs.
	ErrStepRunning = errors.New("a step is already running")

	// ErrNotRunning is returned when finishing a step that is not running.
	ErrNotRunning = errors.New("step is not running")
)

// Defaults for prompt rendering.
const (
	DefaultHistoryWindow = 3
	DefaultPromptBudget  = 2000
	maxPromptElements    = 40
	maxSummaryLength     = 200
)

// Snapshot is the page state observed after the latest successful step.
type Snapshot struct {
	URL               string                   `json:"url"`
	Assertion         string                   `json:"assertion,omitempty"`
	ExtractedInfo     string                   `json:"extracted_info,omitempty"`
	NavigableElements []types.NavigableElement `json:"navigable_elements,omitempty"`
}

// Plan is the state machine for one task. Steps move pending -> running ->
// completed|failed; the plan moves open -> completed exactly once.
type Plan struct {
	goal          string
	startURL      string
	budget        int
	historyWindow int
	promptBudget  int
	tokenizer     *tokenizer.Tokenizer
	now           func() time.Time

	mu         sync.RWMutex
	steps      []*types.Step
	snapshot   Snapshot
	currentURL string
	failures   int
	completed  bool
	forced     bool
	summary    string
	log        []string
}

// Option configures a Plan.
type Option func(*Plan)

// WithHistoryWindow sets how many recent steps the prompt shows (1 to 3).
func WithHistoryWindow(n int) Option {
	return func(p *Plan) {
		if n >= 1 && n <= DefaultHistoryWindow {
			p.historyWindow = n
		}
	}
}

// WithTokenizer sets the tokenizer used to truncate page content.
func WithTokenizer(t *tokenizer.Tokenizer) Option {
	return func(p *Plan) {
		if t != nil {
			p.tokenizer = t
		}
	}
}

// WithPromptBudget sets the token budget for page content in the prompt.
func WithPromptBudget(tokens int) Option {
	return func(p *Plan) {
		if tokens > 0 {
			p.promptBudget = tokens
		}
	}
}

// WithClock overrides the time source used for step timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Plan) {
		p.now = now
	}
}

// New creates an open plan for goal with the given step budget.
func New(goal, startURL string, budget int, opts ...Option) *Plan {
	p := &Plan{
		goal:          goal,
		startURL:      startURL,
		budget:        budget,
		historyWindow: DefaultHistoryWindow,
		promptBudget:  DefaultPromptBudget,
		tokenizer:     tokenizer.NewEstimator(),
		now:           time.Now,
		currentURL:    startURL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Begin appends a new step and marks it running.
func (p *Plan) Begin(kind types.StepKind, instruction string, args map[string]string, origin types.StepOrigin) (*types.Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed {
		return nil, ErrCompleted
	}
	if n := len(p.steps); n > 0 && p.steps[n-1].Status == types.StepStatusRunning {
		return nil, ErrStepRunning
	}

	s := &types.Step{
		Index:       len(p.steps),
		Kind:        kind,
		Instruction: instruction,
		Origin:      origin,
		Status:      types.StepStatusPending,
	}
	if len(args) > 0 {
		s.Args = make(map[string]string, len(args))
		for k, v := range args {
			s.Args[k] = v
		}
	}
	p.steps = append(p.steps, s)

	s.Status = types.StepStatusRunning
	s.StartedAt = p.now()
	p.logf("step %d started: %s %q", s.Index, kind, instruction)
	return s.Clone(), nil
}

// Finish records the result of the running step at index. Success updates
// the page snapshot and resets the failure counter; failure increments it.
func (p *Plan) Finish(index int, result types.StepResult) (*types.Step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.steps) {
		return nil, fmt.Errorf("step %d does not exist", index)
	}
	s := p.steps[index]
	if s.Status != types.StepStatusRunning {
		return nil, fmt.Errorf("%w: step %d is %s", ErrNotRunning, index, s.Status)
	}

	r := result
	r.NavigableElements = append([]types.NavigableElement(nil), result.NavigableElements...)
	s.Result = &r
	s.FinishedAt = p.now()
	if result.CurrentURL != "" {
		p.currentURL = result.CurrentURL
	}

	if result.Success {
		s.Status = types.StepStatusCompleted
		p.failures = 0
		p.snapshot = Snapshot{
			URL:               result.CurrentURL,
			Assertion:         result.Assertion,
			ExtractedInfo:     result.ExtractedInfo,
			NavigableElements: r.NavigableElements,
		}
	} else {
		s.Status = types.StepStatusFailed
		s.Error = result.Error
		if s.Error == "" {
			s.Error = "step failed"
		}
		p.failures++
	}
	s.Summary = summarize(s)
	p.logf("step %d %s: %s", s.Index, s.Status, s.Summary)
	return s.Clone(), nil
}

// ConsecutiveFailures returns the number of failed steps since the last success.
func (p *Plan) ConsecutiveFailures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures
}

// ResetFailures zeroes the consecutive-failure counter.
func (p *Plan) ResetFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
}

// MarkCompleted completes the plan with summary. Only the first call has an
// effect; it reports whether this call completed the plan.
func (p *Plan) MarkCompleted(summary string) bool {
	return p.complete(summary, false)
}

// ForceCompleted completes the plan because the budget ran out.
func (p *Plan) ForceCompleted(summary string) bool {
	return p.complete(summary, true)
}

func (p *Plan) complete(summary string, forced bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return false
	}
	p.completed = true
	p.forced = forced
	p.summary = summary
	p.logf("plan completed (forced=%t): %s", forced, summary)
	return true
}

// Completed reports whether the plan is completed.
func (p *Plan) Completed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completed
}

// Summary returns the final summary.
func (p *Plan) Summary() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.summary
}

// StepCount returns the number of steps begun so far.
func (p *Plan) StepCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.steps)
}

// CurrentURL returns the last URL any step reported, or the start URL.
func (p *Plan) CurrentURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentURL
}

// Snapshot returns the latest page snapshot.
func (p *Plan) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.snapshot
	s.NavigableElements = append([]types.NavigableElement(nil), p.snapshot.NavigableElements...)
	return s
}

// Steps returns copies of every step.
func (p *Plan) Steps() []*types.Step {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneSteps(p.steps)
}

// Recent returns copies of the last n steps, oldest first.
func (p *Plan) Recent(n int) []*types.Step {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneSteps(recent(p.steps, n))
}

// Result builds the task result from the plan's final state.
func (p *Plan) Result() *types.TaskResult {
	p.mu.RLock()
	defer p.mu.RUnlock()

	res := &types.TaskResult{
		Summary:   p.summary,
		FinalURL:  p.currentURL,
		Forced:    p.forced,
		StepCount: len(p.steps),
	}
	for i := len(p.steps) - 1; i >= 0; i-- {
		s := p.steps[i]
		if s.Status == types.StepStatusCompleted && s.Result != nil && s.Result.ExtractedInfo != "" {
			res.ExtractedInfo = s.Result.ExtractedInfo
			break
		}
	}
	return res
}

// Log returns the running log.
func (p *Plan) Log() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.log...)
}

// Logf appends a line to the running log.
func (p *Plan) Logf(format string, v ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logf(format, v...)
}

func (p *Plan) logf(format string, v ...interface{}) {
	p.log = append(p.log, p.now().UTC().Format(time.RFC3339)+" "+fmt.Sprintf(format, v...))
}

// GeneratePrompt renders the next planning request: the goal, the current
// page snapshot, the last few steps and any recent-failure context.
func (p *Plan) GeneratePrompt() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", p.goal)
	if p.startURL != "" {
		fmt.Fprintf(&b, "Start URL: %s\n", p.startURL)
	}
	fmt.Fprintf(&b, "Steps used: %d of %d\n", len(p.steps), p.budget)

	b.WriteString("\n## Current page\n")
	if p.currentURL != "" {
		fmt.Fprintf(&b, "URL: %s\n", p.currentURL)
	} else {
		b.WriteString("URL: none yet, navigate first\n")
	}
	if p.snapshot.Assertion != "" {
		fmt.Fprintf(&b, "State: %s\n", p.snapshot.Assertion)
	}
	if p.snapshot.ExtractedInfo != "" {
		content, cut := p.tokenizer.Truncate(p.snapshot.ExtractedInfo, p.promptBudget)
		b.WriteString("Content:\n")
		b.WriteString(content)
		if cut {
			b.WriteString("\n[content truncated]")
		}
		b.WriteString("\n")
	}
	if len(p.snapshot.NavigableElements) > 0 {
		b.WriteString("Navigable elements:\n")
		for i, el := range p.snapshot.NavigableElements {
			if i == maxPromptElements {
				fmt.Fprintf(&b, "... and %d more\n", len(p.snapshot.NavigableElements)-i)
				break
			}
			fmt.Fprintf(&b, "- [%s] %s", el.Kind, el.Text)
			if el.Href != "" {
				fmt.Fprintf(&b, " -> %s", el.Href)
			}
			b.WriteString("\n")
		}
	}

	if history := recent(p.steps, p.historyWindow); len(history) > 0 {
		b.WriteString("\n## Recent steps\n")
		for _, s := range history {
			fmt.Fprintf(&b, "%d. [%s] %s => %s", s.Index+1, s.Kind, s.Instruction, s.Status)
			if s.Summary != "" {
				fmt.Fprintf(&b, ": %s", s.Summary)
			}
			b.WriteString("\n")
		}
	}

	if p.failures > 0 {
		b.WriteString("\n## Recent failures\n")
		fmt.Fprintf(&b, "The last %d step(s) failed.", p.failures)
		if last := lastFailed(p.steps); last != nil {
			fmt.Fprintf(&b, " Most recent error: %s", last.Error)
		}
		b.WriteString("\nDo not repeat the same instruction; try a different element, page or approach.\n")
	}

	b.WriteString("\nChoose the next operation: action, query or complete.")
	return b.String()
}

func summarize(s *types.Step) string {
	if s.Status == types.StepStatusFailed {
		return "failed: " + truncate(s.Error, maxSummaryLength)
	}
	if s.Result == nil {
		return ""
	}
	if s.Kind == types.StepKindQuery && s.Result.ExtractedInfo != "" {
		return truncate(s.Result.ExtractedInfo, maxSummaryLength)
	}
	if s.Result.Assertion != "" {
		return truncate(s.Result.Assertion, maxSummaryLength)
	}
	return "now on " + s.Result.CurrentURL
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func recent(steps []*types.Step, n int) []*types.Step {
	if n <= 0 {
		return nil
	}
	if len(steps) > n {
		return steps[len(steps)-n:]
	}
	return steps
}

func lastFailed(steps []*types.Step) *types.Step {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Status == types.StepStatusFailed {
			return steps[i]
		}
	}
	return nil
}

func cloneSteps(steps []*types.Step) []*types.Step {
	out := make([]*types.Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}
