// Package agent runs the planning loop that drives one task end to end.
//
// Each iteration asks the planner for one decision, runs it as a step on the
// task's session and records the outcome in the task's plan. The loop is
// bounded by the step budget: a task ends when the planner declares it
// complete or when the budget forces completion.
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/entrhq/webpilot/pkg/llm"
	"github.com/entrhq/webpilot/pkg/llm/tokenizer"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/plan"
	"github.com/entrhq/webpilot/pkg/pool"
	"github.com/entrhq/webpilot/pkg/step"
	"github.com/entrhq/webpilot/pkg/store"
	"github.com/entrhq/webpilot/pkg/types"
)

// ErrCancelled is returned when the task was marked error while running.
var ErrCancelled = errors.New("task cancelled")

// DefaultFailureThreshold is the consecutive-failure count that inserts a
// recovery step.
const DefaultFailureThreshold = 3

// finalWriteTimeout bounds the store writes made after the loop context ended.
const finalWriteTimeout = 10 * time.Second

// Publisher delivers task events to their owner.
type Publisher interface {
	Publish(ownerID string, e *types.Event)
}

// Loop drives tasks. One Loop serves many tasks; Run is called once per task.
type Loop struct {
	provider  llm.Provider
	pool      *pool.Pool
	executor  *step.Executor
	store     store.Store
	publisher Publisher

	artifacts        *step.ArtifactWriter
	tokenizer        *tokenizer.Tokenizer
	systemPrompt     string
	failureThreshold int
	historyWindow    int
	promptBudget     int
	now              func() time.Time
	logger           *logging.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithArtifacts writes summary.json for every task through w.
func WithArtifacts(w *step.ArtifactWriter) Option {
	return func(l *Loop) {
		l.artifacts = w
	}
}

// WithTokenizer sets the tokenizer used for prompt budgeting.
func WithTokenizer(t *tokenizer.Tokenizer) Option {
	return func(l *Loop) {
		if t != nil {
			l.tokenizer = t
		}
	}
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(l *Loop) {
		if prompt != "" {
			l.systemPrompt = prompt
		}
	}
}

// WithFailureThreshold sets how many consecutive failures insert a recovery step.
func WithFailureThreshold(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.failureThreshold = n
		}
	}
}

// WithHistoryWindow sets how many recent steps are replayed to the planner.
func WithHistoryWindow(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.historyWindow = n
		}
	}
}

// WithPromptBudget sets the token budget for page content in each prompt.
func WithPromptBudget(tokens int) Option {
	return func(l *Loop) {
		if tokens > 0 {
			l.promptBudget = tokens
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

// WithLogger sets the loop logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New creates a Loop.
func New(provider llm.Provider, p *pool.Pool, executor *step.Executor, st store.Store, publisher Publisher, opts ...Option) *Loop {
	l := &Loop{
		provider:         provider,
		pool:             p,
		executor:         executor,
		store:            st,
		publisher:        publisher,
		tokenizer:        tokenizer.NewEstimator(),
		systemPrompt:     DefaultSystemPrompt,
		failureThreshold: DefaultFailureThreshold,
		historyWindow:    plan.DefaultHistoryWindow,
		promptBudget:     plan.DefaultPromptBudget,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// run is the per-task state shared by the loop helpers.
type run struct {
	task   *types.Task
	plan   *plan.Plan
	sess   *pool.Session
	logger *logging.Logger
}

// Run drives task until it completes, is cancelled or fails. Any error or
// panic sets the task to error and publishes exactly one task_error event;
// the session is closed on every path.
func (l *Loop) Run(ctx context.Context, task *types.Task) (err error) {
	started := l.now()
	r := &run{
		task: task,
		plan: plan.New(task.Goal, task.StartURL, task.StepBudget,
			plan.WithHistoryWindow(l.historyWindow),
			plan.WithTokenizer(l.tokenizer),
			plan.WithPromptBudget(l.promptBudget),
			plan.WithClock(l.now),
		),
		logger: l.logger.With(task.ID),
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("planning loop panicked: %v", rec)
			r.logger.Errorf("%v\n%s", err, debug.Stack())
		}
		if err != nil {
			l.fail(r, err)
		}
		l.writeSummary(r, started, err)
	}()

	if task.StepBudget <= 0 {
		return fmt.Errorf("invalid step budget %d", task.StepBudget)
	}

	sess, err := l.pool.Acquire(ctx, task.OwnerID, task.ID)
	if err != nil {
		return fmt.Errorf("failed to acquire session: %w", err)
	}
	defer l.closeSession(r)
	r.sess = sess

	if err := l.start(ctx, r); err != nil {
		return err
	}

	for !r.plan.Completed() && r.plan.StepCount() < task.StepBudget {
		if err := l.checkCancelled(ctx, r); err != nil {
			return err
		}
		if err := l.iterate(ctx, r); err != nil {
			return err
		}
	}

	if r.plan.ForceCompleted(budgetSummary(task.StepBudget, r.plan.Snapshot())) {
		r.logger.Infof("Step budget of %d exhausted, forcing completion", task.StepBudget)
	}
	return l.finish(ctx, r)
}

func (l *Loop) start(ctx context.Context, r *run) error {
	err := l.store.Update(ctx, r.task.ID, store.Update{}.WithStatus(types.TaskStatusProcessing))
	if errors.Is(err, store.ErrInvalidTransition) {
		return ErrCancelled
	}
	if err != nil {
		r.logger.Warnf("Failed to persist processing status: %v", err)
	}
	r.task.Status = types.TaskStatusProcessing
	r.logger.Infof("Started task %q with budget %d", r.task.Goal, r.task.StepBudget)
	l.publish(r, types.NewTaskStartedEvent(r.task))
	return nil
}

// iterate runs one turn: a recovery step, a diagnostic step or the
// planner's decision.
func (l *Loop) iterate(ctx context.Context, r *run) error {
	if failures := r.plan.ConsecutiveFailures(); failures >= l.failureThreshold {
		r.logger.Warnf("%d consecutive failures, inserting recovery step", failures)
		r.plan.Logf("recovery after %d consecutive failures", failures)
		l.publish(r, types.NewRecoveryEvent(r.task.ID, failures))
		err := l.execute(ctx, r, types.StepKindQuery, RecoveryInstruction, nil, types.StepOriginRecovery)
		r.plan.ResetFailures()
		return err
	}

	d, err := l.nextDecision(ctx, r)
	if errors.Is(err, ErrNoDecision) {
		r.logger.Warnf("Planner turn without decision: %v", err)
		r.plan.Logf("diagnostic after planner turn without decision")
		l.publish(r, types.NewDiagnosticEvent(r.task.ID, err.Error()))
		return l.execute(ctx, r, types.StepKindQuery, DiagnosticInstruction, nil, types.StepOriginDiagnostic)
	}
	if err != nil {
		return err
	}

	l.publish(r, types.NewDecisionEvent(r.task.ID, d.Tool, d.Args()))

	verdict := decide(r.plan.StepCount(), r.task.StepBudget, d)
	if !verdict.Proceed {
		if d.Tool == ToolComplete {
			r.plan.MarkCompleted(completionSummary(d, r.plan))
		}
		return nil
	}

	kind := types.StepKindAction
	if d.Tool == ToolQuery {
		kind = types.StepKindQuery
	}
	var args map[string]string
	if d.URL != "" {
		args = map[string]string{"url": d.URL}
	}
	if err := l.execute(ctx, r, kind, d.Instruction, args, types.StepOriginPlanner); err != nil {
		return err
	}

	if verdict.ForceCompleteAfter {
		r.plan.ForceCompleted(budgetSummary(r.task.StepBudget, r.plan.Snapshot()))
	}
	return nil
}

// execute runs one step. Step failures are recorded on the plan; only plan
// bookkeeping errors are returned.
func (l *Loop) execute(ctx context.Context, r *run, kind types.StepKind, instruction string, args map[string]string, origin types.StepOrigin) error {
	priorURL := r.plan.CurrentURL()

	s, err := r.plan.Begin(kind, instruction, args, origin)
	if err != nil {
		return fmt.Errorf("failed to begin step: %w", err)
	}
	l.persistStep(ctx, r, s)
	l.publish(r, types.NewStepStartedEvent(r.task.ID, s))

	res := l.executor.Execute(ctx, r.sess, s, priorURL, r.task.RunDir)
	l.pool.Touch(r.sess)

	done, err := r.plan.Finish(s.Index, res)
	if err != nil {
		return fmt.Errorf("failed to finish step: %w", err)
	}
	if done.Status == types.StepStatusFailed {
		r.logger.Warnf("Step %d failed: %s", done.Index, done.Error)
	} else {
		r.logger.Infof("Step %d completed: %s", done.Index, done.Summary)
	}

	progress := types.ProgressPercent(done.Index+1, r.task.StepBudget)
	currentURL := r.plan.CurrentURL()
	r.task.CurrentStep = done.Index
	r.task.CurrentURL = currentURL
	r.task.Progress = progress

	l.persistStep(ctx, r, done)
	l.persist(ctx, r, store.Update{}.WithStep(done.Index).WithURL(currentURL).WithProgress(progress))

	l.publish(r, types.NewStepFinishedEvent(r.task.ID, done))
	l.publish(r, types.NewProgressEvent(r.task.ID, done.Index, progress, currentURL))
	return nil
}

func (l *Loop) checkCancelled(ctx context.Context, r *run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := l.store.Get(ctx, r.task.ID)
	if err != nil {
		r.logger.Warnf("Failed to read task status: %v", err)
		return nil
	}
	if current.Status == types.TaskStatusError {
		return ErrCancelled
	}
	return nil
}

func (l *Loop) finish(ctx context.Context, r *run) error {
	result := r.plan.Result()
	u := store.Update{}.
		WithStatus(types.TaskStatusCompleted).
		WithResult(result).
		WithProgress(100).
		WithURL(result.FinalURL)

	if err := l.store.Update(ctx, r.task.ID, u); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return ErrCancelled
		}
		r.logger.Warnf("Failed to persist completion: %v", err)
	}

	r.task.Status = types.TaskStatusCompleted
	r.task.Result = result
	r.task.Progress = 100
	r.logger.Infof("Task completed after %d step(s) (forced=%t)", result.StepCount, result.Forced)
	l.publish(r, types.NewTaskCompletedEvent(r.task.ID, result))
	return nil
}

// fail marks the task as error and publishes the single error event.
func (l *Loop) fail(r *run, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	msg := cause.Error()
	u := store.Update{}.WithStatus(types.TaskStatusError).WithError(msg)
	if r.plan.StepCount() > 0 {
		u = u.WithResult(r.plan.Result())
	}
	if err := l.store.Update(ctx, r.task.ID, u); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		r.logger.Warnf("Failed to persist error status: %v", err)
	}

	r.task.Status = types.TaskStatusError
	r.task.Error = msg
	r.logger.Errorf("Task failed: %v", cause)
	l.publish(r, types.NewTaskErrorEvent(r.task.ID, cause))
}

func (l *Loop) persist(ctx context.Context, r *run, u store.Update) {
	if err := l.store.Update(ctx, r.task.ID, u); err != nil {
		r.logger.Warnf("Failed to persist progress: %v", err)
	}
}

// closeSession shuts the task's session down. Sessions are keyed per task,
// so a finished task's browser is never reused.
func (l *Loop) closeSession(r *run) {
	if err := l.pool.Close(r.sess); err != nil {
		r.logger.Warnf("Failed to close session: %v", err)
	}
}

func (l *Loop) persistStep(ctx context.Context, r *run, s *types.Step) {
	if err := l.store.AppendStep(ctx, r.task.ID, s); err != nil {
		r.logger.Warnf("Failed to persist step %d: %v", s.Index, err)
	}
}

func (l *Loop) publish(r *run, e *types.Event) {
	if l.publisher == nil {
		return
	}
	e.OwnerID = r.task.OwnerID
	l.publisher.Publish(r.task.OwnerID, e)
}

func (l *Loop) writeSummary(r *run, started time.Time, cause error) {
	if l.artifacts == nil {
		return
	}
	ended := l.now()
	summary := &step.RunSummary{
		TaskID:    r.task.ID,
		OwnerID:   r.task.OwnerID,
		Goal:      r.task.Goal,
		Status:    r.task.Status,
		StartTime: started,
		EndTime:   ended,
		Duration:  ended.Sub(started).Round(time.Millisecond).String(),
		Steps:     r.plan.Steps(),
		Log:       r.plan.Log(),
	}
	if r.plan.Completed() {
		summary.Result = r.plan.Result()
	}
	if cause != nil {
		summary.Error = cause.Error()
	}
	if err := l.artifacts.WriteSummary(r.task.RunDir, summary); err != nil {
		r.logger.Warnf("Failed to write run summary: %v", err)
	}
}

func completionSummary(d *Decision, p *plan.Plan) string {
	if d.Summary != "" {
		return d.Summary
	}
	if info := p.Result().ExtractedInfo; info != "" {
		return info
	}
	return "Task completed."
}
