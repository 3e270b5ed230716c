// Package step runs single planner decisions against an automation session.
//
// The Executor is stateless: a Step is plain data and every call returns a
// StepResult. Failures never escape as errors or panics; they come back as
// results with Success set to false so the planning loop can count them.
package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/entrhq/webpilot/pkg/automation"
	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/obstacle"
	"github.com/entrhq/webpilot/pkg/pool"
	"github.com/entrhq/webpilot/pkg/types"
)

// ErrNoSession is returned in a result when no session was supplied.
var ErrNoSession = errors.New("no automation session")

// SummaryQuery asks the page for its structured summary after every step.
const SummaryQuery = `Summarise the current page. Reply only with JSON of the form ` +
	`{"assertion": "one sentence describing what the page is showing", ` +
	`"extracted_info": "the main content relevant to a reader", ` +
	`"navigable_elements": [{"kind": "link|button|input", "text": "...", "href": "..."}]}.`

// Executor performs actions and queries on sessions.
type Executor struct {
	clearer   *obstacle.Clearer
	guard     *Guard
	artifacts *ArtifactWriter
	logger    *logging.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClearer sets the obstacle clearer run when a step opens a new page.
// A nil clearer disables obstacle handling.
func WithClearer(c *obstacle.Clearer) Option {
	return func(e *Executor) {
		e.clearer = c
	}
}

// WithGuard sets the navigation allow/deny guard.
func WithGuard(g *Guard) Option {
	return func(e *Executor) {
		e.guard = g
	}
}

// WithArtifacts sets where screenshots are stored.
func WithArtifacts(w *ArtifactWriter) Option {
	return func(e *Executor) {
		e.artifacts = w
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// New creates an Executor. Without options it clears obstacles with the
// default clearer, allows every URL and takes no screenshots.
func New(opts ...Option) *Executor {
	e := &Executor{clearer: obstacle.New()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOption adjusts a single RunAction or RunQuery call.
type RunOption func(*runConfig)

type runConfig struct {
	priorURL  string
	runDir    string
	stepIndex int
}

// FromURL sets the last URL the plan observed. A recreated page is sent back
// there before the instruction runs.
func FromURL(url string) RunOption {
	return func(c *runConfig) {
		c.priorURL = url
	}
}

// InRun stores the step screenshot as step-<index>.png under runDir.
func InRun(runDir string, index int) RunOption {
	return func(c *runConfig) {
		c.runDir = runDir
		c.stepIndex = index
	}
}

// RunAction performs a page-changing instruction, navigating to url first
// when it is set and differs from the current page.
func (e *Executor) RunAction(ctx context.Context, sess *pool.Session, instruction, url string, opts ...RunOption) types.StepResult {
	return e.run(ctx, types.StepKindAction, sess, instruction, url, opts)
}

// RunQuery answers a read-only question about the page, navigating to url
// first when it is set and differs from the current page.
func (e *Executor) RunQuery(ctx context.Context, sess *pool.Session, instruction, url string, opts ...RunOption) types.StepResult {
	return e.run(ctx, types.StepKindQuery, sess, instruction, url, opts)
}

// Execute dispatches a Step by kind.
func (e *Executor) Execute(ctx context.Context, sess *pool.Session, s *types.Step, priorURL, runDir string) types.StepResult {
	if s == nil {
		return types.FailedResult(priorURL, errors.New("nil step"))
	}
	opts := []RunOption{FromURL(priorURL), InRun(runDir, s.Index)}
	switch s.Kind {
	case types.StepKindAction:
		return e.RunAction(ctx, sess, s.Instruction, s.TargetURL(), opts...)
	case types.StepKindQuery:
		return e.RunQuery(ctx, sess, s.Instruction, s.TargetURL(), opts...)
	default:
		return types.FailedResult(priorURL, fmt.Errorf("unknown step kind %q", s.Kind))
	}
}

func (e *Executor) run(ctx context.Context, kind types.StepKind, sess *pool.Session, instruction, url string, opts []RunOption) (res types.StepResult) {
	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}

	currentURL := rc.priorURL
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("Step %d panicked: %v", rc.stepIndex, r)
			res = types.FailedResult(currentURL, fmt.Errorf("step panicked: %v", r))
		}
	}()

	if sess == nil {
		return types.FailedResult(currentURL, ErrNoSession)
	}
	if err := ctx.Err(); err != nil {
		return types.FailedResult(currentURL, err)
	}

	page, err := sess.EnsurePage(ctx)
	if err != nil {
		return types.FailedResult(currentURL, err)
	}
	if !isBlank(page.URL()) {
		currentURL = page.URL()
	}

	target := strings.TrimSpace(url)
	if target == "" && isBlank(page.URL()) && rc.priorURL != "" {
		target = rc.priorURL
	}
	if target != "" && !sameURL(target, page.URL()) {
		if err := e.guard.Check(target); err != nil {
			return types.FailedResult(currentURL, err)
		}
		e.logger.Debugf("Navigating to %s", target)
		if err := page.Navigate(ctx, target); err != nil {
			return types.FailedResult(currentURL, fmt.Errorf("failed to navigate to %s: %w", target, err))
		}
		currentURL = page.URL()
	}

	origin, before := currentURL, len(automation.OpenPages(sess.Handle()))
	opener := page

	var answer string
	switch kind {
	case types.StepKindAction:
		err = page.PerformAction(ctx, instruction)
	case types.StepKindQuery:
		answer, err = page.PerformQuery(ctx, instruction)
	}
	if !page.IsClosed() {
		currentURL = page.URL()
	}
	if err != nil {
		return types.FailedResult(currentURL, fmt.Errorf("%s failed: %w", kind, err))
	}

	opened := false
	if open := automation.OpenPages(sess.Handle()); len(open) > before {
		page = open[len(open)-1]
		sess.SetPage(page)
		currentURL = page.URL()
		opened = true
		e.logger.Infof("Step opened a new page %s", currentURL)
	}

	if err := e.guard.Check(currentURL); err != nil && !isBlank(currentURL) {
		e.logger.Warnf("Step %d reached a denied page: %v", rc.stepIndex, err)
		return types.FailedResult(e.retreat(ctx, sess, opener, page, origin), err)
	}
	if opened {
		e.clearObstacles(ctx, page)
	}

	res = types.StepResult{Success: true, CurrentURL: currentURL}

	if summary, err := e.summarize(ctx, page); err != nil {
		e.logger.Warnf("Page summary failed on %s: %v", currentURL, err)
	} else {
		res.Assertion = summary.Assertion
		res.ExtractedInfo = summary.ExtractedInfo
		res.NavigableElements = summary.NavigableElements
	}
	if kind == types.StepKindQuery {
		res.ExtractedInfo = answer
	}

	res.ScreenshotRef = e.screenshot(ctx, page, rc)
	return res
}

// retreat leaves a denied page. A page the step opened is closed and the
// opener becomes the working page again; otherwise the page is sent back to
// origin. It returns the URL the session ends up on.
func (e *Executor) retreat(ctx context.Context, sess *pool.Session, opener, page automation.Page, origin string) string {
	if page != opener {
		if err := page.Close(); err != nil {
			e.logger.Warnf("Failed to close denied page: %v", err)
		}
		if !opener.IsClosed() {
			sess.SetPage(opener)
			return opener.URL()
		}
		return origin
	}
	if isBlank(origin) || !e.guard.Allowed(origin) {
		return page.URL()
	}
	if err := page.Navigate(ctx, origin); err != nil {
		e.logger.Warnf("Failed to return to %s: %v", origin, err)
	}
	return page.URL()
}

func (e *Executor) clearObstacles(ctx context.Context, page automation.Page) {
	if e.clearer == nil {
		return
	}
	result := e.clearer.Clear(ctx, page)
	if !result.Cleared {
		e.logger.Warnf("Obstacles not cleared after %d attempt(s)", len(result.Attempts))
	}
}

func (e *Executor) screenshot(ctx context.Context, page automation.Page, rc runConfig) string {
	if !e.artifacts.ScreenshotsEnabled() || rc.runDir == "" {
		return ""
	}
	png, err := page.Screenshot(ctx)
	if err != nil {
		e.logger.Warnf("Screenshot failed for step %d: %v", rc.stepIndex, err)
		return ""
	}
	ref, err := e.artifacts.SaveScreenshot(rc.runDir, rc.stepIndex, png)
	if err != nil {
		e.logger.Warnf("Failed to store screenshot for step %d: %v", rc.stepIndex, err)
		return ""
	}
	return ref
}

// PageSummary is the structured view of a page returned by SummaryQuery.
type PageSummary struct {
	Assertion         string                   `json:"assertion"`
	ExtractedInfo     string                   `json:"extracted_info"`
	NavigableElements []types.NavigableElement `json:"navigable_elements"`
}

func (e *Executor) summarize(ctx context.Context, page automation.Page) (*PageSummary, error) {
	answer, err := page.PerformQuery(ctx, SummaryQuery)
	if err != nil {
		return nil, err
	}
	return ParseSummary(answer), nil
}

// ParseSummary reads a SummaryQuery answer. Anything that is not the expected
// JSON is kept verbatim as extracted info.
func ParseSummary(answer string) *PageSummary {
	answer = strings.TrimSpace(answer)
	if start, end := strings.Index(answer, "{"), strings.LastIndex(answer, "}"); start >= 0 && end > start {
		var s PageSummary
		if err := json.Unmarshal([]byte(answer[start:end+1]), &s); err == nil {
			return &s
		}
	}
	return &PageSummary{ExtractedInfo: answer}
}

func isBlank(url string) bool {
	return url == "" || url == "about:blank"
}

func sameURL(a, b string) bool {
	norm := func(u string) string {
		u = strings.TrimSpace(u)
		if i := strings.Index(u, "#"); i >= 0 {
			u = u[:i]
		}
		return strings.TrimSuffix(u, "/")
	}
	return norm(a) == norm(b)
}
