// Package cli renders task events to a terminal for one-shot runs.
//
// A Printer is a notify.Conn: register it with the hub under the run's owner
// id and it prints every event for that owner until the task terminates.
//
//	printer := cli.NewPrinter(cli.WithShowPlanner(true))
//	client := hub.Register(ownerID, printer)
//	defer hub.Unregister(client)
//
//	id, err := svc.StartTask(ctx, ownerID, goal, startURL, budget)
//	...
//	<-printer.Done()
//	result, err := printer.Outcome()
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/entrhq/webpilot/pkg/types"
)

// Printer renders task events to a writer.
type Printer struct {
	writer      io.Writer
	showPlanner bool

	mu        sync.Mutex
	inText    bool
	result    *types.TaskResult
	taskErr   error
	done      chan struct{}
	closeOnce sync.Once
}

// PrinterOption configures a Printer.
type PrinterOption func(*Printer)

// WithWriter sets the output writer (default os.Stdout).
func WithWriter(w io.Writer) PrinterOption {
	return func(p *Printer) {
		p.writer = w
	}
}

// WithShowPlanner enables printing the planner's streamed reasoning.
func WithShowPlanner(show bool) PrinterOption {
	return func(p *Printer) {
		p.showPlanner = show
	}
}

// NewPrinter creates a Printer.
func NewPrinter(opts ...PrinterOption) *Printer {
	p := &Printer{
		writer: os.Stdout,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send renders one event.
func (p *Printer) Send(ctx context.Context, e *types.Event) error {
	if e == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.Type != types.EventTypePlannerText {
		p.endText()
	}

	switch e.Type {
	case types.EventTypeTaskStarted:
		fmt.Fprintln(p.writer, headerStyle.Render("▶ "+e.Content))
		if e.CurrentURL != "" {
			fmt.Fprintln(p.writer, mutedStyle.Render("  starting at "+e.CurrentURL))
		}
	case types.EventTypePlannerText:
		if p.showPlanner {
			fmt.Fprint(p.writer, plannerStyle.Render(e.Content))
			p.inText = true
		}
	case types.EventTypeDecision:
		fmt.Fprintln(p.writer, decisionStyle.Render("→ "+e.Content+" "+formatArgs(e.Metadata)))
	case types.EventTypeStepStarted:
		if e.Step != nil && e.Step.Origin != types.StepOriginPlanner {
			fmt.Fprintln(p.writer, mutedStyle.Render(fmt.Sprintf("  %s step: %s", e.Step.Origin, e.Step.Instruction)))
		}
	case types.EventTypeStepCompleted:
		fmt.Fprintln(p.writer, successStyle.Render("✓ "+stepLine(e)))
	case types.EventTypeStepFailed:
		fmt.Fprintln(p.writer, errorStyle.Render("✗ "+stepLine(e)))
	case types.EventTypeRecovery:
		fmt.Fprintln(p.writer, mutedStyle.Render(fmt.Sprintf("  %v failures in a row, asking for a new approach", e.Metadata["consecutive_failures"])))
	case types.EventTypeDiagnostic:
		fmt.Fprintln(p.writer, mutedStyle.Render("  no decision ("+e.Content+"), inspecting the page"))
	case types.EventTypeProgress:
		fmt.Fprintln(p.writer, mutedStyle.Render(fmt.Sprintf("  %3d%%  %s", e.Progress, e.CurrentURL)))
	case types.EventTypeTaskCompleted:
		p.result = e.Result
		fmt.Fprintln(p.writer, summaryBoxStyle.Render(completionText(e.Result)))
		p.finish()
	case types.EventTypeTaskError:
		p.taskErr = errors.New(e.Content)
		fmt.Fprintln(p.writer, errorStyle.Render("✗ Task failed: "+e.Content))
		p.finish()
	}
	return nil
}

// Close ends the printer without a terminal event.
func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endText()
	p.finish()
	return nil
}

// Done is closed once the task terminates or the printer is closed.
func (p *Printer) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the task result, or the task's error message as an error.
func (p *Printer) Outcome() (*types.TaskResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taskErr != nil {
		return nil, p.taskErr
	}
	if p.result == nil {
		return nil, errors.New("task did not finish")
	}
	return p.result, nil
}

func (p *Printer) endText() {
	if p.inText {
		fmt.Fprintln(p.writer)
		p.inText = false
	}
}

func (p *Printer) finish() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func stepLine(e *types.Event) string {
	if e.Step == nil {
		return e.Content
	}
	line := fmt.Sprintf("Step %d: %s", e.Step.Index+1, e.Step.Instruction)
	if e.Step.Error != "" {
		return line + " (" + e.Step.Error + ")"
	}
	if e.Step.Summary != "" {
		return line + " | " + e.Step.Summary
	}
	return line
}

func completionText(r *types.TaskResult) string {
	if r == nil {
		return textStyle.Render("Task completed")
	}
	var b strings.Builder
	title := "Task completed"
	if r.Forced {
		title = "Task stopped at step budget"
	}
	fmt.Fprintf(&b, "%s after %d step(s)\n", title, r.StepCount)
	b.WriteString(r.Summary)
	if r.ExtractedInfo != "" && !strings.Contains(r.Summary, r.ExtractedInfo) {
		fmt.Fprintf(&b, "\n\n%s", r.ExtractedInfo)
	}
	if r.FinalURL != "" {
		fmt.Fprintf(&b, "\n%s", r.FinalURL)
	}
	return textStyle.Render(b.String())
}

func formatArgs(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, fmt.Sprint(args[k])))
	}
	return strings.Join(parts, " ")
}
