package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/entrhq/webpilot/pkg/llm/toolcall"
	"github.com/entrhq/webpilot/pkg/plan"
)

// ErrNoDecision is returned when a planner turn ends without a usable tool
// call. The loop answers it with a diagnostic step rather than failing.
var ErrNoDecision = errors.New("planner produced no decision")

// Decision is one parsed planner choice.
type Decision struct {
	Tool        string
	Instruction string
	URL         string
	Summary     string
	CallID      string
}

// Args returns the decision arguments as published in decision events.
func (d *Decision) Args() map[string]string {
	args := make(map[string]string, 2)
	switch d.Tool {
	case ToolAction:
		args["command"] = d.Instruction
	case ToolQuery:
		args["query"] = d.Instruction
	case ToolComplete:
		args["summary"] = d.Summary
	}
	if d.URL != "" {
		args["url"] = d.URL
	}
	return args
}

func decisionFromCall(call *toolcall.Call) (*Decision, error) {
	d := &Decision{
		Tool:   call.Name,
		URL:    strings.TrimSpace(call.String("url")),
		CallID: call.ID,
	}

	switch call.Name {
	case ToolAction:
		d.Instruction = strings.TrimSpace(call.String("command"))
	case ToolQuery:
		d.Instruction = strings.TrimSpace(call.String("query"))
	case ToolComplete:
		d.Summary = strings.TrimSpace(call.String("summary"))
		return d, nil
	default:
		return nil, fmt.Errorf("%w: unknown tool %q", ErrNoDecision, call.Name)
	}

	if d.Instruction == "" {
		if d.URL == "" {
			return nil, fmt.Errorf("%w: %s call without instruction", ErrNoDecision, call.Name)
		}
		// A bare URL is a navigation request.
		d.Instruction = "Open " + d.URL
	}
	return d, nil
}

// Verdict is the outcome of decide for one planner turn.
type Verdict struct {
	// Proceed is true when the decision should run as a step.
	Proceed bool
	// ForceCompleteAfter is true when that step uses the last of the budget.
	ForceCompleteAfter bool
}

// decide is evaluated once per turn, before dispatch. A complete decision
// never proceeds; any other decision proceeds, and forces completion after
// its step when that step is the last the budget allows.
func decide(stepCount, budget int, d *Decision) Verdict {
	if d == nil || d.Tool == ToolComplete || stepCount >= budget {
		return Verdict{}
	}
	return Verdict{Proceed: true, ForceCompleteAfter: stepCount+1 >= budget}
}

// budgetSummary is the synthetic summary of a forced completion.
func budgetSummary(budget int, snap plan.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stopped after reaching the maximum steps (%d) before the goal was declared complete.", budget)
	if snap.URL != "" {
		fmt.Fprintf(&b, " Last page: %s.", snap.URL)
	}
	if snap.Assertion != "" {
		fmt.Fprintf(&b, " %s", snap.Assertion)
	}
	return b.String()
}
