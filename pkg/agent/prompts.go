package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/entrhq/webpilot/pkg/types"
)

// Instructions for steps the loop inserts on its own.
const (
	RecoveryInstruction   = "The last attempts failed. Look at the page and suggest a new approach to reach the goal."
	DiagnosticInstruction = "Describe the current page state: what is shown, which elements can be used and whether anything blocks progress."
)

// DefaultSystemPrompt frames every planning request.
const DefaultSystemPrompt = `You are a web automation planner. You reach the user's goal by choosing one operation at a time.

Call exactly one tool per turn:
- action: perform one interaction on the page (click, type, scroll, open a URL). Keep each command small and specific.
- query: read information from the page without changing it.
- complete: finish the task once the goal is reached, with a summary that includes any information the user asked for.

Rules:
- Base every choice on the current page state you are given; never invent elements.
- If a step failed, do not repeat it unchanged. Try another element, another page or another approach.
- Prefer a query over an action when you only need to read something.
- When the goal is reached, call complete immediately.`

// historyMessages condenses recent steps into decision/result message pairs.
func historyMessages(steps []*types.Step) []*types.Message {
	msgs := make([]*types.Message, 0, 2*len(steps))
	for _, s := range steps {
		msgs = append(msgs,
			types.NewAssistantMessage(describeDecision(s)),
			types.NewUserMessage(describeOutcome(s)),
		)
	}
	return msgs
}

func describeDecision(s *types.Step) string {
	tool := string(s.Kind)
	args := map[string]string{}
	switch s.Kind {
	case types.StepKindAction:
		args["command"] = s.Instruction
	case types.StepKindQuery:
		args["query"] = s.Instruction
	}
	if u := s.TargetURL(); u != "" {
		args["url"] = u
	}
	raw, _ := json.Marshal(args)

	label := "Decision"
	if s.Origin != types.StepOriginPlanner {
		label = fmt.Sprintf("Decision (%s)", s.Origin)
	}
	return fmt.Sprintf("%s: %s %s", label, tool, raw)
}

func describeOutcome(s *types.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Result of step %d: %s", s.Index+1, s.Status)
	if s.Result != nil && s.Result.CurrentURL != "" {
		fmt.Fprintf(&b, " at %s", s.Result.CurrentURL)
	}
	if s.Summary != "" {
		fmt.Fprintf(&b, "\n%s", s.Summary)
	}
	return b.String()
}
