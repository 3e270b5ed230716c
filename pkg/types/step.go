package types

import "time"

// StepKind distinguishes page-changing actions from read-only queries.
type StepKind string

const (
	StepKindAction StepKind = "action"
	StepKindQuery  StepKind = "query"
)

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// IsTerminal returns true for completed and failed.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// StepOrigin records why a step was inserted.
type StepOrigin string

const (
	StepOriginPlanner    StepOrigin = "planner"    // StepOriginPlanner indicates the planner chose the step.
	StepOriginRecovery   StepOrigin = "recovery"   // StepOriginRecovery indicates the step was inserted after repeated failures.
	StepOriginDiagnostic StepOrigin = "diagnostic" // StepOriginDiagnostic indicates the planner produced no decision.
)

// Step is one executed action or query within a Plan. Steps are plain data;
// the step executor owns the behaviour.
type Step struct {
	Index       int               `json:"index"`
	Kind        StepKind          `json:"kind"`
	Instruction string            `json:"instruction"`
	Args        map[string]string `json:"args,omitempty"`
	Origin      StepOrigin        `json:"origin"`
	Status      StepStatus        `json:"status"`
	Result      *StepResult       `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}

// TargetURL returns the url argument, if the planner supplied one.
func (s *Step) TargetURL() string {
	if s.Args == nil {
		return ""
	}
	return s.Args["url"]
}

// Clone returns a copy that does not share the Args map.
func (s *Step) Clone() *Step {
	c := *s
	if s.Args != nil {
		c.Args = make(map[string]string, len(s.Args))
		for k, v := range s.Args {
			c.Args[k] = v
		}
	}
	if s.Result != nil {
		r := *s.Result
		r.NavigableElements = append([]NavigableElement(nil), s.Result.NavigableElements...)
		c.Result = &r
	}
	return &c
}

// NavigableElement is a link, button or input the planner can target.
type NavigableElement struct {
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	Href     string `json:"href,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// StepResult is the structured outcome of running one Step.
type StepResult struct {
	Success           bool               `json:"success"`
	CurrentURL        string             `json:"current_url"`
	ExtractedInfo     string             `json:"extracted_info,omitempty"`
	NavigableElements []NavigableElement `json:"navigable_elements,omitempty"`
	ScreenshotRef     string             `json:"screenshot_ref,omitempty"`
	Assertion         string             `json:"assertion,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// FailedResult builds the result returned when a step cannot run.
func FailedResult(currentURL string, err error) StepResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return StepResult{Success: false, CurrentURL: currentURL, Error: msg}
}
