// Package types holds the data shared by every webpilot component: tasks,
// steps, step results, planner messages and the progress events pushed to
// owners.
package types

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"    // TaskStatusPending indicates the task was created but its loop has not started.
	TaskStatusProcessing TaskStatus = "processing" // TaskStatusProcessing indicates the planning loop is running.
	TaskStatusCompleted  TaskStatus = "completed"  // TaskStatusCompleted indicates the task finished, either declared or forced.
	TaskStatusError      TaskStatus = "error"      // TaskStatusError indicates the task stopped on an unrecoverable error or cancellation.
)

// IsTerminal returns true for completed and error.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError
}

// CanTransition reports whether a task may move from s to next.
// Status only moves forward: pending -> processing -> {completed|error}.
// Pending may also jump straight to error (launch or acquire failure).
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing || next == TaskStatusError
	case TaskStatusProcessing:
		return next == TaskStatusCompleted || next == TaskStatusError
	default:
		return false
	}
}

// Predecessors returns the statuses from which s can be reached.
func (s TaskStatus) Predecessors() []TaskStatus {
	var out []TaskStatus
	for _, from := range []TaskStatus{TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusError} {
		if from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}

// Task is one end-to-end automation goal requested by an owner.
type Task struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	Goal     string `json:"goal"`
	StartURL string `json:"start_url,omitempty"`

	Status     TaskStatus `json:"status"`
	StepBudget int        `json:"step_budget"`

	// Headless is the execution-mode flag handed to the automation driver.
	Headless bool `json:"headless"`

	// RunDir names the directory under the artifact root that holds this
	// task's screenshots and summary.
	RunDir string `json:"run_dir"`

	CurrentStep int    `json:"current_step"`
	CurrentURL  string `json:"current_url,omitempty"`
	Progress    int    `json:"progress"`

	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskResult is what remains of a Plan once its Task terminates.
type TaskResult struct {
	Summary       string `json:"summary"`
	ExtractedInfo string `json:"extracted_info,omitempty"`
	FinalURL      string `json:"final_url,omitempty"`
	Forced        bool   `json:"forced,omitempty"`
	StepCount     int    `json:"step_count"`
}

// ProgressPercent maps a step index against the budget to 0..100.
func ProgressPercent(stepCount, budget int) int {
	if budget <= 0 {
		return 0
	}
	p := stepCount * 100 / budget
	if p > 100 {
		p = 100
	}
	return p
}
