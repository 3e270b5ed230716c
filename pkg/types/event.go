package types

import "time"

// EventType defines the type of progress event published to a task owner.
type EventType string

const (
	EventTypeTaskStarted   EventType = "task_started"   // EventTypeTaskStarted indicates the planning loop acquired a session and began.
	EventTypePlannerText   EventType = "planner_text"   // EventTypePlannerText carries a free-text fragment streamed by the planner.
	EventTypeDecision      EventType = "decision"       // EventTypeDecision indicates the planner produced a parseable decision.
	EventTypeStepStarted   EventType = "step_started"   // EventTypeStepStarted indicates a step began executing.
	EventTypeStepCompleted EventType = "step_completed" // EventTypeStepCompleted indicates a step finished successfully.
	EventTypeStepFailed    EventType = "step_failed"    // EventTypeStepFailed indicates a step finished with an error.
	EventTypeRecovery      EventType = "recovery"       // EventTypeRecovery indicates a recovery step was inserted after repeated failures.
	EventTypeDiagnostic    EventType = "diagnostic"     // EventTypeDiagnostic indicates a diagnostic step was inserted after a turn without a decision.
	EventTypeProgress      EventType = "progress"       // EventTypeProgress carries the persisted progress after a step.
	EventTypeTaskCompleted EventType = "task_completed" // EventTypeTaskCompleted indicates the task reached completed.
	EventTypeTaskError     EventType = "task_error"     // EventTypeTaskError indicates the task reached error.
	EventTypePing          EventType = "ping"           // EventTypePing is the application-level heartbeat sent to connections.
)

// Event is a progress or result notification for one task.
type Event struct {
	Type    EventType `json:"type"`
	TaskID  string    `json:"task_id,omitempty"`
	OwnerID string    `json:"owner_id,omitempty"`

	// Content holds free text: planner fragments, summaries, error messages.
	Content string `json:"content,omitempty"`

	// Step is a snapshot of the step the event refers to.
	Step *Step `json:"step,omitempty"`

	Progress   int    `json:"progress,omitempty"`
	CurrentURL string `json:"current_url,omitempty"`

	Result *TaskResult `json:"result,omitempty"`

	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func newEvent(t EventType, taskID string) *Event {
	return &Event{
		Type:      t,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

// NewTaskStartedEvent creates a task started event.
func NewTaskStartedEvent(task *Task) *Event {
	e := newEvent(EventTypeTaskStarted, task.ID)
	e.OwnerID = task.OwnerID
	e.Content = task.Goal
	e.CurrentURL = task.StartURL
	return e
}

// NewPlannerTextEvent creates an event carrying a streamed planner fragment.
func NewPlannerTextEvent(taskID, content string) *Event {
	e := newEvent(EventTypePlannerText, taskID)
	e.Content = content
	return e
}

// NewDecisionEvent creates an event describing the planner's chosen operation.
func NewDecisionEvent(taskID, tool string, args map[string]string) *Event {
	e := newEvent(EventTypeDecision, taskID)
	e.Content = tool
	e.Metadata = make(map[string]interface{}, len(args))
	for k, v := range args {
		e.Metadata[k] = v
	}
	return e
}

// NewStepStartedEvent creates a step started event.
func NewStepStartedEvent(taskID string, step *Step) *Event {
	e := newEvent(EventTypeStepStarted, taskID)
	e.Step = step.Clone()
	return e
}

// NewStepFinishedEvent creates a step completed or step failed event
// depending on the step's terminal status.
func NewStepFinishedEvent(taskID string, step *Step) *Event {
	t := EventTypeStepCompleted
	if step.Status == StepStatusFailed {
		t = EventTypeStepFailed
	}
	e := newEvent(t, taskID)
	e.Step = step.Clone()
	e.Content = step.Error
	if step.Result != nil {
		e.CurrentURL = step.Result.CurrentURL
	}
	return e
}

// NewRecoveryEvent creates a recovery event.
func NewRecoveryEvent(taskID string, failures int) *Event {
	e := newEvent(EventTypeRecovery, taskID)
	e.Metadata = map[string]interface{}{"consecutive_failures": failures}
	return e
}

// NewDiagnosticEvent creates a diagnostic event.
func NewDiagnosticEvent(taskID, reason string) *Event {
	e := newEvent(EventTypeDiagnostic, taskID)
	e.Content = reason
	return e
}

// NewProgressEvent creates a progress event.
func NewProgressEvent(taskID string, stepIndex, progress int, currentURL string) *Event {
	e := newEvent(EventTypeProgress, taskID)
	e.Progress = progress
	e.CurrentURL = currentURL
	e.Metadata = map[string]interface{}{"step_index": stepIndex}
	return e
}

// NewTaskCompletedEvent creates a task completed event.
func NewTaskCompletedEvent(taskID string, result *TaskResult) *Event {
	e := newEvent(EventTypeTaskCompleted, taskID)
	e.Result = result
	e.Progress = 100
	if result != nil {
		e.Content = result.Summary
		e.CurrentURL = result.FinalURL
	}
	return e
}

// NewTaskErrorEvent creates a task error event.
func NewTaskErrorEvent(taskID string, err error) *Event {
	e := newEvent(EventTypeTaskError, taskID)
	if err != nil {
		e.Content = err.Error()
	}
	return e
}

// NewPingEvent creates a heartbeat ping.
func NewPingEvent() *Event {
	return newEvent(EventTypePing, "")
}

// WithMetadata adds metadata to the event and returns the event for chaining.
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsTerminal returns true for task completed and task error events.
func (e *Event) IsTerminal() bool {
	return e.Type == EventTypeTaskCompleted || e.Type == EventTypeTaskError
}

// IsStepEvent returns true if the event refers to a single step.
func (e *Event) IsStepEvent() bool {
	switch e.Type {
	case EventTypeStepStarted, EventTypeStepCompleted, EventTypeStepFailed:
		return true
	}
	return false
}
