// Package store persists tasks and their steps.
package store

import (
	"context"
	"errors"

	"github.com/entrhq/webpilot/pkg/types"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when an update would move a task's
	// status backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Store is the persistent task record.
type Store interface {
	// Create inserts a new task.
	Create(ctx context.Context, task *types.Task) error

	// Get returns the task with id or ErrNotFound.
	Get(ctx context.Context, id string) (*types.Task, error)

	// Update writes only the fields set in u. A status change is applied
	// only from one of the new status's predecessors; otherwise the whole
	// update is rejected with ErrInvalidTransition.
	Update(ctx context.Context, id string, u Update) error

	// List returns an owner's tasks, newest first.
	List(ctx context.Context, ownerID string, limit int) ([]*types.Task, error)

	// AppendStep records a step, replacing any earlier row with the same index.
	AppendStep(ctx context.Context, taskID string, step *types.Step) error

	// Steps returns a task's steps in index order.
	Steps(ctx context.Context, taskID string) ([]*types.Step, error)

	Close() error
}

// Update is a partial task update. Nil fields are left untouched.
type Update struct {
	Status      *types.TaskStatus
	CurrentStep *int
	CurrentURL  *string
	Progress    *int
	Result      *types.TaskResult
	Error       *string
}

// WithStatus sets the status.
func (u Update) WithStatus(s types.TaskStatus) Update {
	u.Status = &s
	return u
}

// WithStep sets the current step index.
func (u Update) WithStep(index int) Update {
	u.CurrentStep = &index
	return u
}

// WithURL sets the current URL.
func (u Update) WithURL(url string) Update {
	u.CurrentURL = &url
	return u
}

// WithProgress sets the progress percentage.
func (u Update) WithProgress(p int) Update {
	u.Progress = &p
	return u
}

// WithResult sets the final result.
func (u Update) WithResult(r *types.TaskResult) Update {
	u.Result = r
	return u
}

// WithError sets the error message.
func (u Update) WithError(msg string) Update {
	u.Error = &msg
	return u
}

// IsEmpty reports whether no field is set.
func (u Update) IsEmpty() bool {
	return u.Status == nil && u.CurrentStep == nil && u.CurrentURL == nil &&
		u.Progress == nil && u.Result == nil && u.Error == nil
}
