// Package service is the task-level entry point: it creates tasks, runs their
// planning loops in the background and reports their status.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/webpilot/pkg/logging"
	"github.com/entrhq/webpilot/pkg/store"
	"github.com/entrhq/webpilot/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrInvalidTask is returned by StartTask for a missing owner or goal.
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskFinished is returned by Cancel when the task already terminated.
	ErrTaskFinished = errors.New("task already finished")

	// ErrShuttingDown is returned by StartTask after Shutdown.
	ErrShuttingDown = errors.New("service is shutting down")
)

// CancelReason is the error message recorded on cancelled tasks.
const CancelReason = "cancelled"

// Default step budgets.
const (
	DefaultBudget = 20
	MaxBudget     = 100
)

// Runner drives one task to a terminal status.
type Runner interface {
	Run(ctx context.Context, task *types.Task) error
}

// Status is the externally visible state of a task.
type Status struct {
	TaskID     string            `json:"task_id"`
	OwnerID    string            `json:"owner_id"`
	Goal       string            `json:"goal"`
	Status     types.TaskStatus  `json:"status"`
	Progress   int               `json:"progress"`
	CurrentURL string            `json:"current_url,omitempty"`
	StepBudget int               `json:"step_budget"`
	StepLog    []*types.Step     `json:"step_log"`
	Result     *types.TaskResult `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Service owns task lifecycles.
type Service struct {
	store  store.Store
	runner Runner

	defaultBudget int
	maxBudget     int
	headless      bool
	newID         func() string
	now           func() time.Time
	logger        *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithBudgets sets the default and maximum step budgets.
func WithBudgets(defaultBudget, maxBudget int) Option {
	return func(s *Service) {
		if defaultBudget > 0 {
			s.defaultBudget = defaultBudget
		}
		if maxBudget > 0 {
			s.maxBudget = maxBudget
		}
	}
}

// WithHeadless sets the execution-mode flag recorded on new tasks.
func WithHeadless(headless bool) Option {
	return func(s *Service) {
		s.headless = headless
	}
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a Service. Task loops run on a context owned by the service,
// detached from the request that started them.
func New(st store.Store, runner Runner, opts ...Option) *Service {
	s := &Service{
		store:         st,
		runner:        runner,
		defaultBudget: DefaultBudget,
		maxBudget:     MaxBudget,
		headless:      true,
		newID:         uuid.NewString,
		now:           time.Now,
		running:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxBudget < s.defaultBudget {
		s.maxBudget = s.defaultBudget
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ClampBudget applies the default and maximum to a requested budget.
func (s *Service) ClampBudget(requested int) int {
	if requested <= 0 {
		return s.defaultBudget
	}
	if requested > s.maxBudget {
		return s.maxBudget
	}
	return requested
}

// StartTask persists a pending task and runs its planning loop in the
// background. It returns as soon as the task is stored.
func (s *Service) StartTask(ctx context.Context, ownerID, goal, startURL string, budget int) (string, error) {
	ownerID, goal, startURL = strings.TrimSpace(ownerID), strings.TrimSpace(goal), strings.TrimSpace(startURL)
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner is required", ErrInvalidTask)
	}
	if goal == "" {
		return "", fmt.Errorf("%w: goal is required", ErrInvalidTask)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrShuttingDown
	}

	id := s.newID()
	now := s.now().UTC()
	task := &types.Task{
		ID:         id,
		OwnerID:    ownerID,
		Goal:       goal,
		StartURL:   startURL,
		Status:     types.TaskStatusPending,
		StepBudget: s.ClampBudget(budget),
		Headless:   s.headless,
		RunDir:     runDir(now, id),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.abandon(task.ID, ErrShuttingDown.Error())
		return "", ErrShuttingDown
	}
	s.running[id] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Infof("Starting task %s for %s with budget %d", id, ownerID, task.StepBudget)
	go s.run(task)
	return id, nil
}

func (s *Service) run(task *types.Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
	}()

	if err := s.runner.Run(s.ctx, task); err != nil {
		s.logger.Warnf("Task %s ended with error: %v", task.ID, err)
		return
	}
	s.logger.Infof("Task %s completed", task.ID)
}

// Status returns the task's status, progress and step log.
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.Steps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load step log: %w", err)
	}
	if steps == nil {
		steps = []*types.Step{}
	}
	return &Status{
		TaskID:     task.ID,
		OwnerID:    task.OwnerID,
		Goal:       task.Goal,
		Status:     task.Status,
		Progress:   task.Progress,
		CurrentURL: task.CurrentURL,
		StepBudget: task.StepBudget,
		StepLog:    steps,
		Result:     task.Result,
		Error:      task.Error,
		CreatedAt:  task.CreatedAt,
		UpdatedAt:  task.UpdatedAt,
	}, nil
}

// List returns the owner's most recent tasks.
func (s *Service) List(ctx context.Context, ownerID string, limit int) ([]*types.Task, error) {
	return s.store.List(ctx, ownerID, limit)
}

// Cancel marks a non-terminal task as error. A running loop observes the
// status before its next step and stops.
func (s *Service) Cancel(ctx context.Context, id string) error {
	err := s.store.Update(ctx, id, store.Update{}.WithStatus(types.TaskStatusError).WithError(CancelReason))
	if errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("%w: %s", ErrTaskFinished, id)
	}
	if err != nil {
		return err
	}
	s.logger.Infof("Cancelled task %s", id)
	return nil
}

// Running returns the number of loops still in flight.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Wait blocks until every started loop has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting tasks, cancels running loops and waits for them
// until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for %d task(s): %w", s.Running(), ctx.Err())
	}
}

// abandon marks a stored task that will never run.
func (s *Service) abandon(id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Update(ctx, id, store.Update{}.WithStatus(types.TaskStatusError).WithError(reason)); err != nil {
		s.logger.Warnf("Failed to mark task %s abandoned: %v", id, err)
	}
}

// runDir names a task's artifact directory: a sortable timestamp plus the
// first segment of its id.
func runDir(t time.Time, id string) string {
	short := id
	if i := strings.IndexByte(id, '-'); i > 0 {
		short = id[:i]
	}
	return t.Format("20060102-150405") + "-" + short
}
