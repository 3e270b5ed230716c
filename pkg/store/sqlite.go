package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/webpilot/pkg/types"
	_ "modernc.org/sqlite"
)

// timeFormat has a fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it.
// The path ":memory:" opens a private in-memory database.
func Open(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		start_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		step_budget INTEGER NOT NULL,
		headless INTEGER NOT NULL DEFAULT 1,
		run_dir TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		current_url TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steps (
		task_id TEXT NOT NULL REFERENCES tasks(id),
		idx INTEGER NOT NULL,
		kind TEXT NOT NULL,
		instruction TEXT NOT NULL,
		args TEXT,
		origin TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (task_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts task, filling in timestamps when unset.
func (s *SQLite) Create(ctx context.Context, task *types.Task) error {
	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}

	result, err := marshalNullable(task.Result)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, goal, start_url, status, step_budget, headless, run_dir,
			current_step, current_url, progress, result, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OwnerID, task.Goal, task.StartURL, string(task.Status), task.StepBudget,
		boolInt(task.Headless), task.RunDir, task.CurrentStep, task.CurrentURL, task.Progress,
		result, task.Error, task.CreatedAt.UTC().Format(timeFormat), task.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, owner_id, goal, start_url, status, step_budget, headless, run_dir,
	current_step, current_url, progress, result, error, created_at, updated_at`

// Get returns one task.
func (s *SQLite) Get(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	return task, nil
}

// List returns an owner's tasks, newest first. A limit <= 0 means no limit.
func (s *SQLite) List(ctx context.Context, ownerID string, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Update applies a partial update in a single statement. Status changes are
// guarded in the WHERE clause so concurrent writers cannot reverse a status.
func (s *SQLite) Update(ctx context.Context, id string, u Update) error {
	if u.IsEmpty() {
		return nil
	}

	var sets []string
	var args []interface{}
	set := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.CurrentStep != nil {
		set("current_step", *u.CurrentStep)
	}
	if u.CurrentURL != nil {
		set("current_url", *u.CurrentURL)
	}
	if u.Progress != nil {
		set("progress", *u.Progress)
	}
	if u.Result != nil {
		data, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal task result: %w", err)
		}
		set("result", string(data))
	}
	if u.Error != nil {
		set("error", *u.Error)
	}
	set("updated_at", s.now().UTC().Format(timeFormat))

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)

	if u.Status != nil {
		preds := u.Status.Predecessors()
		if len(preds) == 0 {
			return fmt.Errorf("%w: nothing moves to %s", ErrInvalidTransition, *u.Status)
		}
		placeholders := make([]string, len(preds))
		for i, p := range preds {
			placeholders[i] = "?"
			args = append(args, string(p))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *u.Status)
}

// AppendStep upserts a step row keyed by (task, index).
func (s *SQLite) AppendStep(ctx context.Context, taskID string, step *types.Step) error {
	args, err := marshalNullable(step.Args)
	if err != nil {
		return err
	}
	result, err := marshalNullable(step.Result)
	if err != nil {
		return err
	}

	var finished string
	if !step.FinishedAt.IsZero() {
		finished = step.FinishedAt.UTC().Format(timeFormat)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (task_id, idx, kind, instruction, args, origin, status, result, error, summary, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id, idx) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			summary = excluded.summary,
			finished_at = excluded.finished_at`,
		taskID, step.Index, string(step.Kind), step.Instruction, args, string(step.Origin),
		string(step.Status), result, step.Error, step.Summary,
		step.StartedAt.UTC().Format(timeFormat), finished,
	)
	if err != nil {
		return fmt.Errorf("failed to write step %d: %w", step.Index, err)
	}
	return nil
}

// Steps returns a task's steps ordered by index.
func (s *SQLite) Steps(ctx context.Context, taskID string) ([]*types.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, kind, instruction, args, origin, status, result, error, summary, started_at, finished_at
		 FROM steps WHERE task_id = ? ORDER BY idx`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read steps: %w", err)
	}
	defer rows.Close()

	var steps []*types.Step
	for rows.Next() {
		var step types.Step
		var kind, origin, status, started, finished string
		var args, result sql.NullString

		if err := rows.Scan(&step.Index, &kind, &step.Instruction, &args, &origin, &status,
			&result, &step.Error, &step.Summary, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to read step: %w", err)
		}
		step.Kind = types.StepKind(kind)
		step.Origin = types.StepOrigin(origin)
		step.Status = types.StepStatus(status)
		step.StartedAt = parseTime(started)
		step.FinishedAt = parseTime(finished)

		if args.Valid {
			if err := json.Unmarshal([]byte(args.String), &step.Args); err != nil {
				return nil, fmt.Errorf("failed to decode step args: %w", err)
			}
		}
		if result.Valid {
			step.Result = &types.StepResult{}
			if err := json.Unmarshal([]byte(result.String), step.Result); err != nil {
				return nil, fmt.Errorf("failed to decode step result: %w", err)
			}
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*types.Task, error) {
	var task types.Task
	var status, created, updated string
	var headless int
	var result sql.NullString

	err := row.Scan(
		&task.ID, &task.OwnerID, &task.Goal, &task.StartURL, &status, &task.StepBudget,
		&headless, &task.RunDir, &task.CurrentStep, &task.CurrentURL, &task.Progress,
		&result, &task.Error, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	task.Status = types.TaskStatus(status)
	task.Headless = headless != 0
	task.CreatedAt = parseTime(created)
	task.UpdatedAt = parseTime(updated)

	if result.Valid {
		task.Result = &types.TaskResult{}
		if err := json.Unmarshal([]byte(result.String), task.Result); err != nil {
			return nil, fmt.Errorf("failed to decode task result: %w", err)
		}
	}
	return &task, nil
}

// marshalNullable encodes v as JSON, mapping nil pointers and maps to NULL.
func marshalNullable(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case *types.TaskResult:
		if t == nil {
			return nil, nil
		}
	case *types.StepResult:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return string(data), nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
