package store

import (
	"context"
	"time"
)

// Store is the durable persistence interface for tasks, projects,
// executions, and rate-limit windows. A single process owns the
// underlying file at a time (see internal/appdir's lockfile).
type Store interface {
	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) error

	GetAllTasks(ctx context.Context) ([]*Task, error)
	GetTasksByStatus(ctx context.Context, statuses ...Status) ([]*Task, error)
	GetRunningTasks(ctx context.Context) ([]*Task, error)
	// GetReadyTasks returns pending/scheduled tasks whose dependencies
	// are all completed, ordered by priority bucket then createdAt asc.
	GetReadyTasks(ctx context.Context) ([]*Task, error)
	// GetBlockedBy returns blocked tasks whose BlockedBy equals taskID.
	GetBlockedBy(ctx context.Context, taskID string) ([]*Task, error)
	CountByStatus(ctx context.Context) (Stats, error)

	InsertProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	GetProjectTasks(ctx context.Context, id string) ([]*Task, error)

	InsertExecution(ctx context.Context, e *Execution) error
	UpdateExecution(ctx context.Context, e *Execution) error
	GetExecutionsByTask(ctx context.Context, taskID string) ([]*Execution, error)
	TodayExecutionStats(ctx context.Context) (ExecutionStats, error)

	GetRateWindow(ctx context.Context, model string) (*RateWindow, error)
	UpsertRateWindow(ctx context.Context, w *RateWindow) error
	AllRateWindows(ctx context.Context) ([]*RateWindow, error)

	Close() error
}

func now() time.Time { return time.Now().UTC() }
