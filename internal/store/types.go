// Package store provides durable, single-writer persistence for
// tasks, projects, executions, and per-model rate-limit windows.
package store

import "time"

// Category classifies the kind of work a task performs.
type Category string

const (
	CategoryPlanning  Category = "planning"
	CategoryReasoning Category = "reasoning"
	CategoryCoding    Category = "coding"
	CategoryReview    Category = "review"
	CategoryQuick     Category = "quick"
	CategoryVision    Category = "vision"
	CategoryImageGen  Category = "image_gen"
)

// Priority orders ready tasks relative to one another.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Status is a task's position in the state machine of spec.md §4.4.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// Task is a unit of work routed to a model endpoint.
type Task struct {
	ID              string
	ProjectID       string // optional
	Title           string
	Prompt          string
	Category        Category
	Priority        Priority
	Status          Status
	DependsOn       []string // ordered task ids
	BlockedBy       string   // optional, single task id
	PreferredModel  string   // optional hint
	Deadline        *time.Time
	EstimatedMillis int64
	Attempts        int
	MaxAttempts     int
	LastError       string
	Result          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// ProjectStatus is a project's lifecycle state.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// Project groups related tasks.
type Project struct {
	ID          string
	Name        string
	Description string
	Target      string
	Status      ProjectStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Execution is one attempt at running a task against a backend model.
type Execution struct {
	ID          string
	TaskID      string
	Model       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Success     bool
	Error       string
	TokensUsed  int64
	Cost        float64
}

// RateWindow is a model's fixed rate-limit window.
type RateWindow struct {
	Model          string
	CurrentUsage   int
	MaxRequests    int
	WindowStart    time.Time
	WindowDuration time.Duration
	UpdatedAt      time.Time
}

// TaskInput is the caller-supplied payload for Add.
type TaskInput struct {
	ProjectID       string
	Title           string
	Prompt          string
	Category        Category
	Priority        Priority
	DependsOn       []string
	PreferredModel  string
	Deadline        *time.Time
	EstimatedMillis int64
	MaxAttempts     int
}

// Stats summarizes task counts by status.
type Stats struct {
	Pending   int
	Scheduled int
	Running   int
	Completed int
	Failed    int
	Blocked   int
	Cancelled int
}

// ExecutionStats summarizes today's execution outcomes.
type ExecutionStats struct {
	Total       int
	Succeeded   int
	Failed      int
	TotalTokens int64
	TotalCost   float64
}
