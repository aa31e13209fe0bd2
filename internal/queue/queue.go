// Package queue implements task CRUD, the status state machine, and
// dependency unblocking over the durable store.
package queue

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/itskum47/modelrouter/internal/apperr"
	"github.com/itskum47/modelrouter/internal/ids"
	"github.com/itskum47/modelrouter/internal/store"
)

// Queue is the task/project CRUD and state-machine surface over a
// durable Store.
type Queue struct {
	store store.Store
	// admission throttles inbound submissions; distinct from the
	// per-model fixed window, which governs backend calls.
	admission *rate.Limiter
}

// New constructs a Queue. admissionRate/admissionBurst configure the
// token-bucket throttle applied to Add (0 rate disables throttling).
func New(st store.Store, admissionRate float64, admissionBurst int) *Queue {
	var limiter *rate.Limiter
	if admissionRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(admissionRate), admissionBurst)
	}
	return &Queue{store: st, admission: limiter}
}

func defaultPriority(p store.Priority) store.Priority {
	if p == "" {
		return store.PriorityMedium
	}
	return p
}

func defaultMaxAttempts(n int64) int {
	if n <= 0 {
		return 3
	}
	return int(n)
}

// Add validates and inserts a new task, rejecting a submission that
// would introduce a dependency cycle.
func (q *Queue) Add(ctx context.Context, in store.TaskInput) (string, error) {
	if q.admission != nil && !q.admission.Allow() {
		return "", apperr.New(apperr.InvalidInput, "submission rate exceeded, retry shortly")
	}
	if in.Title == "" || in.Prompt == "" {
		return "", apperr.New(apperr.InvalidInput, "title and prompt are required")
	}
	if in.Category == "" {
		return "", apperr.New(apperr.InvalidInput, "category is required")
	}

	id := ids.New("task")
	if err := q.checkNoCycle(ctx, id, in.DependsOn); err != nil {
		return "", err
	}

	status := store.StatusPending
	allDone, err := q.dependenciesCompleted(ctx, in.DependsOn)
	if err != nil {
		return "", apperr.Wrap(apperr.StoreFailure, "checking dependencies", err)
	}
	blockedBy := ""
	if !allDone {
		status = store.StatusBlocked
		if len(in.DependsOn) > 0 {
			blockedBy = in.DependsOn[0]
		}
	}

	t := &store.Task{
		ID:              id,
		ProjectID:       in.ProjectID,
		Title:           in.Title,
		Prompt:          in.Prompt,
		Category:        in.Category,
		Priority:        defaultPriority(in.Priority),
		Status:          status,
		DependsOn:       in.DependsOn,
		BlockedBy:       blockedBy,
		PreferredModel:  in.PreferredModel,
		Deadline:        in.Deadline,
		EstimatedMillis: in.EstimatedMillis,
		MaxAttempts:     defaultMaxAttempts(int64(in.MaxAttempts)),
	}
	if err := q.store.InsertTask(ctx, t); err != nil {
		return "", apperr.Wrap(apperr.StoreFailure, "inserting task", err)
	}
	return id, nil
}

// checkNoCycle performs a DFS through dependsOn edges (existing tasks
// plus the new task's own edges) rejecting a submission that would
// close a cycle.
func (q *Queue) checkNoCycle(ctx context.Context, newID string, dependsOn []string) error {
	visiting := map[string]bool{newID: true}
	var walk func(id string) error
	walk = func(id string) error {
		t, err := q.store.GetTask(ctx, id)
		if err != nil {
			return apperr.Wrap(apperr.StoreFailure, "checking cycle", err)
		}
		if t == nil {
			return nil
		}
		for _, dep := range t.DependsOn {
			if visiting[dep] {
				return apperr.New(apperr.InvalidInput, fmt.Sprintf("dependency cycle detected at %s", dep))
			}
			visiting[dep] = true
			if err := walk(dep); err != nil {
				return err
			}
			delete(visiting, dep)
		}
		return nil
	}
	for _, dep := range dependsOn {
		if visiting[dep] {
			return apperr.New(apperr.InvalidInput, fmt.Sprintf("dependency cycle detected at %s", dep))
		}
		visiting[dep] = true
		if err := walk(dep); err != nil {
			return err
		}
		delete(visiting, dep)
	}
	return nil
}

func (q *Queue) dependenciesCompleted(ctx context.Context, deps []string) (bool, error) {
	for _, id := range deps {
		dep, err := q.store.GetTask(ctx, id)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != store.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Get fetches a task by id.
func (q *Queue) Get(ctx context.Context, id string) (*store.Task, error) {
	t, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "fetching task", err)
	}
	return t, nil
}

// Update persists caller-driven field edits to an existing task.
func (q *Queue) Update(ctx context.Context, t *store.Task) error {
	if err := q.store.UpdateTask(ctx, t); err != nil {
		return apperr.Wrap(apperr.StoreFailure, "updating task", err)
	}
	return nil
}

// Remove permanently deletes a task.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.DeleteTask(ctx, id); err != nil {
		return apperr.Wrap(apperr.StoreFailure, "removing task", err)
	}
	return nil
}

// Cancel transitions a task to cancelled. Cancelling a completed or
// already-cancelled task is a no-op; cancelling a running task
// discards any subsequently produced result.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	t, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return apperr.New(apperr.NotFound, "task not found: "+id)
	}
	if t.Status == store.StatusCompleted || t.Status == store.StatusCancelled {
		return nil
	}
	t.Status = store.StatusCancelled
	return q.Update(ctx, t)
}

// GetReady returns ready tasks (pending/scheduled, dependencies met).
func (q *Queue) GetReady(ctx context.Context) ([]*store.Task, error) {
	ts, err := q.store.GetReadyTasks(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "listing ready tasks", err)
	}
	return ts, nil
}

// GetRunning returns currently running tasks.
func (q *Queue) GetRunning(ctx context.Context) ([]*store.Task, error) {
	ts, err := q.store.GetRunningTasks(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "listing running tasks", err)
	}
	return ts, nil
}

// GetByStatus returns tasks in any of the given statuses.
func (q *Queue) GetByStatus(ctx context.Context, statuses ...store.Status) ([]*store.Task, error) {
	ts, err := q.store.GetTasksByStatus(ctx, statuses...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "listing tasks by status", err)
	}
	return ts, nil
}

// GetAll returns every task.
func (q *Queue) GetAll(ctx context.Context) ([]*store.Task, error) {
	ts, err := q.store.GetAllTasks(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "listing all tasks", err)
	}
	return ts, nil
}

// Stats returns task counts bucketed by status.
func (q *Queue) Stats(ctx context.Context) (store.Stats, error) {
	st, err := q.store.CountByStatus(ctx)
	if err != nil {
		return store.Stats{}, apperr.Wrap(apperr.StoreFailure, "counting tasks", err)
	}
	return st, nil
}

// AddProject creates a project and its initial batch of tasks.
func (q *Queue) AddProject(ctx context.Context, name, description, target string, inputs []store.TaskInput) (string, []string, error) {
	projectID := ids.New("project")
	p := &store.Project{
		ID:          projectID,
		Name:        name,
		Description: description,
		Target:      target,
		Status:      store.ProjectActive,
	}
	if err := q.store.InsertProject(ctx, p); err != nil {
		return "", nil, apperr.Wrap(apperr.StoreFailure, "inserting project", err)
	}

	taskIDs := make([]string, 0, len(inputs))
	for _, in := range inputs {
		in.ProjectID = projectID
		id, err := q.Add(ctx, in)
		if err != nil {
			return projectID, taskIDs, err
		}
		taskIDs = append(taskIDs, id)
	}
	return projectID, taskIDs, nil
}

// Dependents returns tasks directly blocked on taskID — used by task
// detail views to show what is waiting on a given task.
func (q *Queue) Dependents(ctx context.Context, taskID string) ([]*store.Task, error) {
	ts, err := q.store.GetBlockedBy(ctx, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "listing dependents", err)
	}
	return ts, nil
}

// ExecutionsFor returns every attempt recorded against a task, used by
// the executor's startup orphan scan to tell a crash-interrupted
// attempt from one still genuinely in flight.
func (q *Queue) ExecutionsFor(ctx context.Context, taskID string) ([]*store.Execution, error) {
	execs, err := q.store.GetExecutionsByTask(ctx, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "listing executions", err)
	}
	return execs, nil
}

// GetProjectTasks returns every task belonging to a project.
func (q *Queue) GetProjectTasks(ctx context.Context, projectID string) ([]*store.Task, error) {
	ts, err := q.store.GetProjectTasks(ctx, projectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "listing project tasks", err)
	}
	return ts, nil
}

// MarkRunning transitions a task to running and records a new
// Execution row for this attempt.
func (q *Queue) MarkRunning(ctx context.Context, taskID, model string) (*store.Execution, error) {
	t, err := q.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.New(apperr.NotFound, "task not found: "+taskID)
	}
	t.Status = store.StatusRunning
	t.Attempts++
	if err := q.Update(ctx, t); err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:        ids.New("exec"),
		TaskID:    taskID,
		Model:     model,
		StartedAt: nowUTC(),
	}
	if err := q.store.InsertExecution(ctx, exec); err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "inserting execution", err)
	}
	return exec, nil
}

// MarkCompleted records a successful execution outcome and unblocks
// any dependents.
func (q *Queue) MarkCompleted(ctx context.Context, taskID string, exec *store.Execution, result string) error {
	completedAt := nowUTC()
	exec.CompletedAt = &completedAt
	exec.Success = true
	if err := q.store.UpdateExecution(ctx, exec); err != nil {
		return apperr.Wrap(apperr.StoreFailure, "updating execution", err)
	}

	t, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return apperr.New(apperr.NotFound, "task not found: "+taskID)
	}
	if t.Status == store.StatusCancelled {
		return nil // result discarded; task must not be retried
	}
	t.Status = store.StatusCompleted
	t.Result = result
	t.CompletedAt = &completedAt
	t.LastError = ""
	if err := q.Update(ctx, t); err != nil {
		return err
	}
	return q.unblockDependents(ctx)
}

// MarkFailed records a failed execution outcome, re-queueing the task
// if attempts remain or terminating it otherwise.
func (q *Queue) MarkFailed(ctx context.Context, taskID string, exec *store.Execution, errMsg string) error {
	completedAt := nowUTC()
	exec.CompletedAt = &completedAt
	exec.Success = false
	exec.Error = errMsg
	if err := q.store.UpdateExecution(ctx, exec); err != nil {
		return apperr.Wrap(apperr.StoreFailure, "updating execution", err)
	}

	t, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return apperr.New(apperr.NotFound, "task not found: "+taskID)
	}
	if t.Status == store.StatusCancelled {
		return nil
	}
	t.LastError = errMsg
	if t.Attempts < t.MaxAttempts {
		t.Status = store.StatusPending
	} else {
		t.Status = store.StatusFailed
	}
	return q.Update(ctx, t)
}

// MarkBlocked transitions a task to blocked, recording the dependency
// it is waiting on.
func (q *Queue) MarkBlocked(ctx context.Context, taskID, blockingTaskID string) error {
	t, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return apperr.New(apperr.NotFound, "task not found: "+taskID)
	}
	t.Status = store.StatusBlocked
	t.BlockedBy = blockingTaskID
	return q.Update(ctx, t)
}

// RetryFailed rescues failed tasks whose attempts still permit retry,
// resetting them to pending. Returns the count rescued.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	failed, err := q.GetByStatus(ctx, store.StatusFailed)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range failed {
		if t.Attempts >= t.MaxAttempts {
			continue
		}
		t.Status = store.StatusPending
		t.LastError = ""
		if err := q.Update(ctx, t); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// unblockDependents scans every blocked task and promotes it to
// pending once its full dependsOn list is completed. Implemented as a
// query rather than via stored reverse-pointers, per spec.
func (q *Queue) unblockDependents(ctx context.Context) error {
	blocked, err := q.GetByStatus(ctx, store.StatusBlocked)
	if err != nil {
		return err
	}
	for _, t := range blocked {
		done, err := q.dependenciesCompleted(ctx, t.DependsOn)
		if err != nil {
			return err
		}
		if done {
			t.Status = store.StatusPending
			t.BlockedBy = ""
			if err := q.Update(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// DetectAndFailCycles is the scheduling-time backstop for circular
// dependencies that slipped past the insert-time DFS (e.g. data
// inserted before that check existed, or edited directly in the
// store). It is only meaningful when a scheduling pass cannot make
// progress and no task is currently running. Every task participating
// in a cycle is marked failed with lastError="cycle".
func (q *Queue) DetectAndFailCycles(ctx context.Context) (int, error) {
	blocked, err := q.GetByStatus(ctx, store.StatusBlocked, store.StatusPending)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]*store.Task, len(blocked))
	for _, t := range blocked {
		byID[t.ID] = t
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(blocked))
	var cyclic []string

	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		if state[id] == done {
			return nil
		}
		if state[id] == visiting {
			// Found the closing edge; return the cycle slice.
			for i, p := range path {
				if p == id {
					return path[i:]
				}
			}
			return nil
		}
		state[id] = visiting
		if t, ok := byID[id]; ok {
			for _, dep := range t.DependsOn {
				if cyc := walk(dep, append(path, id)); cyc != nil {
					return cyc
				}
			}
		}
		state[id] = done
		return nil
	}

	for id := range byID {
		if cyc := walk(id, nil); cyc != nil {
			cyclic = append(cyclic, cyc...)
		}
	}
	if len(cyclic) == 0 {
		return 0, nil
	}

	failed := 0
	for _, id := range cyclic {
		t, ok := byID[id]
		if !ok {
			continue
		}
		t.Status = store.StatusFailed
		t.LastError = "cycle"
		if err := q.Update(ctx, t); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}
