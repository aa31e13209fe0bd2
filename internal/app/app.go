// Package app wires the core components behind the boundary methods
// spec.md §6 names, replacing the source's global singletons with one
// owned App instance per store directory.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/modelrouter/internal/appdir"
	"github.com/itskum47/modelrouter/internal/apperr"
	"github.com/itskum47/modelrouter/internal/events"
	"github.com/itskum47/modelrouter/internal/executor"
	"github.com/itskum47/modelrouter/internal/invoker"
	"github.com/itskum47/modelrouter/internal/queue"
	"github.com/itskum47/modelrouter/internal/ratelimit"
	"github.com/itskum47/modelrouter/internal/router"
	"github.com/itskum47/modelrouter/internal/scheduler"
	"github.com/itskum47/modelrouter/internal/store"
)

// QueueStatus answers getQueueStatus: task counts, a scheduler
// snapshot, and per-model rate-limit availability.
type QueueStatus struct {
	Stats     store.Stats
	Scheduler SchedulerSnapshot
	RateLimits map[string]ratelimit.Snapshot
}

// SchedulerSnapshot summarizes the scheduler's current cached plan.
type SchedulerSnapshot struct {
	Scheduled       int
	Running         int
	Pending         int
	NextTask        string
	AvailableModels []string
}

// App owns every core component for one store directory and exposes
// the methods the outer surfaces (CLI, console, chat adapters) call.
// Only one App's Executor may run against a given directory at a time
// — enforced by internal/executor's lockfile.
type App struct {
	Store     store.Store
	Queue     *queue.Queue
	Router    *router.Router
	Rate      *ratelimit.Coordinator
	Scheduler *scheduler.Scheduler
	Bus       *events.Bus
	Hub       *events.Hub

	dir string

	mu       sync.Mutex
	exec     *executor.Executor
	cancel   context.CancelFunc
	invokers map[string]invoker.Invoker
}

// Deps bundles the constructor inputs that have no natural default.
type Deps struct {
	Store        store.Store
	Classifier   router.Classifier
	Candidates   router.CandidateTable
	RateConfigs  []ratelimit.ModelConfig
	Invokers     map[string]invoker.Invoker
	SchedulerCfg scheduler.Config
	AdmissionQPS float64
	AdmissionBurst int
}

// New wires Store/RateCoordinator/Router/Queue/Scheduler into an App
// ready to serve boundary calls. The Executor itself is started
// on-demand via StartExecutor.
func New(ctx context.Context, dir string, deps Deps) (*App, error) {
	rc, err := ratelimit.New(ctx, deps.Store, deps.RateConfigs)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreFailure, "initializing rate coordinator", err)
	}

	r := router.New(deps.Classifier, deps.Candidates)
	q := queue.New(deps.Store, deps.AdmissionQPS, deps.AdmissionBurst)
	sched := scheduler.New(q, r, rc, deps.SchedulerCfg)
	bus := events.New()
	hub := events.NewHub(bus)

	return &App{
		Store:     deps.Store,
		Queue:     q,
		Router:    r,
		Rate:      rc,
		Scheduler: sched,
		Bus:       bus,
		Hub:       hub,
		dir:       dir,
		invokers:  deps.Invokers,
	}, nil
}

// AddTask submits a new task.
func (a *App) AddTask(ctx context.Context, in store.TaskInput) (string, error) {
	return a.Queue.Add(ctx, in)
}

// AddProject creates a project and its initial task batch.
func (a *App) AddProject(ctx context.Context, name, description, target string, inputs []store.TaskInput) (string, []string, error) {
	return a.Queue.AddProject(ctx, name, description, target, inputs)
}

// GetTask fetches a single task by id.
func (a *App) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return a.Queue.Get(ctx, id)
}

// GetAllTasks returns every task.
func (a *App) GetAllTasks(ctx context.Context) ([]*store.Task, error) {
	return a.Queue.GetAll(ctx)
}

// CancelTask transitions a task to cancelled.
func (a *App) CancelTask(ctx context.Context, id string) error {
	return a.Queue.Cancel(ctx, id)
}

// RetryFailed rescues failed tasks whose attempts still permit retry.
func (a *App) RetryFailed(ctx context.Context) (int, error) {
	return a.Queue.RetryFailed(ctx)
}

// GetTaskDependents lists tasks directly blocked on id — used by task
// detail views, not part of spec.md §6's own surface but a natural
// companion to GetTask.
func (a *App) GetTaskDependents(ctx context.Context, id string) ([]*store.Task, error) {
	return a.Queue.Dependents(ctx, id)
}

// GetQueueStatus assembles the combined stats/scheduler/rate-limit
// snapshot.
func (a *App) GetQueueStatus(ctx context.Context) (QueueStatus, error) {
	stats, err := a.Queue.Stats(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	plan := a.Scheduler.CurrentPlan()
	running, err := a.Queue.GetRunning(ctx)
	if err != nil {
		return QueueStatus{}, err
	}
	rateStatus, err := a.Rate.Status(ctx)
	if err != nil {
		return QueueStatus{}, err
	}

	var nextTask string
	models := make(map[string]struct{})
	if len(plan) > 0 {
		nextTask = plan[0].TaskID
	}
	for model, snap := range rateStatus {
		if snap.Available {
			models[model] = struct{}{}
		}
	}
	available := make([]string, 0, len(models))
	for m := range models {
		available = append(available, m)
	}

	return QueueStatus{
		Stats: stats,
		Scheduler: SchedulerSnapshot{
			Scheduled:       len(plan),
			Running:         len(running),
			Pending:         stats.Pending,
			NextTask:        nextTask,
			AvailableModels: available,
		},
		RateLimits: rateStatus,
	}, nil
}

// GetExecutorStatus returns the running executor's last status
// snapshot, or nil if no executor is currently running for this
// directory.
func (a *App) GetExecutorStatus() (*executor.Status, error) {
	running, err := executor.IsRunning(a.dir)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, nil
	}
	return executor.GetStoredStatus(a.dir)
}

// StartExecutor launches the executor daemon loop in the background,
// refusing to start a second one against the same store directory.
func (a *App) StartExecutor(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exec != nil {
		return apperr.New(apperr.InvalidInput, "executor already running in this process")
	}

	execCtx, cancel := context.WithCancel(ctx)
	exec := executor.New(a.Queue, a.Scheduler, a.Rate, a.invokers, a.Bus, a.dir, executor.DefaultConfig())
	a.exec = exec
	a.cancel = cancel

	go a.Hub.Run(execCtx)
	go func() {
		if err := exec.Run(execCtx); err != nil {
			fmt.Printf("executor: exited with error: %v\n", err)
		}
		a.mu.Lock()
		a.exec = nil
		a.cancel = nil
		a.mu.Unlock()
	}()
	return nil
}

// StopExecutor requests graceful shutdown of the running executor and
// waits for it to acknowledge, up to a fixed grace period.
func (a *App) StopExecutor() error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	deadline := time.Now().Add(35 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		stopped := a.exec == nil
		a.mu.Unlock()
		if stopped {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return apperr.New(apperr.Timeout, "executor did not stop within the grace period")
}

// PauseExecutor suspends the running executor's poll tick.
func (a *App) PauseExecutor() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exec == nil {
		return apperr.New(apperr.InvalidInput, "no executor is running")
	}
	a.exec.Pause()
	return nil
}

// ResumeExecutor re-enables the running executor's poll tick.
func (a *App) ResumeExecutor() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exec == nil {
		return apperr.New(apperr.InvalidInput, "no executor is running")
	}
	a.exec.Resume()
	return nil
}

// Close releases the underlying store. Callers should StopExecutor
// first if one is running.
func (a *App) Close() error {
	return a.Store.Close()
}

// DefaultDir resolves the per-user state directory used when the
// caller does not provide one explicitly.
func DefaultDir() (string, error) {
	return appdir.Dir()
}
