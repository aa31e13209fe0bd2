// Package executor runs the poll/health loop that turns the
// scheduler's decisions into backend calls: reserve a rate-limit slot,
// invoke the model, and record the outcome — the single daemon
// process a user starts, stops, pauses, and resumes.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/itskum47/modelrouter/internal/apperr"
	"github.com/itskum47/modelrouter/internal/appdir"
	"github.com/itskum47/modelrouter/internal/events"
	"github.com/itskum47/modelrouter/internal/invoker"
	"github.com/itskum47/modelrouter/internal/metrics"
	"github.com/itskum47/modelrouter/internal/queue"
	"github.com/itskum47/modelrouter/internal/ratelimit"
	"github.com/itskum47/modelrouter/internal/scheduler"
	"github.com/itskum47/modelrouter/internal/store"
)

// Config tunes the executor's timing.
type Config struct {
	PollInterval            time.Duration
	HealthCheckInterval     time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig matches spec-level defaults: a fast poll, a coarser
// health refresh, and a generous drain window.
func DefaultConfig() Config {
	return Config{
		PollInterval:            5 * time.Second,
		HealthCheckInterval:     30 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Status is the executor's externally-readable snapshot, written to
// appdir.StatusPath on every health tick.
type Status struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
	Paused      bool      `json:"paused"`
	LastTickAt  time.Time `json:"lastTickAt"`
	ActiveTasks int       `json:"activeTasks"`
}

// Executor drives the poll tick (schedule -> reserve -> invoke ->
// record) and the health tick (status file refresh) until its context
// is cancelled.
type Executor struct {
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	rate      *ratelimit.Coordinator
	invokers  map[string]invoker.Invoker
	bus       *events.Bus
	dir       string
	cfg       Config

	paused    atomic.Bool
	startedAt time.Time

	mu     sync.Mutex
	active map[string]struct{} // taskIDs currently in flight
	wg     sync.WaitGroup
}

// New constructs an Executor. invokers maps a model name to the
// Invoker that serves it.
func New(q *queue.Queue, s *scheduler.Scheduler, rc *ratelimit.Coordinator, invokers map[string]invoker.Invoker, bus *events.Bus, dir string, cfg Config) *Executor {
	return &Executor{
		queue:     q,
		scheduler: s,
		rate:      rc,
		invokers:  invokers,
		bus:       bus,
		dir:       dir,
		cfg:       cfg,
		active:    make(map[string]struct{}),
	}
}

// Run acquires the single-writer lockfile, recovers orphaned tasks
// left running by a prior crash, and drives the poll/health loop until
// ctx is cancelled, then drains in-flight work up to
// GracefulShutdownTimeout before returning.
func (e *Executor) Run(ctx context.Context) error {
	unlock, err := acquireLock(e.dir)
	if err != nil {
		return err
	}
	defer unlock()

	if err := writePIDFile(e.dir); err != nil {
		return err
	}
	defer os.Remove(appdir.PIDPath(e.dir))

	e.startedAt = time.Now()
	if n, err := e.recoverOrphans(ctx); err != nil {
		log.Printf("executor: orphan recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("executor: recovered %d orphaned task(s)", n)
	}

	metrics.ExecutorRunning.Set(1)
	e.bus.Emit(events.Event{Kind: events.Started})
	defer func() {
		metrics.ExecutorRunning.Set(0)
		e.bus.Emit(events.Event{Kind: events.Stopped})
	}()

	pollTicker := time.NewTicker(e.cfg.PollInterval)
	defer pollTicker.Stop()
	healthTicker := time.NewTicker(e.cfg.HealthCheckInterval)
	defer healthTicker.Stop()

	e.writeStatus() // initial snapshot so probes see a running executor immediately

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return nil
		case <-pollTicker.C:
			if e.paused.Load() {
				continue
			}
			if err := e.pollTick(ctx); err != nil {
				log.Printf("executor: poll tick failed: %v", err)
			}
		case <-healthTicker.C:
			e.writeStatus()
			e.refreshMetrics(ctx)
		}
	}
}

// drain waits for in-flight invocations to finish, up to
// GracefulShutdownTimeout, then returns regardless.
func (e *Executor) drain() {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.GracefulShutdownTimeout):
		log.Printf("executor: graceful shutdown timed out with tasks still in flight")
	}
}

// Pause stops the poll tick from admitting new work; in-flight
// invocations continue to completion.
func (e *Executor) Pause() {
	e.paused.Store(true)
	metrics.ExecutorPaused.Set(1)
	e.bus.Emit(events.Event{Kind: events.Paused})
}

// Resume re-enables the poll tick.
func (e *Executor) Resume() {
	e.paused.Store(false)
	metrics.ExecutorPaused.Set(0)
	e.bus.Emit(events.Event{Kind: events.Resumed})
}

// IsPaused reports whether the poll tick is currently suspended.
func (e *Executor) IsPaused() bool { return e.paused.Load() }

// recoverOrphans resets running tasks with no live execution record
// back to pending — state left behind by a process that crashed
// mid-invocation. Attempts are not incremented again; the task simply
// re-enters the ready pool.
func (e *Executor) recoverOrphans(ctx context.Context) (int, error) {
	running, err := e.queue.GetRunning(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, t := range running {
		execs, err := e.queue.ExecutionsFor(ctx, t.ID)
		if err != nil {
			return recovered, err
		}
		if hasLiveExecution(execs) {
			continue
		}
		t.Status = store.StatusPending
		t.LastError = "orphaned"
		if err := e.queue.Update(ctx, t); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func hasLiveExecution(execs []*store.Execution) bool {
	for _, ex := range execs {
		if ex.CompletedAt == nil {
			return true
		}
	}
	return false
}

// pollTick computes this tick's plan, reserves rate-limit slots for
// whatever is immediately schedulable, and invokes each in its own
// goroutine.
func (e *Executor) pollTick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.SchedulerLoopDuration.Observe(time.Since(start).Seconds()) }()

	if _, err := e.scheduler.PlanSchedule(ctx); err != nil {
		return err
	}
	ready := e.scheduler.GetImmediatelySchedulable()

	for _, dec := range ready {
		ok, err := e.rate.TryReserve(ctx, dec.Model)
		if err != nil {
			log.Printf("executor: reserving %s for task %s: %v", dec.Model, dec.TaskID, err)
			continue
		}
		if !ok {
			metrics.RateLimitRejections.WithLabelValues(dec.Model).Inc()
			metrics.SchedulerDecisions.WithLabelValues("deferred").Inc()
			continue
		}
		metrics.SchedulerDecisions.WithLabelValues("immediate").Inc()

		exec, err := e.queue.MarkRunning(ctx, dec.TaskID, dec.Model)
		if err != nil {
			log.Printf("executor: marking task %s running: %v", dec.TaskID, err)
			continue
		}

		e.mu.Lock()
		e.active[dec.TaskID] = struct{}{}
		e.mu.Unlock()

		e.wg.Add(1)
		go e.runOne(ctx, dec.TaskID, dec.Model, exec)
	}
	return nil
}

// runOne invokes a single task's backend call and records the
// outcome. It uses context.Background for the call itself so an
// in-flight invocation survives a poll-loop context cancellation long
// enough for the graceful-shutdown drain to observe its result.
func (e *Executor) runOne(ctx context.Context, taskID, model string, exec *store.Execution) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.active, taskID)
		e.mu.Unlock()
	}()

	t, err := e.queue.Get(context.Background(), taskID)
	if err != nil || t == nil {
		log.Printf("executor: fetching task %s before invocation: %v", taskID, err)
		return
	}
	e.bus.Emit(events.Event{Kind: events.TaskStart, Task: t})

	inv, ok := e.invokers[model]
	if !ok {
		e.recordFailure(context.Background(), taskID, model, exec, t, "no invoker configured for model "+model)
		return
	}

	started := time.Now()
	result, err := inv.Invoke(context.Background(), model, t.Prompt)
	metrics.TaskExecutionDuration.WithLabelValues(model).Observe(time.Since(started).Seconds())

	if err != nil {
		if apperr.Is(err, apperr.RateLimited) {
			if mErr := e.rate.MarkExhausted(context.Background(), model); mErr != nil {
				log.Printf("executor: marking %s exhausted: %v", model, mErr)
			}
		}
		e.recordFailure(context.Background(), taskID, model, exec, t, err.Error())
		return
	}

	e.recordSuccess(context.Background(), taskID, model, exec, t, result)
}

func (e *Executor) recordSuccess(ctx context.Context, taskID, model string, exec *store.Execution, t *store.Task, result string) {
	if err := e.queue.MarkCompleted(ctx, taskID, exec, result); err != nil {
		log.Printf("executor: marking task %s completed: %v", taskID, err)
		return
	}
	metrics.TaskExecutions.WithLabelValues(model, "success").Inc()
	e.bus.Emit(events.Event{Kind: events.TaskComplete, Task: t, Result: result})
}

func (e *Executor) recordFailure(ctx context.Context, taskID, model string, exec *store.Execution, t *store.Task, errMsg string) {
	willRetry := t.Attempts < t.MaxAttempts
	if err := e.queue.MarkFailed(ctx, taskID, exec, errMsg); err != nil {
		log.Printf("executor: marking task %s failed: %v", taskID, err)
		return
	}
	metrics.TaskExecutions.WithLabelValues(model, "failure").Inc()
	if willRetry {
		metrics.TaskRetries.Inc()
	}
	e.bus.Emit(events.Event{Kind: events.TaskFailed, Task: t, Error: errMsg})
}

// refreshMetrics recomputes the gauges that reflect point-in-time
// state rather than counted events, and runs the scheduling-time
// cycle backstop. It rides the health tick since none of this is
// urgent enough to warrant its own ticker.
func (e *Executor) refreshMetrics(ctx context.Context) {
	tasks, err := e.queue.GetAll(ctx)
	if err != nil {
		log.Printf("executor: refreshing queue depth metric: %v", err)
	} else {
		depths := make(map[[2]string]int)
		for _, t := range tasks {
			depths[[2]string{string(t.Status), string(t.Priority)}]++
		}
		for k, n := range depths {
			metrics.QueueDepth.WithLabelValues(k[0], k[1]).Set(float64(n))
		}
	}

	if rateStatus, err := e.rate.Status(ctx); err != nil {
		log.Printf("executor: refreshing rate limit metric: %v", err)
	} else {
		for model, snap := range rateStatus {
			metrics.RateLimitAvailable.WithLabelValues(model).Set(float64(snap.Limit - snap.Used))
		}
	}

	running, err := e.queue.GetRunning(ctx)
	if err != nil {
		log.Printf("executor: checking running tasks before cycle scan: %v", err)
		return
	}
	if len(running) > 0 {
		return // a scheduling pass is still making progress; no scan needed
	}
	n, err := e.queue.DetectAndFailCycles(ctx)
	if err != nil {
		log.Printf("executor: cycle detection: %v", err)
		return
	}
	if n > 0 {
		metrics.CyclesDetected.Add(float64(n))
		log.Printf("executor: failed %d task(s) participating in a dependency cycle", n)
	}
}

func (e *Executor) writeStatus() {
	e.mu.Lock()
	active := len(e.active)
	e.mu.Unlock()

	st := Status{
		PID:         os.Getpid(),
		StartedAt:   e.startedAt,
		Paused:      e.paused.Load(),
		LastTickAt:  time.Now(),
		ActiveTasks: active,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		log.Printf("executor: marshaling status: %v", err)
		return
	}
	if err := os.WriteFile(appdir.StatusPath(e.dir), data, 0o600); err != nil {
		log.Printf("executor: writing status file: %v", err)
	}
}

// GetStoredStatus reads the last status snapshot written by a running
// (or most recently running) executor in dir.
func GetStoredStatus(dir string) (*Status, error) {
	data, err := os.ReadFile(appdir.StatusPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// IsRunning probes whether the executor recorded in dir's PID file is
// still alive.
func IsRunning(dir string) (bool, error) {
	data, err := os.ReadFile(appdir.PIDPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false, nil
	}
	return processAlive(pid), nil
}

func writePIDFile(dir string) error {
	return os.WriteFile(appdir.PIDPath(dir), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// acquireLock enforces at most one executor per store directory. A
// stale lock left by a crashed process (its PID no longer alive) is
// reclaimed automatically.
func acquireLock(dir string) (func(), error) {
	path := appdir.LockPath(dir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, apperr.Wrap(apperr.StoreFailure, "acquiring executor lock", err)
		}
		if reclaimStaleLock(dir) {
			f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		}
		if err != nil {
			return nil, apperr.New(apperr.InvalidInput, "an executor is already running for this store")
		}
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()
	return func() { os.Remove(path) }, nil
}

// reclaimStaleLock removes a lockfile left by a process that is no
// longer alive. It trusts the PID recorded in the lockfile itself,
// not the separate PID file, since the lock is acquired before that
// file is written.
func reclaimStaleLock(dir string) bool {
	data, err := os.ReadFile(appdir.LockPath(dir))
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false
	}
	if processAlive(pid) {
		return false
	}
	os.Remove(appdir.LockPath(dir))
	os.Remove(appdir.PIDPath(dir))
	return true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
