package executor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/modelrouter/internal/apperr"
	"github.com/itskum47/modelrouter/internal/events"
	"github.com/itskum47/modelrouter/internal/invoker"
	"github.com/itskum47/modelrouter/internal/queue"
	"github.com/itskum47/modelrouter/internal/ratelimit"
	"github.com/itskum47/modelrouter/internal/router"
	"github.com/itskum47/modelrouter/internal/scheduler"
	"github.com/itskum47/modelrouter/internal/store"
)

// stubInvoker records every call and returns a scripted result.
type stubInvoker struct {
	mu    sync.Mutex
	calls int
	err   error
	out   string
}

func (s *stubInvoker) Invoke(ctx context.Context, model, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.out, nil
}

func newHarness(t *testing.T, inv invoker.Invoker) (*Executor, *queue.Queue, *store.SQLiteStore, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, 0, 0)
	rc, err := ratelimit.New(context.Background(), st, []ratelimit.ModelConfig{
		{Model: "m1", MaxRequests: 10, WindowDuration: time.Minute},
	})
	if err != nil {
		t.Fatal(err)
	}
	r := router.New(router.NewKeyword(), router.CandidateTable{store.CategoryQuick: {"m1"}})
	sched := scheduler.New(q, r, rc, scheduler.Config{MaxConcurrent: 2})
	bus := events.New()

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.GracefulShutdownTimeout = 2 * time.Second

	exec := New(q, sched, rc, map[string]invoker.Invoker{"m1": inv}, bus, dir, cfg)
	return exec, q, st, dir
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestPollTickRunsReadyTaskToCompletion(t *testing.T) {
	ctx := context.Background()
	inv := &stubInvoker{out: "done"}
	exec, q, _, _ := newHarness(t, inv)

	taskID, err := q.Add(ctx, store.TaskInput{Title: "t", Prompt: "hi", Category: store.CategoryQuick, Priority: store.PriorityMedium})
	if err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		exec.Run(runCtx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		task, err := q.Get(ctx, taskID)
		return err == nil && task != nil && task.Status == store.StatusCompleted
	})

	cancel()
	<-done

	task, err := q.Get(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Result != "done" {
		t.Fatalf("expected result %q, got %q", "done", task.Result)
	}
}

func TestPollTickFailureReschedulesUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	inv := &stubInvoker{err: apperr.New(apperr.InvocationFailed, "boom")}
	exec, q, _, _ := newHarness(t, inv)

	taskID, err := q.Add(ctx, store.TaskInput{Title: "t", Prompt: "hi", Category: store.CategoryQuick, Priority: store.PriorityMedium, MaxAttempts: 2})
	if err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		exec.Run(runCtx)
		close(done)
	}()

	waitFor(t, 3*time.Second, func() bool {
		task, err := q.Get(ctx, taskID)
		return err == nil && task != nil && task.Status == store.StatusFailed
	})

	cancel()
	<-done

	task, err := q.Get(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Attempts != 2 {
		t.Fatalf("expected 2 attempts before terminal failure, got %d", task.Attempts)
	}
	if task.LastError == "" {
		t.Fatalf("expected lastError retained on terminal failure")
	}
}

func TestPauseStopsAdmittingNewWork(t *testing.T) {
	ctx := context.Background()
	inv := &stubInvoker{out: "done"}
	exec, q, _, _ := newHarness(t, inv)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		exec.Run(runCtx)
		close(done)
	}()
	defer func() { cancel(); <-done }()

	waitFor(t, time.Second, func() bool { return true }) // let the first health tick land
	exec.Pause()
	if !exec.IsPaused() {
		t.Fatal("expected IsPaused true after Pause")
	}

	taskID, err := q.Add(ctx, store.TaskInput{Title: "t", Prompt: "hi", Category: store.CategoryQuick, Priority: store.PriorityMedium})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	task, err := q.Get(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.StatusPending {
		t.Fatalf("expected task to remain pending while paused, got %s", task.Status)
	}

	exec.Resume()
	waitFor(t, 2*time.Second, func() bool {
		task, err := q.Get(ctx, taskID)
		return err == nil && task != nil && task.Status == store.StatusCompleted
	})
}

func TestRecoverOrphansLeavesGenuinelyInFlightTasksAlone(t *testing.T) {
	ctx := context.Background()
	inv := &stubInvoker{out: "done"}
	exec, q, _, _ := newHarness(t, inv)

	taskID, err := q.Add(ctx, store.TaskInput{Title: "t", Prompt: "hi", Category: store.CategoryQuick, Priority: store.PriorityMedium})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.MarkRunning(ctx, taskID, "m1"); err != nil {
		t.Fatal(err)
	}

	// The execution just created by MarkRunning has no CompletedAt —
	// it is genuinely still in flight, so recovery must not touch it.
	n, err := exec.recoverOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 orphans recovered for a live execution, got %d", n)
	}
	task, err := q.Get(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.StatusRunning {
		t.Fatalf("expected task to remain running, got %s", task.Status)
	}
}

// TestRecoverOrphansResetsRunningWithNoLiveExecution covers the crash
// window where a prior process recorded an execution's outcome but
// died before updating the task's own status — the execution row is
// complete but the task is stuck showing running.
func TestRecoverOrphansResetsRunningWithNoLiveExecution(t *testing.T) {
	ctx := context.Background()
	inv := &stubInvoker{out: "done"}
	exec, q, st, _ := newHarness(t, inv)

	taskID, err := q.Add(ctx, store.TaskInput{Title: "t", Prompt: "hi", Category: store.CategoryQuick, Priority: store.PriorityMedium})
	if err != nil {
		t.Fatal(err)
	}
	execRow, err := q.MarkRunning(ctx, taskID, "m1")
	if err != nil {
		t.Fatal(err)
	}
	completed := time.Now()
	execRow.CompletedAt = &completed
	execRow.Success = false
	execRow.Error = "crashed mid-invocation"
	if err := st.UpdateExecution(ctx, execRow); err != nil {
		t.Fatal(err)
	}

	n, err := exec.recoverOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan recovered, got %d", n)
	}
	task, err := q.Get(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.StatusPending {
		t.Fatalf("expected orphaned task reset to pending, got %s", task.Status)
	}
	if task.LastError != "orphaned" {
		t.Fatalf("expected lastError=orphaned, got %q", task.LastError)
	}
}

func TestLockfilePreventsSecondExecutor(t *testing.T) {
	dir := t.TempDir()
	unlock, err := acquireLock(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	if _, err := acquireLock(dir); err == nil {
		t.Fatal("expected second lock acquisition to fail")
	} else if !apperr.Is(err, apperr.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestIsRunningFalseWithNoPIDFile(t *testing.T) {
	dir := t.TempDir()
	running, err := IsRunning(dir)
	if err != nil {
		t.Fatal(err)
	}
	if running {
		t.Fatal("expected IsRunning false with no PID file")
	}
}
