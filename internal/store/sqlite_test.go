package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/itskum47/modelrouter/internal/ids"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(status Status, priority Priority) *Task {
	return &Task{
		ID:          ids.New("task"),
		Title:       "t",
		Prompt:      "p",
		Category:    CategoryQuick,
		Priority:    priority,
		Status:      status,
		MaxAttempts: 3,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tk := newTask(StatusPending, PriorityHigh)
	tk.DependsOn = []string{"a", "b"}
	if err := s.InsertTask(ctx, tk); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.Title != tk.Title || got.Prompt != tk.Prompt || len(got.DependsOn) != 2 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetTask(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestReadyTasksRespectDependencies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := newTask(StatusCompleted, PriorityMedium)
	completedAt := time.Now()
	a.CompletedAt = &completedAt
	if err := s.InsertTask(ctx, a); err != nil {
		t.Fatal(err)
	}

	b := newTask(StatusPending, PriorityMedium)
	b.DependsOn = []string{a.ID}
	if err := s.InsertTask(ctx, b); err != nil {
		t.Fatal(err)
	}

	c := newTask(StatusPending, PriorityMedium)
	c.DependsOn = []string{"does-not-exist"}
	if err := s.InsertTask(ctx, c); err != nil {
		t.Fatal(err)
	}

	ready, err := s.GetReadyTasks(ctx)
	if err != nil {
		t.Fatalf("GetReadyTasks: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("expected only b ready, got %+v", ready)
	}
}

func TestReadyTasksPriorityOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	low := newTask(StatusPending, PriorityLow)
	if err := s.InsertTask(ctx, low); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	crit := newTask(StatusPending, PriorityCritical)
	if err := s.InsertTask(ctx, crit); err != nil {
		t.Fatal(err)
	}

	ready, err := s.GetReadyTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 || ready[0].ID != crit.ID {
		t.Fatalf("expected critical first, got %+v", ready)
	}
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.InsertTask(ctx, newTask(StatusPending, PriorityLow)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.InsertTask(ctx, newTask(StatusFailed, PriorityLow)); err != nil {
		t.Fatal(err)
	}

	stats, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 3 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRateWindowRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := &RateWindow{
		Model:          "openai/gpt",
		CurrentUsage:   2,
		MaxRequests:    10,
		WindowStart:    time.Now().Truncate(time.Millisecond),
		WindowDuration: 60 * time.Second,
	}
	if err := s.UpsertRateWindow(ctx, w); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRateWindow(ctx, "openai/gpt")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentUsage != 2 || got.MaxRequests != 10 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestReopenAfterClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	tk := newTask(StatusPending, PriorityMedium)
	if err := s1.InsertTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Title != tk.Title {
		t.Fatalf("expected task to survive reopen, got %+v", got)
	}
}
