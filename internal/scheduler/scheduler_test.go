package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/itskum47/modelrouter/internal/queue"
	"github.com/itskum47/modelrouter/internal/ratelimit"
	"github.com/itskum47/modelrouter/internal/router"
	"github.com/itskum47/modelrouter/internal/store"
)

func newHarness(t *testing.T, cfgs []ratelimit.ModelConfig, table router.CandidateTable) (*Scheduler, *queue.Queue) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, 0, 0)
	rc, err := ratelimit.New(context.Background(), st, cfgs)
	if err != nil {
		t.Fatal(err)
	}
	r := router.New(router.NewKeyword(), table)
	sched := New(q, r, rc, Config{MaxConcurrent: 2})
	return sched, q
}

func TestPlanSchedulePicksAvailableModel(t *testing.T) {
	ctx := context.Background()
	sched, q := newHarness(t,
		[]ratelimit.ModelConfig{{Model: "m1", MaxRequests: 0, WindowDuration: time.Minute}, {Model: "m2", MaxRequests: 10, WindowDuration: time.Minute}},
		router.CandidateTable{store.CategoryCoding: {"m1", "m2"}},
	)
	_, err := q.Add(ctx, store.TaskInput{Title: "t", Prompt: "p", Category: store.CategoryCoding, Priority: store.PriorityMedium})
	if err != nil {
		t.Fatal(err)
	}

	decisions, err := sched.PlanSchedule(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 1 || decisions[0].Model != "m2" {
		t.Fatalf("expected m2 chosen (m1 exhausted), got %+v", decisions)
	}
}

func TestPlanScheduleEmptyWhenNoSlots(t *testing.T) {
	ctx := context.Background()
	sched, q := newHarness(t,
		[]ratelimit.ModelConfig{{Model: "m1", MaxRequests: 10, WindowDuration: time.Minute}},
		router.CandidateTable{store.CategoryQuick: {"m1"}},
	)
	sched.cfg.MaxConcurrent = 0
	_, err := q.Add(ctx, store.TaskInput{Title: "t", Prompt: "p", Category: store.CategoryQuick, Priority: store.PriorityMedium})
	if err != nil {
		t.Fatal(err)
	}
	decisions, err := sched.PlanSchedule(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 0 {
		t.Fatalf("expected no decisions with zero slots, got %+v", decisions)
	}
}

func TestPlanSchedulePriorityOrder(t *testing.T) {
	ctx := context.Background()
	sched, q := newHarness(t,
		[]ratelimit.ModelConfig{{Model: "m1", MaxRequests: 1, WindowDuration: time.Minute}},
		router.CandidateTable{store.CategoryQuick: {"m1"}},
	)
	_, err := q.Add(ctx, store.TaskInput{Title: "low", Prompt: "p", Category: store.CategoryQuick, Priority: store.PriorityLow})
	if err != nil {
		t.Fatal(err)
	}
	critID, err := q.Add(ctx, store.TaskInput{Title: "crit", Prompt: "p", Category: store.CategoryQuick, Priority: store.PriorityCritical})
	if err != nil {
		t.Fatal(err)
	}

	decisions, err := sched.PlanSchedule(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 || decisions[0].TaskID != critID {
		t.Fatalf("expected critical task scheduled first despite later createdAt, got %+v", decisions)
	}
}

func TestPlanScheduleFutureDecisionDoesNotConsumeSlot(t *testing.T) {
	ctx := context.Background()
	sched, q := newHarness(t,
		[]ratelimit.ModelConfig{
			{Model: "m1", MaxRequests: 0, WindowDuration: time.Hour},
			{Model: "m2", MaxRequests: 10, WindowDuration: time.Minute},
		},
		router.CandidateTable{store.CategoryQuick: {"m1"}, store.CategoryCoding: {"m2"}},
	)
	sched.cfg.MaxConcurrent = 1
	// a sorts first (higher priority) and can only get a future decision;
	// b must still get the single slot.
	aID, err := q.Add(ctx, store.TaskInput{Title: "a", Prompt: "p", Category: store.CategoryQuick, Priority: store.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}
	bID, err := q.Add(ctx, store.TaskInput{Title: "b", Prompt: "p", Category: store.CategoryCoding, Priority: store.PriorityMedium})
	if err != nil {
		t.Fatal(err)
	}

	decisions, err := sched.PlanSchedule(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 || decisions[0].TaskID != aID {
		t.Fatalf("expected future decision for a plus an immediate one for b, got %+v", decisions)
	}
	if !decisions[0].ScheduledFor.After(time.Now()) {
		t.Fatalf("expected future scheduledFor, got %v", decisions[0].ScheduledFor)
	}
	immediate := sched.GetImmediatelySchedulable()
	if len(immediate) != 1 || immediate[0].TaskID != bID {
		t.Fatalf("expected only b immediately schedulable in the single slot, got %+v", immediate)
	}
}

func TestPreferredModelPrependsCandidates(t *testing.T) {
	ctx := context.Background()
	sched, q := newHarness(t,
		[]ratelimit.ModelConfig{
			{Model: "default", MaxRequests: 10, WindowDuration: time.Minute},
			{Model: "preferred", MaxRequests: 10, WindowDuration: time.Minute},
		},
		router.CandidateTable{store.CategoryQuick: {"default"}},
	)
	_, err := q.Add(ctx, store.TaskInput{Title: "t", Prompt: "p", Category: store.CategoryQuick, Priority: store.PriorityMedium, PreferredModel: "preferred"})
	if err != nil {
		t.Fatal(err)
	}
	decisions, err := sched.PlanSchedule(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 1 || decisions[0].Model != "preferred" {
		t.Fatalf("expected preferred model chosen, got %+v", decisions)
	}
}
