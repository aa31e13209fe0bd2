// Package scheduler prioritizes ready tasks and resolves each to the
// first candidate model whose rate-limit window currently admits a
// reservation, producing a per-tick plan the executor consumes.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/modelrouter/internal/queue"
	"github.com/itskum47/modelrouter/internal/ratelimit"
	"github.com/itskum47/modelrouter/internal/router"
	"github.com/itskum47/modelrouter/internal/store"
)

// Decision is a single tick's routing outcome for one task. Decisions
// are an in-memory artifact; they are never persisted.
type Decision struct {
	TaskID              string
	Model               string
	ScheduledFor        time.Time
	EstimatedCompletion time.Time
}

// DefaultWeights is the priority-bucket ordering spec.md mandates.
var DefaultWeights = map[store.Priority]int{
	store.PriorityCritical: 1000,
	store.PriorityHigh:     100,
	store.PriorityMedium:   10,
	store.PriorityLow:      1,
}

// Config tunes the scheduler's admission and ordering behavior.
type Config struct {
	MaxConcurrent int
	Weights       map[store.Priority]int
}

// Scheduler produces ScheduleDecisions for ready tasks each tick.
type Scheduler struct {
	queue  *queue.Queue
	router *router.Router
	rate   *ratelimit.Coordinator
	cfg    Config

	mu   sync.Mutex
	plan []Decision // current tick's cache, discarded on the next tick
}

// New constructs a Scheduler. A zero-value Weights map in cfg falls
// back to DefaultWeights.
func New(q *queue.Queue, r *router.Router, rc *ratelimit.Coordinator, cfg Config) *Scheduler {
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights
	}
	return &Scheduler{queue: q, router: r, rate: rc, cfg: cfg}
}

func estimatedDuration(t *store.Task) time.Duration {
	if t.EstimatedMillis <= 0 {
		return 0
	}
	return time.Duration(t.EstimatedMillis) * time.Millisecond
}

func (s *Scheduler) weight(p store.Priority) int {
	if w, ok := s.cfg.Weights[p]; ok {
		return w
	}
	return 0
}

func (s *Scheduler) sortReady(tasks []*store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		wi, wj := s.weight(tasks[i].Priority), s.weight(tasks[j].Priority)
		if wi != wj {
			return wi > wj
		}
		di, dj := tasks[i].Deadline, tasks[j].Deadline
		if di == nil && dj != nil {
			return false
		}
		if di != nil && dj == nil {
			return true
		}
		if di != nil && dj != nil && !di.Equal(*dj) {
			return di.Before(*dj)
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// PlanSchedule computes and caches this tick's plan: ready tasks
// ordered by priority, each resolved to the first currently
// available candidate model, or to the earliest future candidate if
// none is available now. Immediate decisions are capped at
// availableSlots; future-dated decisions are recorded regardless and
// do not consume a slot.
func (s *Scheduler) PlanSchedule(ctx context.Context) ([]Decision, error) {
	ready, err := s.queue.GetReady(ctx)
	if err != nil {
		return nil, err
	}
	running, err := s.queue.GetRunning(ctx)
	if err != nil {
		return nil, err
	}
	availableSlots := s.cfg.MaxConcurrent - len(running)

	s.mu.Lock()
	defer s.mu.Unlock()

	if availableSlots <= 0 || len(ready) == 0 {
		s.plan = nil
		return nil, nil
	}

	s.sortReady(ready)

	var decisions []Decision
	slotsUsed := 0
	now := time.Now()
	for _, t := range ready {
		dec, immediate, ok := s.resolveOne(ctx, t, now)
		if !ok {
			continue
		}
		if immediate {
			if slotsUsed >= availableSlots {
				continue
			}
			slotsUsed++
		}
		decisions = append(decisions, dec)
	}

	s.plan = decisions
	return decisions, nil
}

// resolveOne walks a task's candidate models, returning the first
// available one (immediate=true) or the earliest future candidate
// (immediate=false). ok is false when there is no configured
// candidate, or when the rate-limit lookup failed for every candidate.
func (s *Scheduler) resolveOne(ctx context.Context, t *store.Task, now time.Time) (Decision, bool, bool) {
	candidates := s.router.CandidatesFor(t.Category, t.PreferredModel)

	var bestFuture time.Time
	bestFutureModel := ""
	for _, model := range candidates {
		avail, err := s.rate.IsAvailable(ctx, model)
		if err != nil {
			continue
		}
		if avail {
			return Decision{
				TaskID:              t.ID,
				Model:               model,
				ScheduledFor:        now,
				EstimatedCompletion: now.Add(estimatedDuration(t)),
			}, true, true
		}
		next, err := s.rate.GetNextAvailable(ctx, model)
		if err != nil {
			continue
		}
		if bestFutureModel == "" || next.Before(bestFuture) {
			bestFuture = next
			bestFutureModel = model
		}
	}

	if bestFutureModel == "" {
		return Decision{}, false, false
	}
	return Decision{
		TaskID:              t.ID,
		Model:               bestFutureModel,
		ScheduledFor:        bestFuture,
		EstimatedCompletion: bestFuture.Add(estimatedDuration(t)),
	}, false, true
}

// GetImmediatelySchedulable returns the cached plan's decisions whose
// ScheduledFor has already arrived.
func (s *Scheduler) GetImmediatelySchedulable() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []Decision
	for _, d := range s.plan {
		if !d.ScheduledFor.After(now) {
			out = append(out, d)
		}
	}
	return out
}

// Reschedule recomputes a single task's decision and replaces it in
// the cached plan, if present.
func (s *Scheduler) Reschedule(ctx context.Context, taskID string) (*Decision, error) {
	t, err := s.queue.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	dec, _, ok := s.resolveOne(ctx, t, time.Now())
	if !ok {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i, d := range s.plan {
		if d.TaskID == taskID {
			s.plan[i] = dec
			replaced = true
			break
		}
	}
	if !replaced {
		s.plan = append(s.plan, dec)
	}
	return &dec, nil
}

// CurrentPlan returns a copy of this tick's cached decisions.
func (s *Scheduler) CurrentPlan() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.plan...)
}
