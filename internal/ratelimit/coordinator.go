// Package ratelimit implements the per-model fixed-window rate
// coordinator: an atomic check-and-reserve primitive backed by the
// durable store, serialized through a single process-wide mutex.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/modelrouter/internal/store"
)

// ModelConfig is the seed configuration for a model's rate window.
type ModelConfig struct {
	Model          string
	MaxRequests    int
	WindowDuration time.Duration
}

// Snapshot is the point-in-time availability of one model.
type Snapshot struct {
	Available       bool
	Used            int
	Limit           int
	ResetsInSeconds int64
}

// Coordinator serializes all reservation decisions for every model
// behind a single mutex. isAvailable is advisory and read-only;
// tryReserve is the only primitive that consumes quota.
type Coordinator struct {
	store store.Store
	mu    sync.Mutex
}

// New constructs a Coordinator over the given durable store, seeding
// any model configuration absent from the store.
func New(ctx context.Context, st store.Store, configs []ModelConfig) (*Coordinator, error) {
	c := &Coordinator{store: st}
	now := time.Now()
	for _, cfg := range configs {
		existing, err := st.GetRateWindow(ctx, cfg.Model)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			continue
		}
		if err := st.UpsertRateWindow(ctx, &store.RateWindow{
			Model:          cfg.Model,
			CurrentUsage:   0,
			MaxRequests:    cfg.MaxRequests,
			WindowStart:    now,
			WindowDuration: cfg.WindowDuration,
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// IsAvailable is an advisory, lock-free read: it may race with
// concurrent reservations and must never be used to consume quota.
func (c *Coordinator) IsAvailable(ctx context.Context, model string) (bool, error) {
	w, err := c.store.GetRateWindow(ctx, model)
	if err != nil {
		return false, err
	}
	if w == nil {
		return false, nil
	}
	if elapsed(w) {
		return true, nil
	}
	return w.CurrentUsage < w.MaxRequests, nil
}

// TryReserve atomically checks and, if admitted, increments a model's
// in-window usage counter. It is the only primitive callers may use
// to consume quota.
func (c *Coordinator) TryReserve(ctx context.Context, model string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.store.GetRateWindow(ctx, model)
	if err != nil {
		return false, err
	}
	if w == nil {
		return false, nil
	}

	now := time.Now()
	if elapsed(w) {
		w.CurrentUsage = 1
		w.WindowStart = now
		return true, c.store.UpsertRateWindow(ctx, w)
	}
	if w.CurrentUsage < w.MaxRequests {
		w.CurrentUsage++
		return true, c.store.UpsertRateWindow(ctx, w)
	}
	return false, nil
}

// GetNextAvailable returns when the model will next admit a
// reservation: now if currently available, otherwise the window's
// reset time.
func (c *Coordinator) GetNextAvailable(ctx context.Context, model string) (time.Time, error) {
	w, err := c.store.GetRateWindow(ctx, model)
	if err != nil {
		return time.Time{}, err
	}
	if w == nil {
		return time.Time{}, nil
	}
	available, err := c.IsAvailable(ctx, model)
	if err != nil {
		return time.Time{}, err
	}
	if available {
		return time.Now(), nil
	}
	return w.WindowStart.Add(w.WindowDuration), nil
}

// MarkExhausted saturates a model's window in response to an
// observed 429 from the backend, without shifting windowStart.
func (c *Coordinator) MarkExhausted(ctx context.Context, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.store.GetRateWindow(ctx, model)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	w.CurrentUsage = w.MaxRequests
	return c.store.UpsertRateWindow(ctx, w)
}

// Status returns a point-in-time snapshot of every configured model.
func (c *Coordinator) Status(ctx context.Context) (map[string]Snapshot, error) {
	windows, err := c.store.AllRateWindows(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Snapshot, len(windows))
	now := time.Now()
	for _, w := range windows {
		var used int
		var resetsIn int64
		available := elapsed(w)
		if available {
			used = 0
			resetsIn = 0
		} else {
			used = w.CurrentUsage
			available = used < w.MaxRequests
			resetsIn = int64(w.WindowStart.Add(w.WindowDuration).Sub(now).Seconds())
			if resetsIn < 0 {
				resetsIn = 0
			}
		}
		out[w.Model] = Snapshot{
			Available:       available,
			Used:            used,
			Limit:           w.MaxRequests,
			ResetsInSeconds: resetsIn,
		}
	}
	return out, nil
}

func elapsed(w *store.RateWindow) bool {
	return time.Since(w.WindowStart) > w.WindowDuration
}
