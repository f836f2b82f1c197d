package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "modwatch/pkg/logx"
)

// ErrCostTooHigh is returned when a single acquisition exceeds the limit and
// could never be admitted.
var ErrCostTooHigh = errors.New("ratelimit: cost exceeds window limit")

// Governor admits at most Limit units in any rolling Window. Callers wait in
// strict arrival order; nobody is rejected, only delayed.
//
// Only the head of the queue talks to the window backend. Everyone behind it
// parks on a channel that is closed when they reach the head.
type Governor struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	backend Window
	local   *MemoryWindow // used when a shared backend is unreachable
	queue   []*ticket
	paused  time.Time
	poke    chan struct{}

	log logx.Logger
	now func() time.Time
}

type ticket struct {
	head chan struct{}
}

type Option func(*Governor)

// WithWindow replaces the in-process sliding log, e.g. with a RedisWindow.
func WithWindow(w Window) Option { return func(g *Governor) { g.backend = w } }

func WithLogger(log logx.Logger) Option { return func(g *Governor) { g.log = log } }

func NewGovernor(limit int, window time.Duration, opts ...Option) *Governor {
	g := &Governor{
		limit:  max(1, limit),
		window: window,
		local:  NewMemoryWindow(),
		poke:   make(chan struct{}, 1),
		now:    time.Now,
	}
	if g.window <= 0 {
		g.window = time.Minute
	}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	if g.backend == nil {
		g.backend = g.local
	}
	return g
}

// Limit returns the configured budget.
func (g *Governor) Limit() (int, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit, g.window
}

// SetLimit changes the budget; the current head re-evaluates immediately.
func (g *Governor) SetLimit(limit int, window time.Duration) {
	g.mu.Lock()
	g.limit = max(1, limit)
	if window > 0 {
		g.window = window
	}
	g.mu.Unlock()
	g.wake()
}

// PauseUntil holds every admission until t (for upstream Retry-After).
// An earlier t than the current pause is ignored.
func (g *Governor) PauseUntil(t time.Time) {
	g.mu.Lock()
	if t.After(g.paused) {
		g.paused = t
	}
	g.mu.Unlock()
	g.wake()
}

// Waiting reports how many callers are queued, including the head.
func (g *Governor) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Remaining reports how many units could be admitted right now.
func (g *Governor) Remaining(ctx context.Context) int {
	g.mu.Lock()
	limit, window, paused := g.limit, g.window, g.paused
	g.mu.Unlock()
	now := g.now()
	if now.Before(paused) {
		return 0
	}
	used, err := g.backend.Count(ctx, now, window)
	if err != nil {
		used, _ = g.local.Count(ctx, now, window)
	}
	return max(0, limit-used)
}

// Acquire blocks until cost units fit in the window and returns the time the
// admission was recorded at. The only errors are ctx cancellation and
// ErrCostTooHigh.
func (g *Governor) Acquire(ctx context.Context, cost int) (time.Time, error) {
	if cost <= 0 {
		cost = 1
	}
	start := g.now()
	t := &ticket{head: make(chan struct{})}
	g.mu.Lock()
	if cost > g.limit {
		g.mu.Unlock()
		return time.Time{}, ErrCostTooHigh
	}
	g.queue = append(g.queue, t)
	if len(g.queue) == 1 {
		close(t.head)
	}
	g.mu.Unlock()
	defer g.leave(t)

	select {
	case <-t.head:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}

	for {
		g.mu.Lock()
		limit, window, paused := g.limit, g.window, g.paused
		g.mu.Unlock()
		if cost > limit {
			return time.Time{}, ErrCostTooHigh
		}

		now := g.now()
		wait := paused.Sub(now)
		if wait <= 0 {
			var err error
			wait, err = g.backend.Admit(ctx, now, cost, limit, window)
			if err != nil {
				if ctx.Err() != nil {
					return time.Time{}, ctx.Err()
				}
				g.log.Warn("rate window backend failed; using local window", logx.Err(err))
				wait, _ = g.local.Admit(ctx, now, cost, limit, window)
			} else if wait <= 0 && g.backend != Window(g.local) {
				g.local.Record(now, cost, window)
			}
			if wait <= 0 {
				observeAcquire(now.Sub(start))
				return now, nil
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		case <-g.poke:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// leave removes t from the queue and, if t was the head, promotes the next.
func (g *Governor) leave(t *ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, q := range g.queue {
		if q != t {
			continue
		}
		g.queue = append(g.queue[:i], g.queue[i+1:]...)
		if i == 0 && len(g.queue) > 0 {
			close(g.queue[0].head)
		}
		return
	}
}

func (g *Governor) wake() {
	select {
	case g.poke <- struct{}{}:
	default:
	}
}
