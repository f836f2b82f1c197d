package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is a sliding log of admissions.
type Window interface {
	// Admit records cost admissions at now when fewer than limit-cost+1
	// admissions fall inside (now-window, now]. Otherwise it records nothing
	// and returns how long until enough old entries expire.
	Admit(ctx context.Context, now time.Time, cost, limit int, window time.Duration) (time.Duration, error)
	// Count returns the admissions inside (now-window, now].
	Count(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

// MemoryWindow is the in-process Window. Timestamps are kept in
// admission order, which is also time order.
type MemoryWindow struct {
	mu  sync.Mutex
	log []time.Time
}

func NewMemoryWindow() *MemoryWindow { return &MemoryWindow{} }

func (w *MemoryWindow) Admit(_ context.Context, now time.Time, cost, limit int, window time.Duration) (time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now, window)

	if len(w.log)+cost <= limit {
		for i := 0; i < cost; i++ {
			w.log = append(w.log, now)
		}
		return 0, nil
	}
	// The k-th oldest entry has to expire before cost more fit.
	k := len(w.log) + cost - limit
	wait := w.log[k-1].Add(window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, nil
}

func (w *MemoryWindow) Count(_ context.Context, now time.Time, window time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now, window)
	return len(w.log), nil
}

// pruneLocked drops entries at or before now-window.
func (w *MemoryWindow) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.log) && !w.log[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.log = append(w.log[:0], w.log[i:]...)
	}
}

// Record appends cost admissions at now without checking the limit. The
// governor uses it to mirror grants made by a shared backend, so the local
// fallback starts from real history.
func (w *MemoryWindow) Record(now time.Time, cost int, window time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now, window)
	for i := 0; i < cost; i++ {
		w.log = append(w.log, now)
	}
}
