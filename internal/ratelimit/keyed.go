package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed hands out one token bucket per key (per delivery destination) and
// forgets keys that have been idle for a while.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type keyedEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewKeyed(rps float64, burst int, idleTTL time.Duration) *Keyed {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &Keyed{
		entries: map[string]*keyedEntry{},
		rps:     limitOf(rps),
		burst:   max(1, burst),
		idleTTL: idleTTL,
	}
}

func limitOf(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// SetRate updates every existing bucket and the template for new ones.
func (k *Keyed) SetRate(rps float64, burst int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rps = limitOf(rps)
	k.burst = max(1, burst)
	for _, e := range k.entries {
		e.lim.SetLimit(k.rps)
		e.lim.SetBurst(k.burst)
	}
}

func (k *Keyed) Get(key string) *rate.Limiter {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.entries[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := rate.NewLimiter(k.rps, k.burst)
	k.entries[key] = &keyedEntry{lim: lim, lastSeen: now}
	return lim
}

// Wait blocks until key has a token.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	return k.Get(key).Wait(ctx)
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Cleanup drops buckets idle longer than the TTL.
func (k *Keyed) Cleanup() {
	cutoff := time.Now().Add(-k.idleTTL)
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.entries {
		if e.lastSeen.Before(cutoff) {
			delete(k.entries, key)
		}
	}
}

// RunJanitor calls Cleanup every interval until ctx ends.
func (k *Keyed) RunJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 2 * time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			k.Cleanup()
		}
	}
}
