package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	logx "modwatch/pkg/logx"
)

func TestGovernorNeverExceedsWindow(t *testing.T) {
	t.Parallel()

	const (
		limit   = 3
		window  = 120 * time.Millisecond
		callers = 20
	)
	g := NewGovernor(limit, window)

	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			at, err := g.Acquire(context.Background(), 1)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			grants = append(grants, at)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(grants) != callers {
		t.Fatalf("got %d grants want %d", len(grants), callers)
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for i := 0; i+limit < len(grants); i++ {
		if gap := grants[i+limit].Sub(grants[i]); gap < window {
			t.Fatalf("grants %d and %d are %v apart; more than %d in a %v window", i, i+limit, gap, limit, window)
		}
	}
}

func TestGovernorIsFIFO(t *testing.T) {
	t.Parallel()

	g := NewGovernor(1, 150*time.Millisecond)
	if _, err := g.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := g.Acquire(context.Background(), 1); err != nil {
				t.Errorf("Acquire: %v", err)
			}
			order <- i
		}(i)
		waitFor(t, func() bool { return g.Waiting() >= i+1 })
	}
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("waiter %d admitted in position %d", got, want)
		}
		want++
	}
}

func TestGovernorCancelledWaiterDoesNotStall(t *testing.T) {
	t.Parallel()

	g := NewGovernor(1, 500*time.Millisecond)
	if _, err := g.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, 1)
		errCh <- err
	}()
	waitFor(t, func() bool { return g.Waiting() == 1 })

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := g.Acquire(context.Background(), 1); err != nil {
			t.Errorf("Acquire: %v", err)
		}
	}()
	waitFor(t, func() bool { return g.Waiting() == 2 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter err=%v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("second waiter never admitted")
	}
}

func TestGovernorRemainingAndPause(t *testing.T) {
	t.Parallel()

	g := NewGovernor(5, time.Minute)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := g.Acquire(ctx, 1); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if got := g.Remaining(ctx); got != 3 {
		t.Fatalf("Remaining()=%d want 3", got)
	}

	g.PauseUntil(time.Now().Add(80 * time.Millisecond))
	if got := g.Remaining(ctx); got != 0 {
		t.Fatalf("Remaining() while paused=%d want 0", got)
	}
	start := time.Now()
	if _, err := g.Acquire(ctx, 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if waited := time.Since(start); waited < 70*time.Millisecond {
		t.Fatalf("Acquire returned after %v despite pause", waited)
	}
}

func TestGovernorCostTooHigh(t *testing.T) {
	t.Parallel()

	g := NewGovernor(2, time.Second)
	if _, err := g.Acquire(context.Background(), 3); !errors.Is(err, ErrCostTooHigh) {
		t.Fatalf("err=%v want ErrCostTooHigh", err)
	}
}

// failingWindow admits through an inner window until ok runs out, then errors.
type failingWindow struct {
	mu    sync.Mutex
	inner *MemoryWindow
	ok    int
}

func (w *failingWindow) Admit(ctx context.Context, now time.Time, cost, limit int, window time.Duration) (time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ok <= 0 {
		return 0, errors.New("backend down")
	}
	w.ok--
	return w.inner.Admit(ctx, now, cost, limit, window)
}

func (w *failingWindow) Count(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ok <= 0 {
		return 0, errors.New("backend down")
	}
	return w.inner.Count(ctx, now, window)
}

func TestGovernorFallbackKeepsBackendHistory(t *testing.T) {
	t.Parallel()

	g := NewGovernor(5, time.Hour, WithWindow(&failingWindow{inner: NewMemoryWindow(), ok: 5}))
	for i := 0; i < 5; i++ {
		if _, err := g.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if got := g.Remaining(context.Background()); got != 0 {
		t.Fatalf("Remaining() after failover=%d want 0", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("sixth admission in the window err=%v; want it held", err)
	}
}

func TestGovernorWithoutLoggerWarnsSafely(t *testing.T) {
	t.Parallel()

	for name, opts := range map[string][]Option{
		"no logger":   nil,
		"zero logger": {WithLogger(logx.Logger{})},
	} {
		g := NewGovernor(2, time.Hour, append(opts, WithWindow(&failingWindow{inner: NewMemoryWindow()}))...)
		if _, err := g.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("%s: Acquire on a failing backend: %v", name, err)
		}
	}
}

func TestMemoryWindowWait(t *testing.T) {
	t.Parallel()

	w := NewMemoryWindow()
	ctx := context.Background()
	base := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		wait, _ := w.Admit(ctx, base.Add(time.Duration(i)*time.Second), 1, 3, 10*time.Second)
		if wait != 0 {
			t.Fatalf("admission %d waited %v", i, wait)
		}
	}
	wait, _ := w.Admit(ctx, base.Add(5*time.Second), 2, 3, 10*time.Second)
	if wait != 6*time.Second {
		t.Fatalf("wait=%v want 6s (second entry must expire)", wait)
	}
	if n, _ := w.Count(ctx, base.Add(10*time.Second), 10*time.Second); n != 2 {
		t.Fatalf("Count()=%d want 2", n)
	}
}

func TestKeyedLimiter(t *testing.T) {
	t.Parallel()

	k := NewKeyed(1, 1, time.Millisecond)
	a := k.Get("channel:1")
	if a != k.Get("channel:1") {
		t.Fatalf("same key returned different limiters")
	}
	if a == k.Get("dm:2") {
		t.Fatalf("different keys share a limiter")
	}
	if !a.Allow() || a.Allow() {
		t.Fatalf("burst of 1 not enforced")
	}
	time.Sleep(5 * time.Millisecond)
	k.Cleanup()
	if k.Len() != 0 {
		t.Fatalf("idle limiters not evicted: %d", k.Len())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met")
}
