package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "modwatch/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestLifecycleStates(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify
	n.Ready()
	n.Status("watching %d projects", 3)
	n.Stopping()
	want := []string{"READY=1", "STATUS=watching 3 projects", "STOPPING=1"}
	if len(rec.states) != len(want) {
		t.Fatalf("states=%v", rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("states=%v want %v", rec.states, want)
		}
	}
}

func TestWatchdogPingsOnlyWhenHealthy(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify
	n.watchdog = func() (time.Duration, error) { return 20 * time.Millisecond, nil }

	var mu sync.Mutex
	healthy := false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.RunWatchdog(ctx, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return healthy
		})
	}()

	time.Sleep(60 * time.Millisecond)
	if c := rec.count("WATCHDOG=1"); c != 0 {
		t.Fatalf("pinged %d times while unhealthy", c)
	}
	mu.Lock()
	healthy = true
	mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for rec.count("WATCHDOG=1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no watchdog ping")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Parallel()

	n := New(logx.Nop())
	n.watchdog = func() (time.Duration, error) { return 0, nil }
	done := make(chan struct{})
	go func() {
		n.RunWatchdog(context.Background(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunWatchdog blocked with watchdog disabled")
	}
}
