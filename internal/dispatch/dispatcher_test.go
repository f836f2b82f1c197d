package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"modwatch/internal/model"
	"modwatch/internal/render"
	"modwatch/internal/retry"
	"modwatch/internal/storage"
	"modwatch/internal/watch"
	logx "modwatch/pkg/logx"
)

type permanentErr struct{ msg string }

func (e permanentErr) Error() string   { return e.msg }
func (e permanentErr) Permanent() bool { return true }

type sent struct {
	dest    string
	content string
	title   string
}

type fakeDeliverer struct {
	mu       sync.Mutex
	failures map[string][]error // per dest key, consumed in order
	calls    map[string]int
	sent     []sent
	block    chan struct{}
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{failures: map[string][]error{}, calls: map[string]int{}}
}

func (f *fakeDeliverer) Deliver(ctx context.Context, dest model.Destination, p render.Payload) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := dest.Key()
	f.calls[key]++
	if q := f.failures[key]; len(q) > 0 {
		f.failures[key] = q[1:]
		return q[0]
	}
	s := sent{dest: key, content: p.Content}
	if p.Embed != nil {
		s.title = p.Embed.Title
	}
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeDeliverer) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type fakeSubs struct {
	mu      sync.Mutex
	targets map[model.ProjectID][]watch.Target
	failed  []string
	cleared int
}

func (s *fakeSubs) Targets(_ context.Context, p model.ProjectID, _ model.VersionRecord) ([]watch.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets[p], nil
}

func (s *fakeSubs) ReportDeliveryFailure(_ context.Context, _ []watch.Owner, dest model.Destination, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, dest.Key()+": "+reason)
}

func (s *fakeSubs) ClearDeliveryFailure(context.Context, []watch.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func fastConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        64,
		GlobalRatePerSec: 1000,
		ChannelRate:      Rate{PerSec: 1000, Burst: 100},
		DMRate:           Rate{PerSec: 1000, Burst: 100},
		SendTimeout:      time.Second,
		Retry:            retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func newTestDispatcher(t *testing.T, out Deliverer, subs Subscriptions, ledger storage.Ledger) *Dispatcher {
	t.Helper()
	d := New(fastConfig(), out, subs, ledger, nil, logx.Nop())
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func event(p model.ProjectID, version string) model.UpdateEvent {
	return model.UpdateEvent{
		ID:        string(p) + "@" + version,
		ProjectID: p,
		Project:   model.Project{ID: p, Title: string(p), Slug: strings.ToLower(string(p))},
		Version:   model.VersionRecord{ID: version, Number: version, PublishedAt: time.Unix(1700000000, 0)},
	}
}

func dispatchAndWait(t *testing.T, d *Dispatcher, ev model.UpdateEvent) Result {
	t.Helper()
	done := make(chan Result, 1)
	if err := d.Dispatch(context.Background(), ev, func(r Result) { done <- r }); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("onDone never called")
		return Result{}
	}
}

func TestTransientFailuresRetriedToSingleDelivery(t *testing.T) {
	t.Parallel()

	ch := model.GuildChannel("g1", "c1", "")
	out := newFakeDeliverer()
	out.failures[ch.Key()] = []error{errors.New("502 bad gateway"), errors.New("connection reset")}
	subs := &fakeSubs{targets: map[model.ProjectID][]watch.Target{
		"P1": {{Destination: ch, Owners: []watch.Owner{watch.Guild("g1")}}},
	}}
	d := newTestDispatcher(t, out, subs, storage.NewMemory())

	r := dispatchAndWait(t, d, event("P1", "v2"))
	if r.Delivered != 1 || r.Failed != 0 || !r.Complete() {
		t.Fatalf("result=%+v", r)
	}
	if got := out.snapshot(); len(got) != 1 {
		t.Fatalf("sent %d messages want exactly 1", len(got))
	}
	if out.calls[ch.Key()] != 3 {
		t.Fatalf("attempts=%d want 3", out.calls[ch.Key()])
	}
	if subs.cleared != 1 || len(subs.failed) != 0 {
		t.Fatalf("cleared=%d failed=%v", subs.cleared, subs.failed)
	}
}

func TestPermanentFailureIsReportedNotRetried(t *testing.T) {
	t.Parallel()

	ch := model.GuildChannel("g1", "c1", "")
	dm := model.DirectMessage("u1")
	out := newFakeDeliverer()
	out.failures[ch.Key()] = []error{permanentErr{"missing access"}}
	subs := &fakeSubs{targets: map[model.ProjectID][]watch.Target{
		"P1": {
			{Destination: ch, Owners: []watch.Owner{watch.Guild("g1")}},
			{Destination: dm, Owners: []watch.Owner{watch.User("u1")}},
		},
	}}
	d := newTestDispatcher(t, out, subs, storage.NewMemory())

	r := dispatchAndWait(t, d, event("P1", "v2"))
	if r.Delivered != 1 || r.Failed != 1 || !r.Complete() {
		t.Fatalf("result=%+v", r)
	}
	if out.calls[ch.Key()] != 1 {
		t.Fatalf("permanent error retried: %d attempts", out.calls[ch.Key()])
	}
	if len(subs.failed) != 1 || subs.failed[0] != "channel:c1: missing access" {
		t.Fatalf("failures=%v", subs.failed)
	}
}

func TestExhaustedRetriesCountAsFailed(t *testing.T) {
	t.Parallel()

	dm := model.DirectMessage("u1")
	out := newFakeDeliverer()
	out.failures[dm.Key()] = []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}
	subs := &fakeSubs{targets: map[model.ProjectID][]watch.Target{
		"P1": {{Destination: dm, Owners: []watch.Owner{watch.User("u1")}}},
	}}
	d := newTestDispatcher(t, out, subs, nil)

	r := dispatchAndWait(t, d, event("P1", "v2"))
	if r.Failed != 1 || r.Delivered != 0 {
		t.Fatalf("result=%+v", r)
	}
	if out.calls[dm.Key()] != 3 {
		t.Fatalf("attempts=%d want 3", out.calls[dm.Key()])
	}
}

func TestLedgerSkipsRepeatedEvent(t *testing.T) {
	t.Parallel()

	ch := model.GuildChannel("g1", "c1", "")
	dm := model.DirectMessage("u1")
	out := newFakeDeliverer()
	subs := &fakeSubs{targets: map[model.ProjectID][]watch.Target{
		"P1": {{Destination: ch}, {Destination: dm}},
	}}
	d := newTestDispatcher(t, out, subs, storage.NewMemory())

	ev := event("P1", "v2")
	if r := dispatchAndWait(t, d, ev); r.Delivered != 2 {
		t.Fatalf("first result=%+v", r)
	}
	r := dispatchAndWait(t, d, ev)
	if r.Delivered != 0 || r.Skipped != 2 || !r.Complete() {
		t.Fatalf("replay result=%+v", r)
	}
	if n := len(out.snapshot()); n != 2 {
		t.Fatalf("sent %d messages want 2", n)
	}
}

func TestNoSubscribersCompletesImmediately(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, newFakeDeliverer(), &fakeSubs{}, nil)
	called := false
	if err := d.Dispatch(context.Background(), event("P9", "v1"), func(r Result) {
		called = true
		if !r.Complete() || r.Delivered+r.Failed+r.Skipped != 0 {
			t.Errorf("result=%+v", r)
		}
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Fatalf("onDone not called synchronously")
	}
}

func TestDestinationOrderIsPreserved(t *testing.T) {
	t.Parallel()

	ch := model.GuildChannel("g1", "c1", "")
	out := newFakeDeliverer()
	// first event's first attempt fails; the second event must still land after it
	out.failures[ch.Key()] = []error{errors.New("timeout")}
	subs := &fakeSubs{targets: map[model.ProjectID][]watch.Target{
		"P1": {{Destination: ch}},
		"P2": {{Destination: ch}},
	}}
	d := newTestDispatcher(t, out, subs, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	for _, ev := range []model.UpdateEvent{event("P1", "v1"), event("P2", "v1")} {
		if err := d.Dispatch(context.Background(), ev, func(Result) { wg.Done() }); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	wg.Wait()

	got := out.snapshot()
	if len(got) != 2 {
		t.Fatalf("sent=%v", got)
	}
	if !strings.HasPrefix(got[0].title, "P1 ") || !strings.HasPrefix(got[1].title, "P2 ") {
		t.Fatalf("delivered out of order: %q then %q", got[0].title, got[1].title)
	}
	d.mu.Lock()
	lanes := len(d.lanes)
	d.mu.Unlock()
	if lanes != 0 {
		t.Fatalf("%d lanes left after drain", lanes)
	}
}

func TestStopAbortsUnfinishedWork(t *testing.T) {
	t.Parallel()

	ch := model.GuildChannel("g1", "c1", "")
	out := newFakeDeliverer()
	out.block = make(chan struct{})
	subs := &fakeSubs{targets: map[model.ProjectID][]watch.Target{"P1": {{Destination: ch}}}}
	d := New(fastConfig(), out, subs, nil, nil, logx.Nop())
	d.Start(context.Background())

	done := make(chan Result, 1)
	if err := d.Dispatch(context.Background(), event("P1", "v1"), func(r Result) { done <- r }); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err=%v", err)
	}
	select {
	case r := <-done:
		if r.Complete() {
			t.Fatalf("aborted delivery reported complete: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onDone never called")
	}
	if err := d.Dispatch(context.Background(), event("P1", "v2"), nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Dispatch after Stop err=%v", err)
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	t.Parallel()

	out := newFakeDeliverer()
	out.block = make(chan struct{})
	cfg := fastConfig()
	cfg.QueueSize = 1
	d := New(cfg, out, &fakeSubs{}, nil, nil, logx.Nop())
	d.Start(context.Background())
	defer func() {
		close(out.block)
		_ = d.Stop(context.Background())
	}()

	n := model.Notice{Kind: model.NoticeProjectNotFound, Project: model.Project{ID: "P3"}}
	if err := d.Notify(context.Background(), model.DirectMessage("u1"), n); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := d.Notify(context.Background(), model.DirectMessage("u1"), n); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Notify err=%v want ErrQueueFull", err)
	}
}
