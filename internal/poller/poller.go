// Package poller runs the check cycle: choose which watched projects to
// fetch, fetch them within the upstream budget, and turn version changes
// into update events.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"modwatch/internal/dispatch"
	"modwatch/internal/eventbus"
	"modwatch/internal/model"
	rtsup "modwatch/internal/runtime/supervisor"
	"modwatch/internal/storage"
	"modwatch/internal/upstream/modrinth"
	logx "modwatch/pkg/logx"
)

// settleTimeout bounds the state write made when an event settles. The
// callback runs on a dispatcher worker, outside any cycle.
const settleTimeout = 10 * time.Second

type Poller struct {
	up      Fetcher
	budget  Budget
	watches Watches
	states  storage.StateStore
	out     Dispatcher
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu       sync.Mutex
	cfg      Config
	sched    cron.Schedule
	phase    Phase
	cycles   uint64
	nextRun  time.Time
	last     *CycleReport
	inFlight map[model.ProjectID]struct{}
	backoff  map[model.ProjectID]time.Time
	cursor   int

	trigger    chan struct{}
	reschedule chan struct{}
	sup        *rtsup.Supervisor
}

func New(cfg Config, up Fetcher, budget Budget, watches Watches, states storage.StateStore, out Dispatcher, bus eventbus.Bus, log logx.Logger) (*Poller, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Poller{
		up:         up,
		budget:     budget,
		watches:    watches,
		states:     states,
		out:        out,
		bus:        bus,
		log:        log.With(logx.Component("poller")),
		now:        time.Now,
		cfg:        cfg,
		sched:      sched,
		inFlight:   map[model.ProjectID]struct{}{},
		backoff:    map[model.ProjectID]time.Time{},
		trigger:    make(chan struct{}, 1),
		reschedule: make(chan struct{}, 1),
	}, nil
}

// Apply swaps the schedule and cycle limits. A bad schedule is rejected and
// the current one stays.
func (p *Poller) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg, p.sched = cfg, sched
	p.mu.Unlock()
	select {
	case p.reschedule <- struct{}{}:
	default:
	}
	return nil
}

// Trigger asks for a cycle now. Requests made while one is pending or
// running coalesce into a single extra cycle.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Phase: p.phase, Cycles: p.cycles, InFlight: len(p.inFlight), NextRun: p.nextRun}
	if p.last != nil {
		r := *p.last
		st.LastCycle = &r
	}
	return st
}

// Start runs a first cycle right away and then follows the schedule.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return
	}
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	p.sup.GoRestart("loop", func(c context.Context) error {
		p.loop(c)
		return c.Err()
	})
}

// Stop ends the loop after the running cycle's fetches are cancelled.
// Events already handed to the dispatcher settle on their own.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	p.Trigger()
	for {
		p.mu.Lock()
		next := p.sched.Next(p.now())
		p.nextRun = next
		p.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.reschedule:
			timer.Stop()
			continue
		case <-p.trigger:
			timer.Stop()
		case <-timer.C:
		}
		p.RunCycle(ctx)
	}
}

type fetchResult struct {
	id      model.ProjectID
	version model.VersionRecord
	err     error
	done    bool
}

// RunCycle runs one full cycle and returns its report. The loop calls it; so
// can tests. Concurrent calls are not supported.
func (p *Poller) RunCycle(ctx context.Context) CycleReport {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	started := p.now()
	rep := CycleReport{Started: started}

	p.setPhase(PhaseBuildPollSet)
	set := p.buildPollSet(ctx, cfg, &rep)

	// MaxCycle bounds fetching and the hand-off to the dispatcher. State
	// writes use ctx so finished fetches are still reconciled after it.
	cycleCtx, cancel := context.WithTimeout(ctx, cfg.MaxCycle)
	defer cancel()

	p.setPhase(PhaseFetching)
	results := p.fetch(ctx, cycleCtx, cfg, set)

	p.setPhase(PhaseReconciling)
	for _, r := range results {
		if ctx.Err() != nil {
			break
		}
		p.reconcile(ctx, cycleCtx, r, &rep)
	}
	for _, r := range results {
		if !r.done {
			rep.Abandoned++
		}
	}
	if rep.Refused > 0 {
		p.log.Warn("dispatcher refused updates; they repeat next cycle", logx.Int("refused", rep.Refused))
	}
	if rep.Abandoned > 0 {
		p.log.Warn("cycle deadline cut fetches short",
			logx.Int("abandoned", rep.Abandoned),
			logx.Int("polled", rep.Polled),
			logx.Duration("max_cycle", cfg.MaxCycle))
	}

	rep.Took = p.now().Sub(started)
	p.mu.Lock()
	p.phase = PhaseIdle
	p.cycles++
	p.last = &rep
	p.mu.Unlock()

	cyclesTotal.Inc()
	cycleSeconds.Observe(rep.Took.Seconds())
	p.bus.Publish(eventbus.Event{Type: "poller.cycle", Time: p.now(), Data: rep})
	p.log.Debug("cycle finished",
		logx.Int("watched", rep.Watched),
		logx.Int("polled", rep.Polled),
		logx.Int("updates", rep.Updates),
		logx.Int("deferred", rep.Deferred),
		logx.Duration("took", rep.Took))
	return rep
}

func (p *Poller) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

func (p *Poller) buildPollSet(ctx context.Context, cfg Config, rep *CycleReport) []model.ProjectID {
	if n, err := p.watches.PruneOrphans(ctx); err != nil {
		p.log.Warn("orphan prune failed", logx.Err(err))
	} else {
		rep.Pruned = n
	}

	all := p.watches.Projects()
	rep.Watched = len(all)
	now := p.now()

	p.mu.Lock()
	set := make([]model.ProjectID, 0, len(all))
	for _, id := range all {
		if _, busy := p.inFlight[id]; busy {
			rep.InFlight++
			continue
		}
		if until, ok := p.backoff[id]; ok {
			if now.Before(until) {
				rep.BackOff++
				continue
			}
			delete(p.backoff, id)
		}
		set = append(set, id)
	}
	p.mu.Unlock()

	capacity := p.capacity(ctx, cfg)
	if len(set) <= capacity {
		return set
	}

	// Rotate so the deferred tail goes first next time.
	p.mu.Lock()
	start := p.cursor % len(set)
	p.cursor = start + capacity
	p.mu.Unlock()
	out := make([]model.ProjectID, 0, capacity)
	for i := 0; i < capacity; i++ {
		out = append(out, set[(start+i)%len(set)])
	}
	rep.Deferred = len(set) - capacity
	p.log.Info("poll set exceeds request budget; deferring",
		logx.Int("eligible", len(set)), logx.Int("capacity", capacity))
	return out
}

// capacity is how many fetches the budget allows within one MaxCycle.
func (p *Poller) capacity(ctx context.Context, cfg Config) int {
	if p.budget == nil {
		return int(^uint(0) >> 1)
	}
	limit, window := p.budget.Limit()
	c := p.budget.Remaining(ctx)
	if window > 0 {
		c += limit * int(cfg.MaxCycle/window)
	}
	return max(c, 1)
}

func (p *Poller) fetch(ctx, cctx context.Context, cfg Config, set []model.ProjectID) []fetchResult {
	results := make([]fetchResult, len(set))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, id := range set {
		results[i].id = id
		if cctx.Err() != nil {
			break
		}
		g.Go(func() error {
			v, err := p.up.FetchLatestVersion(cctx, id)
			if err != nil && cctx.Err() != nil && ctx.Err() == nil {
				// cut short by the cycle deadline, not by the upstream
				return nil
			}
			results[i].version, results[i].err, results[i].done = v, err, true
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// reconcile applies one fetch result. dctx bounds the dispatch hand-off.
func (p *Poller) reconcile(ctx, dctx context.Context, r fetchResult, rep *CycleReport) {
	if !r.done {
		return
	}
	rep.Polled++
	log := p.log.With(logx.Project(string(r.id)))

	switch {
	case r.err == nil:
	case errors.Is(r.err, modrinth.ErrNotFound):
		rep.NotFound++
		pollResults.WithLabelValues("not_found").Inc()
		p.watches.ReportNotFound(ctx, r.id)
		return
	default:
		rep.Transient++
		pollResults.WithLabelValues("transient").Inc()
		if d := modrinth.BackoffOf(r.err); d > 0 {
			p.mu.Lock()
			p.backoff[r.id] = p.now().Add(d)
			p.mu.Unlock()
		}
		log.Warn("fetch failed; state left untouched", logx.Err(r.err))
		return
	}

	now := p.now()
	p.watches.ClearInvalid(ctx, r.id)
	if err := p.states.TouchChecked(ctx, r.id, now); err != nil {
		log.Debug("touch checked failed", logx.Err(err))
	}

	st, ok, err := p.states.GetState(ctx, r.id)
	if err != nil {
		rep.Transient++
		log.Warn("read version state failed", logx.Err(err))
		return
	}
	if !ok {
		// A state row went missing under a live watch; reseed without an event.
		seed := model.VersionState{
			ProjectID:             r.id,
			Project:               model.Project{ID: r.id},
			LastNotifiedVersionID: r.version.ID,
			LastPublishedAt:       r.version.PublishedAt,
			LastCheckedAt:         now,
			UpdatedAt:             now,
		}
		if _, err := p.states.SeedState(ctx, seed); err != nil {
			log.Warn("reseed version state failed", logx.Err(err))
		}
		rep.Unchanged++
		pollResults.WithLabelValues("reseeded").Inc()
		return
	}

	v := r.version
	switch {
	case v.IsZero(), v.ID == st.LastNotifiedVersionID:
		rep.Unchanged++
		pollResults.WithLabelValues("unchanged").Inc()
		return
	case v.PublishedAt.Before(st.LastPublishedAt):
		rep.Unchanged++
		pollResults.WithLabelValues("older").Inc()
		log.Debug("upstream latest is older than last notified; ignoring",
			logx.String("version", v.ID), logx.String("notified", st.LastNotifiedVersionID))
		return
	}

	rep.Updates++
	pollResults.WithLabelValues("update").Inc()
	if !p.emit(dctx, st, v, now) {
		rep.Refused++
	}
}

// emit hands an event to the dispatcher and reports whether it was taken in
// full. A refused event settles as aborted and is produced again.
func (p *Poller) emit(ctx context.Context, st model.VersionState, v model.VersionRecord, now time.Time) bool {
	ev := model.UpdateEvent{
		ID:                uuid.NewString(),
		ProjectID:         st.ProjectID,
		Project:           st.Project,
		PreviousVersionID: st.LastNotifiedVersionID,
		Version:           v,
		DetectedAt:        now,
	}
	p.mu.Lock()
	p.inFlight[st.ProjectID] = struct{}{}
	inFlightEvents.Set(float64(len(p.inFlight)))
	p.mu.Unlock()

	p.log.Info("new version detected",
		logx.Project(string(st.ProjectID)),
		logx.String("from", st.LastNotifiedVersionID),
		logx.String("to", v.ID),
		logx.String("number", v.Number))
	p.bus.Publish(eventbus.Event{Type: "poller.update", Time: now, Data: ev})

	err := p.out.Dispatch(ctx, ev, func(res dispatch.Result) { p.settle(ev, res) })
	if err != nil {
		p.log.Warn("dispatch refused update", logx.Project(string(ev.ProjectID)), logx.Err(err))
		return false
	}
	return true
}

// settle runs once per event after the dispatcher is done with it. Only a
// complete fan-out moves the state; anything else is retried next cycle.
func (p *Poller) settle(ev model.UpdateEvent, res dispatch.Result) {
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, ev.ProjectID)
		inFlightEvents.Set(float64(len(p.inFlight)))
		p.mu.Unlock()
	}()
	log := p.log.With(logx.Project(string(ev.ProjectID)), logx.String("version", ev.Version.ID))
	if !res.Complete() {
		log.Info("fan-out aborted; will retry next cycle",
			logx.Int("delivered", res.Delivered), logx.Int("failed", res.Failed))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	ok, err := p.states.AdvanceState(ctx, ev.ProjectID, ev.PreviousVersionID, ev.Version, p.now())
	switch {
	case err != nil:
		log.Warn("advance version state failed; event will repeat", logx.Err(err))
	case !ok:
		log.Debug("version state moved underneath; not advanced")
	default:
		log.Debug("version state advanced",
			logx.Int("delivered", res.Delivered),
			logx.Int("skipped", res.Skipped),
			logx.Int("failed", res.Failed))
	}
}
