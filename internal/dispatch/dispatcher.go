// Package dispatch fans update events out to every subscribed destination.
//
// Each destination key owns a FIFO lane and at most one worker serves a lane
// at a time, so two events never interleave at one destination. Workers take
// one delivery per turn and requeue the lane at the back, which keeps busy
// destinations from starving quiet ones.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"modwatch/internal/eventbus"
	"modwatch/internal/model"
	"modwatch/internal/ratelimit"
	"modwatch/internal/render"
	rtsup "modwatch/internal/runtime/supervisor"
	"modwatch/internal/storage"
	"modwatch/internal/watch"
	logx "modwatch/pkg/logx"
)

type Dispatcher struct {
	out    Deliverer
	subs   Subscriptions
	ledger storage.Ledger
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	cfgMu    sync.RWMutex
	cfg      Config
	global   *rate.Limiter
	channels *ratelimit.Keyed
	dms      *ratelimit.Keyed

	// admission: one unit per delivery between enqueue and finish
	sem *semaphore.Weighted

	mu        sync.Mutex
	accepting bool
	lanes     map[string]*lane
	ready     []*lane
	wake      chan struct{}
	inflight  sync.WaitGroup
	sup       *rtsup.Supervisor

	depth atomic.Int64
}

type lane struct {
	key       string
	queue     []*delivery
	scheduled bool // in ready or being served
}

type delivery struct {
	job      *job // nil for notices
	target   watch.Target
	notice   *model.Notice
	enqueued time.Time
}

type job struct {
	ev     model.UpdateEvent
	onDone func(Result)

	mu      sync.Mutex
	pending int // deliveries outstanding, plus one while Dispatch is enqueueing
	res     Result
}

func New(cfg Config, out Deliverer, subs Subscriptions, ledger storage.Ledger, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		out:      out,
		subs:     subs,
		ledger:   ledger,
		bus:      bus,
		log:      log.With(logx.Component("dispatch")),
		now:      time.Now,
		cfg:      cfg,
		global:   rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), cfg.GlobalBurst),
		channels: ratelimit.NewKeyed(cfg.ChannelRate.PerSec, cfg.ChannelRate.Burst, 0),
		dms:      ratelimit.NewKeyed(cfg.DMRate.PerSec, cfg.DMRate.Burst, 0),
		sem:      semaphore.NewWeighted(int64(cfg.QueueSize)),
		lanes:    map[string]*lane{},
		wake:     make(chan struct{}, 1),
	}
}

// Apply swaps rates, retry policy and timeouts. Workers and QueueSize are
// fixed for the life of the dispatcher.
func (d *Dispatcher) Apply(cfg Config) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	cfg = cfg.withDefaults()
	cfg.Workers, cfg.QueueSize = d.cfg.Workers, d.cfg.QueueSize
	d.cfg = cfg
	d.global.SetLimit(rate.Limit(cfg.GlobalRatePerSec))
	d.global.SetBurst(cfg.GlobalBurst)
	d.channels.SetRate(cfg.ChannelRate.PerSec, cfg.ChannelRate.Burst)
	d.dms.SetRate(cfg.DMRate.PerSec, cfg.DMRate.Burst)
}

func (d *Dispatcher) config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Start launches the worker pool. It is a no-op while running.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil {
		return
	}
	cfg := d.config()
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log),
		rtsup.WithCancelOnError(false),
	)
	d.accepting = true
	for i := 0; i < cfg.Workers; i++ {
		d.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			d.workerLoop(c)
			return c.Err()
		})
	}
	d.sup.Go0("janitor.channels", func(c context.Context) { d.channels.RunJanitor(c, 0) })
	d.sup.Go0("janitor.dms", func(c context.Context) { d.dms.RunJanitor(c, 0) })
	if d.ledger != nil {
		d.sup.Go0("ledger.prune", d.pruneLoop)
	}
}

// Stop refuses new work, waits for admitted deliveries until ctx ends, then
// cancels whatever is still running.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	sup := d.sup
	d.accepting = false
	d.mu.Unlock()
	if sup == nil {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		d.log.Warn("dispatch stop timed out; cancelling deliveries", logx.Int64("pending", d.depth.Load()))
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())
	d.abortQueued()

	d.mu.Lock()
	d.sup = nil
	d.mu.Unlock()
	return err
}

// abortQueued settles deliveries no worker reached before shutdown.
func (d *Dispatcher) abortQueued() {
	d.mu.Lock()
	var left []*delivery
	for key, l := range d.lanes {
		left = append(left, l.queue...)
		delete(d.lanes, key)
	}
	d.ready = nil
	d.mu.Unlock()
	for _, dl := range left {
		d.sem.Release(1)
		queuedDeliveries.Set(float64(d.depth.Add(-1)))
		if dl.job != nil {
			d.finish(dl.job, outcomeAborted)
		}
		d.inflight.Done()
	}
}

// Pending reports admitted deliveries that have not finished.
func (d *Dispatcher) Pending() int64 { return d.depth.Load() }

// Dispatch fans ev out. onDone runs exactly once: after every destination was
// attempted, immediately when there is nobody to deliver to, or with Aborted
// set when Dispatch itself fails. Dispatch blocks while the queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.UpdateEvent, onDone func(Result)) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	j := &job{ev: ev, onDone: onDone, pending: 1, res: Result{EventID: ev.ID, ProjectID: ev.ProjectID}}

	targets, err := d.subs.Targets(ctx, ev.ProjectID, ev.Version)
	if err != nil {
		j.res.Aborted = true
		d.finish(j, outcomeNone)
		return fmt.Errorf("dispatch: resolve subscribers of %s: %w", ev.ProjectID, err)
	}

	var enqueueErr error
	for _, t := range targets {
		if d.alreadyDelivered(ctx, ev, t.Destination) {
			j.mu.Lock()
			j.res.Skipped++
			j.mu.Unlock()
			continue
		}
		if err := d.sem.Acquire(ctx, 1); err != nil {
			enqueueErr = err
			break
		}
		j.mu.Lock()
		j.pending++
		j.mu.Unlock()
		if err := d.enqueue(&delivery{job: j, target: t, enqueued: d.now()}); err != nil {
			d.sem.Release(1)
			j.mu.Lock()
			j.pending--
			j.mu.Unlock()
			enqueueErr = err
			break
		}
	}
	if enqueueErr != nil {
		j.mu.Lock()
		j.res.Aborted = true
		j.mu.Unlock()
	}
	d.finish(j, outcomeNone)
	return enqueueErr
}

func (d *Dispatcher) alreadyDelivered(ctx context.Context, ev model.UpdateEvent, dest model.Destination) bool {
	if d.ledger == nil {
		return false
	}
	ok, err := d.ledger.Delivered(ctx, storage.LedgerKey(ev.ProjectID, ev.Version.ID, dest.Key()))
	if err != nil {
		d.log.Debug("ledger lookup failed; delivering", logx.Err(err))
		return false
	}
	return ok
}

// Notify queues an owner notice on dest's lane. It never blocks; a full
// queue drops the notice.
func (d *Dispatcher) Notify(_ context.Context, dest model.Destination, n model.Notice) error {
	if !d.sem.TryAcquire(1) {
		return ErrQueueFull
	}
	err := d.enqueue(&delivery{target: watch.Target{Destination: dest}, notice: &n, enqueued: d.now()})
	if err != nil {
		d.sem.Release(1)
	}
	return err
}

func (d *Dispatcher) enqueue(dl *delivery) error {
	key := dl.target.Destination.Key()
	d.mu.Lock()
	if !d.accepting {
		d.mu.Unlock()
		return ErrStopped
	}
	d.inflight.Add(1)
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{key: key}
		d.lanes[key] = l
	}
	l.queue = append(l.queue, dl)
	if !l.scheduled {
		l.scheduled = true
		d.ready = append(d.ready, l)
	}
	d.mu.Unlock()
	queuedDeliveries.Set(float64(d.depth.Add(1)))
	d.poke()
	return nil
}

func (d *Dispatcher) poke() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next(ctx context.Context) (*lane, *delivery, bool) {
	for {
		d.mu.Lock()
		if len(d.ready) > 0 {
			l := d.ready[0]
			d.ready = d.ready[1:]
			more := len(d.ready) > 0
			dl := l.queue[0]
			d.mu.Unlock()
			if more {
				d.poke()
			}
			return l, dl, true
		}
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, nil, false
		case <-d.wake:
		}
	}
}

// release pops the served head and puts the lane back if it has more.
func (d *Dispatcher) release(l *lane) {
	d.mu.Lock()
	l.queue = l.queue[1:]
	if len(l.queue) > 0 {
		d.ready = append(d.ready, l)
	} else {
		l.scheduled = false
		delete(d.lanes, l.key)
	}
	more := len(d.ready) > 0
	d.mu.Unlock()
	if more {
		d.poke()
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	for {
		l, dl, ok := d.next(ctx)
		if !ok {
			return
		}
		o := d.deliver(ctx, dl)
		d.release(l)
		d.sem.Release(1)
		queuedDeliveries.Set(float64(d.depth.Add(-1)))
		deliverySeconds.Observe(time.Since(dl.enqueued).Seconds())
		if dl.job != nil {
			d.finish(dl.job, o)
		}
		d.inflight.Done()
	}
}

type outcome int

const (
	outcomeNone outcome = iota // the enqueue guard
	outcomeDelivered
	outcomeFailed
	outcomeAborted
)

// deliver runs one delivery to completion, retries included.
func (d *Dispatcher) deliver(ctx context.Context, dl *delivery) outcome {
	cfg := d.config()
	dest := dl.target.Destination
	kind := dest.Kind.String()

	var payload render.Payload
	if dl.notice != nil {
		payload = render.RenderNotice(*dl.notice, dest)
	} else {
		payload = render.Render(dl.job.ev, dest)
	}

	var attempts uint
	err := cfg.Retry.Do(ctx, func(ctx context.Context, attempt uint) error {
		attempts = attempt
		if err := d.wait(ctx, dest); err != nil {
			return err
		}
		attemptsTotal.WithLabelValues(kind).Inc()
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return d.out.Deliver(sctx, dest, payload)
	}, func(err error) bool {
		return !IsPermanent(err) && ctx.Err() == nil
	}, func(attempt uint, err error) {
		d.log.Debug("delivery attempt failed",
			logx.String("dest", dest.Key()), logx.Uint("attempt", attempt), logx.Err(err))
	})

	ev := d.deliveryEvent(dl, attempts)
	switch {
	case err == nil:
		deliveriesTotal.WithLabelValues(kind, "delivered").Inc()
		d.onDelivered(ctx, dl, cfg.LedgerTTL)
		d.bus.Publish(eventbus.Event{Type: "dispatch.delivered", Time: ev.At, Data: ev})
		return outcomeDelivered
	case ctx.Err() != nil:
		deliveriesTotal.WithLabelValues(kind, "aborted").Inc()
		return outcomeAborted
	default:
		deliveriesTotal.WithLabelValues(kind, "failed").Inc()
		ev.Error = err.Error()
		d.bus.Publish(eventbus.Event{Type: "dispatch.failed", Time: ev.At, Data: ev})
		d.onFailed(ctx, dl, err, attempts)
		return outcomeFailed
	}
}

func (d *Dispatcher) wait(ctx context.Context, dest model.Destination) error {
	if err := d.global.Wait(ctx); err != nil {
		return err
	}
	if dest.Kind == model.KindDirectMessage {
		return d.dms.Wait(ctx, dest.Key())
	}
	return d.channels.Wait(ctx, dest.Key())
}

func (d *Dispatcher) onDelivered(ctx context.Context, dl *delivery, ttl time.Duration) {
	if dl.job == nil {
		return
	}
	ev := dl.job.ev
	key := storage.LedgerKey(ev.ProjectID, ev.Version.ID, dl.target.Destination.Key())
	if d.ledger != nil {
		if err := d.ledger.MarkDelivered(ctx, key, d.now().Add(ttl)); err != nil {
			d.log.Warn("ledger write failed; a replay may repeat this delivery", logx.String("key", key), logx.Err(err))
		}
	}
	d.subs.ClearDeliveryFailure(ctx, dl.target.Owners)
}

func (d *Dispatcher) onFailed(ctx context.Context, dl *delivery, err error, attempts uint) {
	dest := dl.target.Destination
	if dl.notice != nil {
		d.log.Warn("owner notice not delivered",
			logx.String("dest", dest.Key()), logx.String("notice", dl.notice.Kind.String()), logx.Err(err))
		return
	}
	reason := reasonOf(err)
	if !IsPermanent(err) {
		reason = fmt.Sprintf("gave up after %d attempts: %s", attempts, reason)
	}
	d.log.Warn("delivery failed",
		logx.String("dest", dest.Key()),
		logx.Project(string(dl.job.ev.ProjectID)),
		logx.String("version", dl.job.ev.Version.ID),
		logx.Bool("permanent", IsPermanent(err)),
		logx.Uint("attempts", attempts),
		logx.Err(err))
	d.subs.ReportDeliveryFailure(ctx, dl.target.Owners, dest, reason)
}

func (d *Dispatcher) deliveryEvent(dl *delivery, attempts uint) DeliveryEvent {
	ev := DeliveryEvent{Dest: dl.target.Destination.Key(), Attempts: attempts, At: d.now()}
	if dl.job != nil {
		ev.EventID = dl.job.ev.ID
		ev.ProjectID = dl.job.ev.ProjectID
		ev.VersionID = dl.job.ev.Version.ID
	}
	if dl.notice != nil {
		ev.Notice = dl.notice.Kind.String()
	}
	return ev
}

// finish accounts one finished delivery, or the enqueue guard, and fires
// the callback on the last one.
func (d *Dispatcher) finish(j *job, o outcome) {
	j.mu.Lock()
	switch o {
	case outcomeDelivered:
		j.res.Delivered++
	case outcomeFailed:
		j.res.Failed++
	case outcomeAborted:
		j.res.Aborted = true
	}
	j.pending--
	done := j.pending == 0
	res := j.res
	j.mu.Unlock()
	if !done {
		return
	}
	d.bus.Publish(eventbus.Event{Type: "dispatch.completed", Time: d.now(), Data: res})
	if j.onDone != nil {
		j.onDone(res)
	}
}

func (d *Dispatcher) pruneLoop(ctx context.Context) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := d.ledger.PruneDelivered(ctx, now)
			if err != nil {
				d.log.Debug("ledger prune failed", logx.Err(err))
				continue
			}
			if n > 0 {
				d.log.Debug("ledger pruned", logx.Int("rows", n))
			}
		}
	}
}
