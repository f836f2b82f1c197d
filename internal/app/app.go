// Package app wires the services together and owns the process lifecycle:
// startup order, hot reload fan-out and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modwatch/internal/config"
	"modwatch/internal/dispatch"
	"modwatch/internal/eventbus"
	"modwatch/internal/observability/httpserver"
	"modwatch/internal/poller"
	"modwatch/internal/ratelimit"
	rtsup "modwatch/internal/runtime/supervisor"
	"modwatch/internal/storage"
	"modwatch/internal/transport/discord"
	"modwatch/internal/transport/telegram"
	"modwatch/internal/upstream/modrinth"
	"modwatch/internal/watch"
	logx "modwatch/pkg/logx"
	"modwatch/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	closeWindow func() error

	gov     *ratelimit.Governor
	client  *modrinth.Client
	watches *watch.Manager
	disp    *dispatch.Dispatcher
	poller  *poller.Poller
	bot     *telegram.Bot // nil without telegram.token
	http    *httpserver.Server
	sd      *systemd.Notifier
	ctl     *controller
}

// New loads the config and builds every service. Nothing runs until Start.
func New(cfgPath, version string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	// Alerts stay off until the bot exists; Apply turns them on below.
	bootLog := mapLogging(cfg)
	bootLog.Alerts.Enabled = false
	logSvc, root := logx.New(bootLog)
	log := root.With(logx.Component("app"))

	a := &App{cfgm: cfgm, logs: logSvc, log: log, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.store, err = storage.Open(mapStorage(cfg), root)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	limit, window := mapRate(cfg)
	opts := []ratelimit.Option{ratelimit.WithLogger(root.With(logx.Component("ratelimit")))}
	shared, closeWindow := openWindow(context.Background(), cfg, log)
	a.closeWindow = closeWindow
	if shared != nil {
		opts = append(opts, ratelimit.WithWindow(shared))
	}
	a.gov = ratelimit.NewGovernor(limit, window, opts...)
	a.client = modrinth.New(a.gov, mapUpstream(cfg, root))

	a.watches = watch.NewManager(a.store, a.client, root)

	out, err := discord.New(cfg.Discord.Token, root)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	a.disp = dispatch.New(mapDelivery(cfg), out, a.watches, a.store, a.bus, root)
	a.watches.SetNotifier(a.disp)

	a.poller, err = poller.New(mapPoller(cfg), a.client, a.gov, a.watches, a.store, a.disp, a.bus, root)
	if err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}

	a.ctl = &controller{
		version: version,
		started: time.Now(),
		now:     time.Now,
		poller:  a.poller,
		gov:     a.gov,
		watches: a.watches,
		disp:    a.disp,
	}

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		a.bot, err = telegram.New(mapTelegram(cfg), a.ctl, root)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		logSvc.SetAlertSender(a.bot)
	}
	logSvc.Apply(mapLogging(cfg))

	a.http = httpserver.New(mapHTTP(cfg), a.ctl, a.watches, root)
	a.sd = systemd.New(root)

	ok = true
	return a, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(validate)

	// Watches must be indexed before the first cycle builds its poll set.
	if err := a.watches.Load(ctx); err != nil {
		return fmt.Errorf("load watches: %w", err)
	}

	run := a.sup.Context()
	a.disp.Start(run)
	a.poller.Start(run)
	if a.bot != nil {
		a.bot.Start(run)
	}
	a.http.Start(run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if rep, ok := e.Data.(poller.CycleReport); ok && e.Type == "poller.cycle" {
					a.sd.Status("watching %d projects, %d updates in last cycle", rep.Watched, rep.Updates)
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.RunWatchdog(c, func() bool { return a.sup.Err() == nil })
	})
	a.sd.Ready()
	a.sd.Status("watching %d projects", len(a.watches.Projects()))

	a.log.Info("app started", logx.Int("projects", len(a.watches.Projects())))
	return nil
}

// reloadLoop applies published configs. Bursts coalesce to the newest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var cfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			cfg = c
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					cfg = newer
				}
			default:
				break drain
			}
		}

		changed, attrs, restart := config.SummarizeChange(last, cfg)
		last = cfg
		if len(changed) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		a.sd.Reloading()
		a.apply(ctx, cfg)
		a.sd.Ready()

		fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
		if len(restart) > 0 {
			a.log.Warn("some changes need a restart to take effect", logx.Strings("sections", restart))
		}
	}
}

// apply pushes every live-tunable setting to its service.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLogging(cfg))

	a.gov.SetLimit(mapRate(cfg))
	a.client.SetRetry(mapRetry(cfg.Upstream.Retry))

	if err := a.poller.Apply(mapPoller(cfg)); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	}
	a.disp.Apply(mapDelivery(cfg))

	if a.bot != nil {
		a.bot.Apply(mapTelegram(cfg))
	}
	a.http.Reconfigure(ctx, mapHTTP(cfg))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// The poller goes first so no new events are produced, then the
	// dispatcher drains what is in flight.
	a.step(ctx, "poller", 3*time.Second, a.poller.Stop)
	a.step(ctx, "dispatcher", 10*time.Second, a.disp.Stop)
	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.bot == nil {
			return nil
		}
		return a.bot.Stop(c)
	})
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStore() })

	err := a.sup.Err()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("stopped")
	a.logs.Close()
	return err
}

// step runs one shutdown step bounded by max and the caller's deadline, so
// one stuck component cannot stall the rest.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline passed", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}

func (a *App) closeStore() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.closeWindow != nil {
		errs = append(errs, a.closeWindow())
		a.closeWindow = nil
	}
	return errors.Join(errs...)
}

// closeResources releases what New opened when startup never completes.
func (a *App) closeResources() {
	if err := a.closeStore(); err != nil {
		a.log.Warn("close failed", logx.Err(err))
	}
	if a.logs != nil {
		a.logs.Close()
	}
}
