// Package systemd speaks the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd with NOTIFY_SOCKET set.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "modwatch/pkg/logx"
)

type Notifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
	// watchdog reports the WatchdogSec interval, 0 when disabled
	watchdog func() (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.Component("systemd")),
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *Notifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the one-line status shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) {
	n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// RunWatchdog pings the watchdog at half the configured interval until ctx
// ends. healthy may veto a ping; a nil healthy always pings. It returns at
// once when the unit has no watchdog.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) {
	every, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog config unreadable", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
