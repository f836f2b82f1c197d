package app

import (
	"context"
	"time"

	"modwatch/internal/dispatch"
	"modwatch/internal/ops"
	"modwatch/internal/poller"
	"modwatch/internal/ratelimit"
	"modwatch/internal/watch"
)

// controller is the ops.Controller behind the Telegram commands and the HTTP
// API.
type controller struct {
	version string
	started time.Time
	now     func() time.Time

	poller  *poller.Poller
	gov     *ratelimit.Governor
	watches *watch.Manager
	disp    *dispatch.Dispatcher
}

var _ ops.Controller = (*controller)(nil)

func (c *controller) Status(ctx context.Context) ops.Status {
	now := c.now()
	st := ops.Status{
		Version:   c.version,
		StartedAt: c.started,
		Uptime:    now.Sub(c.started),
		Poller:    c.poller.Status(),
		Watched:   len(c.watches.Projects()),
		Pending:   c.disp.Pending(),
		Failures:  c.watches.Failing(),
	}
	limit, window := c.gov.Limit()
	st.Budget = ops.Budget{Remaining: c.gov.Remaining(ctx), Limit: limit, Window: window}
	return st
}

func (c *controller) TriggerPoll() { c.poller.Trigger() }
