// Package ops is the operator-facing view shared by the ops bot and the ops
// HTTP server.
package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modwatch/internal/poller"
)

type Status struct {
	Version   string        `json:"version"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`

	Poller   poller.Status `json:"poller"`
	Watched  int           `json:"watched_projects"`
	Budget   Budget        `json:"upstream_budget"`
	Pending  int64         `json:"pending_deliveries"`
	Failures int           `json:"failing_destinations"`
}

type Budget struct {
	Remaining int           `json:"remaining"`
	Limit     int           `json:"limit"`
	Window    time.Duration `json:"window"`
}

// Controller is what operators can see and do.
type Controller interface {
	Status(ctx context.Context) Status
	TriggerPoll()
}

// Text renders s for chat surfaces.
func (s Status) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "modwatch %s, up %s\n", s.Version, s.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "poller: %s, %d cycles, %d in flight\n", s.Poller.Phase, s.Poller.Cycles, s.Poller.InFlight)
	if !s.Poller.NextRun.IsZero() {
		fmt.Fprintf(&b, "next run: %s\n", s.Poller.NextRun.Format(time.RFC3339))
	}
	if c := s.Poller.LastCycle; c != nil {
		fmt.Fprintf(&b, "last cycle: %d/%d polled, %d updates, %d deferred, %d not found, %d transient, took %s\n",
			c.Polled, c.Watched, c.Updates, c.Deferred, c.NotFound, c.Transient, c.Took.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "upstream budget: %d of %d per %s\n", s.Budget.Remaining, s.Budget.Limit, s.Budget.Window)
	fmt.Fprintf(&b, "watched projects: %d, pending deliveries: %d", s.Watched, s.Pending)
	if s.Failures > 0 {
		fmt.Fprintf(&b, ", failing destinations: %d", s.Failures)
	}
	return b.String()
}
