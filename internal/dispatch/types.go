package dispatch

import (
	"context"
	"errors"
	"time"

	"modwatch/internal/model"
	"modwatch/internal/render"
	"modwatch/internal/retry"
	"modwatch/internal/watch"
)

var (
	ErrStopped   = errors.New("dispatch: stopped")
	ErrQueueFull = errors.New("dispatch: queue full")
)

// Deliverer sends one payload. An error that reports Permanent() == true is
// not retried; anything else is.
type Deliverer interface {
	Deliver(ctx context.Context, dest model.Destination, p render.Payload) error
}

// Subscriptions is the slice of the watch manager the dispatcher uses.
type Subscriptions interface {
	Targets(ctx context.Context, p model.ProjectID, v model.VersionRecord) ([]watch.Target, error)
	ReportDeliveryFailure(ctx context.Context, owners []watch.Owner, dest model.Destination, reason string)
	ClearDeliveryFailure(ctx context.Context, owners []watch.Owner)
}

// IsPermanent reports whether err says retrying cannot help.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// reasonOf prefers an owner-facing explanation when err carries one.
func reasonOf(err error) string {
	var r interface{ Reason() string }
	if errors.As(err, &r) {
		return r.Reason()
	}
	return err.Error()
}

type Rate struct {
	PerSec float64
	Burst  int
}

type Config struct {
	Workers   int
	QueueSize int

	GlobalRatePerSec float64
	GlobalBurst      int
	ChannelRate      Rate
	DMRate           Rate

	SendTimeout time.Duration
	Retry       retry.Policy
	LedgerTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.GlobalRatePerSec <= 0 {
		c.GlobalRatePerSec = 40
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = int(c.GlobalRatePerSec)
	}
	if c.ChannelRate.PerSec <= 0 {
		c.ChannelRate = Rate{PerSec: 1, Burst: 5}
	}
	if c.DMRate.PerSec <= 0 {
		c.DMRate = Rate{PerSec: 0.5, Burst: 2}
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	c.Retry = c.Retry.Normalize()
	if c.LedgerTTL <= 0 {
		c.LedgerTTL = 7 * 24 * time.Hour
	}
	return c
}

// Result is handed to the Dispatch callback once every delivery of the event
// has been attempted.
type Result struct {
	EventID   string
	ProjectID model.ProjectID
	Delivered int
	Skipped   int // already in the ledger
	Failed    int // permanent failure or attempts exhausted
	// Aborted is set when shutdown or cancellation left a delivery
	// unattempted. The event must be produced again.
	Aborted bool
}

// Complete reports whether every destination was attempted.
func (r Result) Complete() bool { return !r.Aborted }

// DeliveryEvent is the payload of dispatch.* bus events.
type DeliveryEvent struct {
	EventID   string          `json:"event_id,omitempty"`
	ProjectID model.ProjectID `json:"project_id,omitempty"`
	VersionID string          `json:"version_id,omitempty"`
	Dest      string          `json:"dest"`
	Notice    string          `json:"notice,omitempty"`
	Attempts  uint            `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}
