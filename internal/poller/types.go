package poller

import (
	"context"
	"time"

	"modwatch/internal/dispatch"
	"modwatch/internal/model"
)

// Phase is the poller's position in its cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBuildPollSet
	PhaseFetching
	PhaseReconciling
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBuildPollSet:
		return "build_poll_set"
	case PhaseFetching:
		return "fetching"
	case PhaseReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

type Fetcher interface {
	FetchLatestVersion(ctx context.Context, id model.ProjectID) (model.VersionRecord, error)
}

// Budget is the upstream request budget (the rate governor).
type Budget interface {
	Remaining(ctx context.Context) int
	Limit() (int, time.Duration)
}

// Watches is the slice of the watch manager the poller uses.
type Watches interface {
	Projects() []model.ProjectID
	ReportNotFound(ctx context.Context, p model.ProjectID)
	ClearInvalid(ctx context.Context, p model.ProjectID)
	PruneOrphans(ctx context.Context) (int, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.UpdateEvent, onDone func(dispatch.Result)) error
}

type Config struct {
	Schedule    string
	Concurrency int
	MaxCycle    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 5m"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxCycle <= 0 {
		c.MaxCycle = 4 * time.Minute
	}
	return c
}

// CycleReport summarizes one finished cycle.
type CycleReport struct {
	Started  time.Time     `json:"started"`
	Took     time.Duration `json:"took"`
	Watched  int           `json:"watched"`
	Polled   int           `json:"polled"`
	Deferred int           `json:"deferred"` // over budget, first in line next cycle
	InFlight int           `json:"in_flight"`
	BackOff  int           `json:"backing_off"`

	Unchanged int `json:"unchanged"`
	Updates   int `json:"updates"`
	NotFound  int `json:"not_found"`
	Transient int `json:"transient"`
	Abandoned int `json:"abandoned"`
	Refused   int `json:"refused"` // dispatcher full past the cycle deadline
	Pruned    int `json:"pruned"`
}

type Status struct {
	Phase     Phase        `json:"phase"`
	Cycles    uint64       `json:"cycles"`
	InFlight  int          `json:"in_flight"`
	NextRun   time.Time    `json:"next_run"`
	LastCycle *CycleReport `json:"last_cycle,omitempty"`
}
