package storage

import (
	"context"
	"errors"
	"time"

	"modwatch/internal/model"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// StateStore is the durable projectId -> VersionState map.
type StateStore interface {
	GetState(ctx context.Context, id model.ProjectID) (model.VersionState, bool, error)
	ListStates(ctx context.Context) ([]model.VersionState, error)
	// SeedState inserts st unless a state for the project already exists.
	SeedState(ctx context.Context, st model.VersionState) (bool, error)
	// AdvanceState moves LastNotifiedVersionID from -> to.ID. It reports false,
	// and changes nothing, when the row is gone, the stored id is not from, or
	// to is older than what was last notified.
	AdvanceState(ctx context.Context, id model.ProjectID, from string, to model.VersionRecord, at time.Time) (bool, error)
	TouchChecked(ctx context.Context, id model.ProjectID, at time.Time) error
	DeleteState(ctx context.Context, id model.ProjectID) error
}

type WatchStore interface {
	GetGuildWatch(ctx context.Context, guildID string) (model.GuildWatch, bool, error)
	PutGuildWatch(ctx context.Context, w model.GuildWatch) error
	DeleteGuildWatch(ctx context.Context, guildID string) error
	ListGuildWatches(ctx context.Context) ([]model.GuildWatch, error)

	GetUserWatch(ctx context.Context, userID string) (model.UserWatch, bool, error)
	PutUserWatch(ctx context.Context, w model.UserWatch) error
	DeleteUserWatch(ctx context.Context, userID string) error
	ListUserWatches(ctx context.Context) ([]model.UserWatch, error)
}

// Ledger remembers successful deliveries until a deadline so a replayed
// event does not reach the same destination twice.
type Ledger interface {
	MarkDelivered(ctx context.Context, key string, until time.Time) error
	Delivered(ctx context.Context, key string) (bool, error)
	PruneDelivered(ctx context.Context, now time.Time) (int, error)
}

// Store is the full persistence API.
type Store interface {
	StateStore
	WatchStore
	Ledger
	Close() error
}

// LedgerKey identifies one delivery of one version to one destination.
func LedgerKey(project model.ProjectID, versionID, destKey string) string {
	return string(project) + "|" + versionID + "|" + destKey
}

// canAdvance is the shared compare-and-set rule.
func canAdvance(cur model.VersionState, from string, to model.VersionRecord) bool {
	if cur.LastNotifiedVersionID != from {
		return false
	}
	return !to.PublishedAt.Before(cur.LastPublishedAt)
}
