// Package model holds the records shared by the poller, the stores and the
// delivery pipeline.
package model

import (
	"sort"
	"time"
)

// ProjectID is the canonical upstream project id. Slugs are resolved to it
// when a watch is created and it never changes afterwards.
type ProjectID string

// Project is descriptive metadata captured when a project is first watched.
type Project struct {
	ID          ProjectID `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	IconURL     string    `json:"icon_url,omitempty"`
	ProjectType string    `json:"project_type,omitempty"`
}

// Name returns the best human label for p.
func (p Project) Name() string {
	switch {
	case p.Title != "":
		return p.Title
	case p.Slug != "":
		return p.Slug
	default:
		return string(p.ID)
	}
}

type VersionType string

const (
	VersionRelease VersionType = "release"
	VersionBeta    VersionType = "beta"
	VersionAlpha   VersionType = "alpha"
)

// VersionRecord is one published version. Records are never edited; a new
// upload is a new record.
type VersionRecord struct {
	ID           string      `json:"id"`
	ProjectID    ProjectID   `json:"project_id"`
	Name         string      `json:"name"`
	Number       string      `json:"version_number"`
	Type         VersionType `json:"version_type"`
	PublishedAt  time.Time   `json:"date_published"`
	Changelog    string      `json:"changelog,omitempty"`
	GameVersions []string    `json:"game_versions,omitempty"`
	Loaders      []string    `json:"loaders,omitempty"`
	Downloads    int64       `json:"downloads"`
	FileURL      string      `json:"file_url,omitempty"`
}

// IsZero reports a missing version (project without any uploads).
func (v VersionRecord) IsZero() bool { return v.ID == "" }

// VersionState is the per-project record of what subscribers were last told.
type VersionState struct {
	ProjectID             ProjectID `json:"project_id"`
	Project               Project   `json:"project"`
	LastNotifiedVersionID string    `json:"last_notified_version_id"`
	LastPublishedAt       time.Time `json:"last_published_at"`
	LastCheckedAt         time.Time `json:"last_checked_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ProjectSet is a set of project ids.
type ProjectSet map[ProjectID]struct{}

func NewProjectSet(ids ...ProjectID) ProjectSet {
	s := make(ProjectSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s ProjectSet) Has(id ProjectID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s ProjectSet) Sorted() []ProjectID {
	out := make([]ProjectID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s ProjectSet) Clone() ProjectSet {
	out := make(ProjectSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// DeliveryFailure records the last permanent delivery failure of a watch.
type DeliveryFailure struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	// NotifiedAt is set once the owner notice was queued.
	NotifiedAt time.Time `json:"notified_at,omitzero"`
}

// GuildWatch routes a guild's subscriptions to one channel.
type GuildWatch struct {
	GuildID     string `json:"guild_id"`
	ChannelID   string `json:"channel_id"`
	RoleID      string `json:"role_id,omitempty"`
	OwnerUserID string `json:"owner_user_id,omitempty"`

	Projects ProjectSet `json:"projects"`
	Filters  Filters    `json:"filters,omitzero"`
	// Invalid maps projects the upstream reports as gone to the time they were flagged.
	Invalid map[ProjectID]time.Time `json:"invalid,omitempty"`
	// InvalidNotified holds the flagged projects whose owner notice was queued.
	InvalidNotified map[ProjectID]time.Time `json:"invalid_notified,omitempty"`
	DeliveryFailure *DeliveryFailure        `json:"delivery_failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w GuildWatch) Destination() Destination {
	return GuildChannel(w.GuildID, w.ChannelID, w.RoleID)
}

// UserWatch subscribes one user; delivery is always a direct message.
type UserWatch struct {
	UserID string `json:"user_id"`

	Projects        ProjectSet              `json:"projects"`
	Filters         Filters                 `json:"filters,omitzero"`
	Invalid         map[ProjectID]time.Time `json:"invalid,omitempty"`
	InvalidNotified map[ProjectID]time.Time `json:"invalid_notified,omitempty"`
	DeliveryFailure *DeliveryFailure        `json:"delivery_failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w UserWatch) Destination() Destination { return DirectMessage(w.UserID) }

// UpdateEvent is produced once per detected version transition.
type UpdateEvent struct {
	ID        string    `json:"id"`
	ProjectID ProjectID `json:"project_id"`
	Project   Project   `json:"project"`
	// PreviousVersionID is empty on first observation.
	PreviousVersionID string        `json:"previous_version_id,omitempty"`
	Version           VersionRecord `json:"version"`
	DetectedAt        time.Time     `json:"detected_at"`
}

// Clone returns a deep copy; watches are stored and handed out by value.
func (w GuildWatch) Clone() GuildWatch {
	w.Projects = w.Projects.Clone()
	w.Filters = w.Filters.Clone()
	w.Invalid = cloneInvalid(w.Invalid)
	w.InvalidNotified = cloneInvalid(w.InvalidNotified)
	if w.DeliveryFailure != nil {
		f := *w.DeliveryFailure
		w.DeliveryFailure = &f
	}
	return w
}

func (w UserWatch) Clone() UserWatch {
	w.Projects = w.Projects.Clone()
	w.Filters = w.Filters.Clone()
	w.Invalid = cloneInvalid(w.Invalid)
	w.InvalidNotified = cloneInvalid(w.InvalidNotified)
	if w.DeliveryFailure != nil {
		f := *w.DeliveryFailure
		w.DeliveryFailure = &f
	}
	return w
}

func cloneInvalid(m map[ProjectID]time.Time) map[ProjectID]time.Time {
	if len(m) == 0 {
		return nil
	}
	out := make(map[ProjectID]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
