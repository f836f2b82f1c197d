// Package watch owns the subscription records and the in-memory index the
// poller and dispatcher read.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modwatch/internal/model"
	"modwatch/internal/storage"
	logx "modwatch/pkg/logx"
)

var (
	ErrOwnerRequired   = errors.New("watch: owner id is required")
	ErrChannelRequired = errors.New("watch: channel id is required")
	ErrNoProjects      = errors.New("watch: no projects given")
	ErrNoWatch         = errors.New("watch: no such watch")
	ErrNotWatched      = errors.New("watch: project is not on this watch")
	ErrNoVersion       = errors.New("watch: project has no versions")
	ErrFiltered        = errors.New("watch: latest version does not match the watch filters")
	ErrNoNotifier      = errors.New("watch: no notifier")
)

// RefError is one project reference that could not be added.
type RefError struct {
	Ref string
	Err error
}

func (e *RefError) Error() string { return fmt.Sprintf("watch: %s: %v", e.Ref, e.Err) }
func (e *RefError) Unwrap() error { return e.Err }

// Upstream resolves references and reads the current version at watch time.
type Upstream interface {
	GetProject(ctx context.Context, idOrSlug string) (model.Project, error)
	FetchLatestVersion(ctx context.Context, id model.ProjectID) (model.VersionRecord, error)
}

// Notifier delivers owner notices.
type Notifier interface {
	Notify(ctx context.Context, dest model.Destination, n model.Notice) error
}

// GuildSpec is where a guild wants its notifications. A nil Filters keeps
// whatever the watch already has.
type GuildSpec struct {
	GuildID     string         `json:"guild_id"`
	ChannelID   string         `json:"channel_id"`
	RoleID      string         `json:"role_id,omitempty"`
	OwnerUserID string         `json:"owner_user_id,omitempty"`
	Filters     *model.Filters `json:"filters,omitempty"`
}

type UserSpec struct {
	UserID  string
	Filters *model.Filters
}

type AddResult struct {
	Added    []model.Project `json:"added"`
	Existing []model.Project `json:"existing,omitempty"`
}

// Target is one physical destination for an event and the watches behind it.
type Target struct {
	Destination model.Destination
	Owners      []Owner
}

type WatchView struct {
	Owner           Owner                  `json:"owner"`
	Destination     model.Destination      `json:"destination"`
	OwnerUserID     string                 `json:"owner_user_id,omitempty"`
	Projects        []ProjectView          `json:"projects"`
	Filters         model.Filters          `json:"filters,omitzero"`
	DeliveryFailure *model.DeliveryFailure `json:"delivery_failure,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

type ProjectView struct {
	ID                    model.ProjectID `json:"id"`
	Project               model.Project   `json:"project"`
	LastNotifiedVersionID string          `json:"last_notified_version_id,omitempty"`
	LastCheckedAt         time.Time       `json:"last_checked_at,omitempty"`
	InvalidSince          *time.Time      `json:"invalid_since,omitempty"`
}

// failureNoticeEvery limits how often an owner hears about the same broken
// destination.
const failureNoticeEvery = 6 * time.Hour

// Manager mutates watches. Every mutation persists the record and updates the
// index in the same call, under the owner lock and then the project lock.
type Manager struct {
	store storage.Store
	up    Upstream
	ix    *Index
	locks *KeyLock
	log   logx.Logger
	now   func() time.Time

	nmu      sync.RWMutex
	notifier Notifier

	// flagged projects, so ClearInvalid is free on the common path
	fmu     sync.Mutex
	invalid map[model.ProjectID]struct{}
	failing map[string]struct{} // owner keys with a recorded delivery failure
}

func NewManager(store storage.Store, up Upstream, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:   store,
		up:      up,
		ix:      NewIndex(),
		locks:   NewKeyLock(),
		log:     log.With(logx.Component("watch")),
		now:     time.Now,
		invalid: map[model.ProjectID]struct{}{},
		failing: map[string]struct{}{},
	}
}

// Index is read-only for callers outside this package.
func (m *Manager) Index() *Index { return m.ix }

// Projects lists every project with at least one subscriber.
func (m *Manager) Projects() []model.ProjectID { return m.ix.Projects() }

func (m *Manager) SetNotifier(n Notifier) {
	m.nmu.Lock()
	m.notifier = n
	m.nmu.Unlock()
}

func projectKey(p model.ProjectID) string { return "project:" + string(p) }

// Load rebuilds the index from persisted watches.
func (m *Manager) Load(ctx context.Context) error {
	guilds, err := m.store.ListGuildWatches(ctx)
	if err != nil {
		return fmt.Errorf("load guild watches: %w", err)
	}
	users, err := m.store.ListUserWatches(ctx)
	if err != nil {
		return fmt.Errorf("load user watches: %w", err)
	}
	m.fmu.Lock()
	defer m.fmu.Unlock()
	for _, w := range guilds {
		m.loadOne(record{owner: Guild(w.GuildID), g: w})
	}
	for _, w := range users {
		m.loadOne(record{owner: User(w.UserID), u: w})
	}
	m.log.Info("watches loaded",
		logx.Int("guilds", len(guilds)), logx.Int("users", len(users)), logx.Int("projects", m.ix.Len()))
	return nil
}

func (m *Manager) loadOne(rec record) {
	for p := range rec.projects() {
		m.ix.Add(p, rec.owner)
	}
	for p := range rec.invalid() {
		m.invalid[p] = struct{}{}
	}
	if rec.failure() != nil {
		m.failing[rec.owner.Key()] = struct{}{}
	}
}

func (m *Manager) AddGuildWatch(ctx context.Context, spec GuildSpec, refs ...string) (AddResult, error) {
	spec.GuildID = strings.TrimSpace(spec.GuildID)
	spec.ChannelID = strings.TrimSpace(spec.ChannelID)
	if spec.GuildID == "" {
		return AddResult{}, ErrOwnerRequired
	}
	if spec.ChannelID == "" {
		return AddResult{}, ErrChannelRequired
	}
	return m.add(ctx, Guild(spec.GuildID), refs, func(rec *record) bool {
		g := &rec.g
		changed := g.ChannelID != spec.ChannelID || g.RoleID != spec.RoleID ||
			(spec.OwnerUserID != "" && g.OwnerUserID != spec.OwnerUserID)
		g.ChannelID, g.RoleID = spec.ChannelID, spec.RoleID
		if spec.OwnerUserID != "" {
			g.OwnerUserID = spec.OwnerUserID
		}
		if changed {
			// a new destination deserves a fresh start
			g.DeliveryFailure = nil
		}
		return applyFilters(rec, spec.Filters) || changed
	})
}

func (m *Manager) AddUserWatch(ctx context.Context, spec UserSpec, refs ...string) (AddResult, error) {
	userID := strings.TrimSpace(spec.UserID)
	if userID == "" {
		return AddResult{}, ErrOwnerRequired
	}
	return m.add(ctx, User(userID), refs, func(rec *record) bool {
		return applyFilters(rec, spec.Filters)
	})
}

func applyFilters(rec *record, f *model.Filters) bool {
	if f == nil {
		return false
	}
	next := f.Normalize()
	if next.Equal(rec.filters().Normalize()) {
		return false
	}
	rec.setFilters(next)
	return true
}

// add resolves every ref and subscribes owner to it. Refs that fail to
// resolve or to seed are reported in the joined error; the others are kept.
func (m *Manager) add(ctx context.Context, owner Owner, refs []string, update func(*record) bool) (AddResult, error) {
	refs = cleanRefs(refs)
	if len(refs) == 0 {
		return AddResult{}, ErrNoProjects
	}

	unlock := m.locks.Lock(owner.Key())
	defer unlock()

	rec, exists, err := loadRecord(ctx, m.store, owner)
	if err != nil {
		return AddResult{}, err
	}
	changed := update(&rec)

	var (
		res  AddResult
		errs []error
	)
	for _, ref := range refs {
		p, err := m.up.GetProject(ctx, ref)
		if err != nil {
			errs = append(errs, &RefError{Ref: ref, Err: err})
			continue
		}
		if rec.projects().Has(p.ID) {
			res.Existing = append(res.Existing, p)
			continue
		}
		if err := m.addProject(ctx, &rec, p); err != nil {
			errs = append(errs, &RefError{Ref: ref, Err: err})
			continue
		}
		res.Added = append(res.Added, p)
	}

	if len(res.Added) == 0 && exists && changed {
		rec.touch(m.now())
		if err := saveRecord(ctx, m.store, rec); err != nil {
			errs = append(errs, err)
		} else if rec.failure() == nil {
			m.clearFailing(owner)
		}
	}
	if len(res.Added) > 0 {
		m.log.Info("watch added", logx.String("owner", owner.Key()), logx.Int("added", len(res.Added)))
	}
	return res, errors.Join(errs...)
}

// addProject seeds state on first watch, so subscribers are never told about
// a version that was already current when they subscribed.
func (m *Manager) addProject(ctx context.Context, rec *record, p model.Project) error {
	unlock := m.locks.Lock(projectKey(p.ID))
	defer unlock()

	seeded := false
	_, ok, err := m.store.GetState(ctx, p.ID)
	if err != nil {
		return err
	}
	if !ok {
		v, err := m.up.FetchLatestVersion(ctx, p.ID)
		if err != nil {
			return err
		}
		now := m.now()
		seeded, err = m.store.SeedState(ctx, model.VersionState{
			ProjectID:             p.ID,
			Project:               p,
			LastNotifiedVersionID: v.ID,
			LastPublishedAt:       v.PublishedAt,
			LastCheckedAt:         now,
			UpdatedAt:             now,
		})
		if err != nil {
			return err
		}
	}

	rec.projects()[p.ID] = struct{}{}
	rec.touch(m.now())
	if err := saveRecord(ctx, m.store, *rec); err != nil {
		delete(rec.projects(), p.ID)
		if seeded && !m.ix.Has(p.ID) {
			_ = m.store.DeleteState(ctx, p.ID)
		}
		return err
	}
	m.ix.Add(p.ID, rec.owner)
	return nil
}

// RemoveGuildWatch unsubscribes the guild from ids, or from everything when
// ids is empty.
func (m *Manager) RemoveGuildWatch(ctx context.Context, guildID string, ids ...model.ProjectID) ([]model.ProjectID, error) {
	return m.remove(ctx, Guild(strings.TrimSpace(guildID)), ids)
}

func (m *Manager) RemoveUserWatch(ctx context.Context, userID string, ids ...model.ProjectID) ([]model.ProjectID, error) {
	return m.remove(ctx, User(strings.TrimSpace(userID)), ids)
}

func (m *Manager) remove(ctx context.Context, owner Owner, ids []model.ProjectID) ([]model.ProjectID, error) {
	if owner.ID == "" {
		return nil, ErrOwnerRequired
	}
	unlock := m.locks.Lock(owner.Key())
	defer unlock()

	rec, ok, err := loadRecord(ctx, m.store, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoWatch
	}
	if len(ids) == 0 {
		ids = rec.projects().Sorted()
	}

	var removed []model.ProjectID
	for _, id := range ids {
		if !rec.projects().Has(id) {
			continue
		}
		if err := m.removeProject(ctx, &rec, id); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	if len(rec.projects()) == 0 {
		if err := deleteRecord(ctx, m.store, owner); err != nil {
			return removed, err
		}
		m.clearFailing(owner)
	}
	if len(removed) > 0 {
		m.log.Info("watch removed", logx.String("owner", owner.Key()), logx.Int("removed", len(removed)))
	}
	return removed, nil
}

func (m *Manager) removeProject(ctx context.Context, rec *record, id model.ProjectID) error {
	unlock := m.locks.Lock(projectKey(id))
	defer unlock()

	delete(rec.projects(), id)
	rec.unflag(id)
	rec.touch(m.now())
	if len(rec.projects()) > 0 {
		if err := saveRecord(ctx, m.store, *rec); err != nil {
			rec.projects()[id] = struct{}{}
			return err
		}
	}
	if m.ix.Remove(id, rec.owner) {
		if err := m.store.DeleteState(ctx, id); err != nil {
			m.log.Warn("delete state of unwatched project", logx.Project(string(id)), logx.Err(err))
		}
	}
	return nil
}

// ListWatches returns one owner's watch with per-project state.
func (m *Manager) ListWatches(ctx context.Context, owner Owner) (WatchView, error) {
	rec, ok, err := loadRecord(ctx, m.store, owner)
	if err != nil {
		return WatchView{}, err
	}
	if !ok {
		return WatchView{}, ErrNoWatch
	}
	return m.viewOf(ctx, rec)
}

// All lists every watch, guilds first.
func (m *Manager) All(ctx context.Context) ([]WatchView, error) {
	guilds, err := m.store.ListGuildWatches(ctx)
	if err != nil {
		return nil, err
	}
	users, err := m.store.ListUserWatches(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WatchView, 0, len(guilds)+len(users))
	for _, g := range guilds {
		v, err := m.viewOf(ctx, record{owner: Guild(g.GuildID), g: g})
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	for _, u := range users {
		v, err := m.viewOf(ctx, record{owner: User(u.UserID), u: u})
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *Manager) viewOf(ctx context.Context, rec record) (WatchView, error) {
	v := rec.view()
	inv := rec.invalid()
	for _, id := range rec.projects().Sorted() {
		pv := ProjectView{ID: id, Project: model.Project{ID: id}}
		st, ok, err := m.store.GetState(ctx, id)
		if err != nil {
			return WatchView{}, err
		}
		if ok {
			pv.Project = st.Project
			pv.LastNotifiedVersionID = st.LastNotifiedVersionID
			pv.LastCheckedAt = st.LastCheckedAt
		}
		if at, flagged := inv[id]; flagged {
			pv.InvalidSince = &at
		}
		v.Projects = append(v.Projects, pv)
	}
	return v, nil
}

// Targets resolves the subscribers of p whose filters accept v to unique
// destinations.
func (m *Manager) Targets(ctx context.Context, p model.ProjectID, v model.VersionRecord) ([]Target, error) {
	subs := m.ix.Subscribers(p)
	if subs.Empty() {
		return nil, nil
	}
	var (
		out []Target
		pos = map[string]int{}
	)
	for _, o := range subs.Owners() {
		rec, ok, err := loadRecord(ctx, m.store, o)
		if err != nil {
			return nil, err
		}
		if !ok || !rec.projects().Has(p) || !rec.filters().Match(v) {
			continue
		}
		dest := rec.destination()
		if i, seen := pos[dest.Key()]; seen {
			out[i].Owners = append(out[i].Owners, o)
			continue
		}
		pos[dest.Key()] = len(out)
		out = append(out, Target{Destination: dest, Owners: []Owner{o}})
	}
	return out, nil
}

// SendTest queues a preview of the update message for p's latest version to
// owner's destination. It never touches version state.
func (m *Manager) SendTest(ctx context.Context, owner Owner, p model.ProjectID) (model.VersionRecord, error) {
	rec, ok, err := loadRecord(ctx, m.store, owner)
	if err != nil {
		return model.VersionRecord{}, err
	}
	if !ok {
		return model.VersionRecord{}, ErrNoWatch
	}
	if !rec.projects().Has(p) {
		return model.VersionRecord{}, ErrNotWatched
	}
	v, err := m.up.FetchLatestVersion(ctx, p)
	if err != nil {
		return model.VersionRecord{}, err
	}
	if v.IsZero() {
		return v, ErrNoVersion
	}
	if !rec.filters().Match(v) {
		return v, ErrFiltered
	}
	project := model.Project{ID: p}
	if st, ok, err := m.store.GetState(ctx, p); err == nil && ok {
		project = st.Project
	}

	m.nmu.RLock()
	n := m.notifier
	m.nmu.RUnlock()
	if n == nil {
		return v, ErrNoNotifier
	}
	dest := rec.destination()
	if err := n.Notify(ctx, dest, model.Notice{Kind: model.NoticeTest, Project: project, Version: &v, At: m.now()}); err != nil {
		return v, err
	}
	m.log.Info("test notification queued", logx.String("owner", owner.Key()), logx.Project(string(p)), logx.String("version", v.ID))
	return v, nil
}

type pendingNotice struct {
	owner Owner
	dest  model.Destination
	n     model.Notice
	// ack marks the notice as told on the owner's record once it is queued.
	ack func(rec *record, at time.Time) bool
}

// ReportNotFound flags p on every owning watch. Owners hear about it once:
// the notice is offered again on each report until the dispatcher queues it.
// The project stays in the poll set.
func (m *Manager) ReportNotFound(ctx context.Context, p model.ProjectID) {
	project := model.Project{ID: p}
	if st, ok, err := m.store.GetState(ctx, p); err == nil && ok {
		project = st.Project
	}
	now := m.now()
	var notices []pendingNotice
	for _, o := range m.ix.Subscribers(p).Owners() {
		if n, ok := m.flagInvalid(ctx, o, p, project, now); ok {
			notices = append(notices, n)
		}
	}
	m.fmu.Lock()
	m.invalid[p] = struct{}{}
	m.fmu.Unlock()

	if len(notices) > 0 {
		m.log.Warn("project reported missing upstream", logx.Project(string(p)), logx.Int("owners", len(notices)))
	}
	m.send(ctx, notices)
}

func (m *Manager) flagInvalid(ctx context.Context, o Owner, p model.ProjectID, project model.Project, now time.Time) (pendingNotice, bool) {
	unlock := m.locks.Lock(o.Key())
	defer unlock()
	rec, ok, err := loadRecord(ctx, m.store, o)
	if err != nil || !ok || !rec.projects().Has(p) {
		return pendingNotice{}, false
	}
	inv := rec.invalid()
	_, flagged := inv[p]
	if _, told := rec.notified()[p]; flagged && told {
		return pendingNotice{}, false
	}
	if !flagged {
		if inv == nil {
			inv = map[model.ProjectID]time.Time{}
		}
		inv[p] = now
		rec.setInvalid(inv)
		rec.touch(now)
		if err := saveRecord(ctx, m.store, rec); err != nil {
			m.log.Warn("persist invalid flag", logx.String("owner", o.Key()), logx.Err(err))
			return pendingNotice{}, false
		}
	}
	return pendingNotice{
		owner: o,
		dest:  rec.destination(),
		n:     model.Notice{Kind: model.NoticeProjectNotFound, Project: project, At: now},
		ack: func(rec *record, at time.Time) bool {
			if _, still := rec.invalid()[p]; !still {
				return false
			}
			nt := rec.notified()
			if nt == nil {
				nt = map[model.ProjectID]time.Time{}
			}
			nt[p] = at
			rec.setNotified(nt)
			return true
		},
	}, true
}

// ClearInvalid drops the flag after a successful fetch.
func (m *Manager) ClearInvalid(ctx context.Context, p model.ProjectID) {
	m.fmu.Lock()
	_, flagged := m.invalid[p]
	m.fmu.Unlock()
	if !flagged {
		return
	}
	for _, o := range m.ix.Subscribers(p).Owners() {
		m.updateRecord(ctx, o, func(rec *record) bool { return rec.unflag(p) })
	}
	m.fmu.Lock()
	delete(m.invalid, p)
	m.fmu.Unlock()
	m.log.Info("project reachable again", logx.Project(string(p)))
}

// ReportDeliveryFailure records a permanent failure towards dest on owners.
// A guild's OwnerUserID is told by direct message, again every
// failureNoticeEvery while the failure persists. A notice that could not be
// queued is offered again on the next failure.
func (m *Manager) ReportDeliveryFailure(ctx context.Context, owners []Owner, dest model.Destination, reason string) {
	now := m.now()
	var notices []pendingNotice
	for _, o := range owners {
		var notify string
		m.updateRecord(ctx, o, func(rec *record) bool {
			f := &model.DeliveryFailure{At: now, Reason: reason}
			if prev := rec.failure(); prev != nil {
				f.NotifiedAt = prev.NotifiedAt
			}
			rec.setFailure(f)
			if o.Kind == OwnerGuild && rec.g.OwnerUserID != "" && (f.NotifiedAt.IsZero() || now.Sub(f.NotifiedAt) >= failureNoticeEvery) {
				notify = rec.g.OwnerUserID
			}
			return true
		})
		m.fmu.Lock()
		m.failing[o.Key()] = struct{}{}
		m.fmu.Unlock()
		if notify != "" {
			notices = append(notices, pendingNotice{
				owner: o,
				dest:  model.DirectMessage(notify),
				n:     model.Notice{Kind: model.NoticeDeliveryFailed, Target: describe(dest), Reason: reason, At: now},
				ack: func(rec *record, at time.Time) bool {
					f := rec.failure()
					if f == nil {
						return false
					}
					f.NotifiedAt = at
					return true
				},
			})
		}
	}
	m.send(ctx, notices)
}

// ClearDeliveryFailure forgets a recorded failure once dest works again.
func (m *Manager) ClearDeliveryFailure(ctx context.Context, owners []Owner) {
	for _, o := range owners {
		m.fmu.Lock()
		_, failing := m.failing[o.Key()]
		m.fmu.Unlock()
		if !failing {
			continue
		}
		m.updateRecord(ctx, o, func(rec *record) bool {
			if rec.failure() == nil {
				return false
			}
			rec.setFailure(nil)
			return true
		})
		m.clearFailing(o)
	}
}

// Failing counts watches whose destination last failed permanently.
func (m *Manager) Failing() int {
	m.fmu.Lock()
	defer m.fmu.Unlock()
	return len(m.failing)
}

func (m *Manager) clearFailing(o Owner) {
	m.fmu.Lock()
	delete(m.failing, o.Key())
	m.fmu.Unlock()
}

// PruneOrphans deletes states no watch refers to.
func (m *Manager) PruneOrphans(ctx context.Context) (int, error) {
	states, err := m.store.ListStates(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range states {
		if m.ix.Has(st.ProjectID) {
			continue
		}
		unlock := m.locks.Lock(projectKey(st.ProjectID))
		if !m.ix.Has(st.ProjectID) {
			if err := m.store.DeleteState(ctx, st.ProjectID); err != nil {
				unlock()
				return n, err
			}
			n++
		}
		unlock()
	}
	if n > 0 {
		m.log.Warn("pruned orphan version states", logx.Int("count", n))
	}
	return n, nil
}

func (m *Manager) updateRecord(ctx context.Context, o Owner, fn func(*record) bool) {
	unlock := m.locks.Lock(o.Key())
	defer unlock()
	rec, ok, err := loadRecord(ctx, m.store, o)
	if err != nil {
		m.log.Warn("load watch", logx.String("owner", o.Key()), logx.Err(err))
		return
	}
	if !ok || !fn(&rec) {
		return
	}
	rec.touch(m.now())
	if err := saveRecord(ctx, m.store, rec); err != nil {
		m.log.Warn("persist watch", logx.String("owner", o.Key()), logx.Err(err))
	}
}

func (m *Manager) send(ctx context.Context, notices []pendingNotice) {
	if len(notices) == 0 {
		return
	}
	m.nmu.RLock()
	n := m.notifier
	m.nmu.RUnlock()
	if n == nil {
		return
	}
	for _, pn := range notices {
		if err := n.Notify(ctx, pn.dest, pn.n); err != nil {
			m.log.Warn("owner notice not queued; offered again on the next report",
				logx.String("dest", pn.dest.Key()), logx.Err(err))
			continue
		}
		if pn.ack != nil {
			m.updateRecord(ctx, pn.owner, func(rec *record) bool { return pn.ack(rec, m.now()) })
		}
	}
}

func describe(d model.Destination) string {
	if d.Kind == model.KindGuildChannel {
		return "<#" + d.ChannelID + ">"
	}
	return "direct messages"
}

func cleanRefs(refs []string) []string {
	out := refs[:0:0]
	seen := map[string]struct{}{}
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
