package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modwatch/internal/model"
	"modwatch/internal/storage"
	"modwatch/internal/upstream/modrinth"
	logx "modwatch/pkg/logx"
)

type fakeUpstream struct {
	mu       sync.Mutex
	projects map[string]model.Project // by id and slug
	latest   map[model.ProjectID]model.VersionRecord
	fetchErr map[model.ProjectID]error
	fetches  int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		projects: map[string]model.Project{},
		latest:   map[model.ProjectID]model.VersionRecord{},
		fetchErr: map[model.ProjectID]error{},
	}
}

func (f *fakeUpstream) addProject(p model.Project, v model.VersionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[string(p.ID)] = p
	if p.Slug != "" {
		f.projects[p.Slug] = p
	}
	f.latest[p.ID] = v
}

func (f *fakeUpstream) GetProject(_ context.Context, ref string) (model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[ref]
	if !ok {
		return model.Project{}, modrinth.ErrNotFound
	}
	return p, nil
}

func (f *fakeUpstream) FetchLatestVersion(_ context.Context, id model.ProjectID) (model.VersionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.fetchErr[id]; err != nil {
		return model.VersionRecord{}, err
	}
	return f.latest[id], nil
}

type recordedNotice struct {
	dest model.Destination
	n    model.Notice
}

var errQueueFull = errors.New("queue full")

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []recordedNotice
	refuse int // upcoming calls that fail as if the queue were full
}

func (f *fakeNotifier) Notify(_ context.Context, d model.Destination, n model.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse > 0 {
		f.refuse--
		return errQueueFull
	}
	f.sent = append(f.sent, recordedNotice{dest: d, n: n})
	return nil
}

func (f *fakeNotifier) refuseNext(n int) {
	f.mu.Lock()
	f.refuse = n
	f.mu.Unlock()
}

func (f *fakeNotifier) all() []recordedNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedNotice(nil), f.sent...)
}

func newTestManager(t *testing.T) (*Manager, storage.Store, *fakeUpstream, *fakeNotifier) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	up := newFakeUpstream()
	n := &fakeNotifier{}
	m := NewManager(st, up, logx.Nop())
	m.SetNotifier(n)
	return m, st, up, n
}

func TestFirstWatchSeedsCurrentVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, up, _ := newTestManager(t)
	up.addProject(model.Project{ID: "P2", Slug: "lithium", Title: "Lithium"},
		model.VersionRecord{ID: "2.3", PublishedAt: time.Unix(100, 0)})

	res, err := m.AddGuildWatch(ctx, GuildSpec{GuildID: "G1", ChannelID: "C1", RoleID: "R1"}, "lithium")
	if err != nil {
		t.Fatalf("AddGuildWatch: %v", err)
	}
	if len(res.Added) != 1 || res.Added[0].ID != "P2" {
		t.Fatalf("added=%+v", res.Added)
	}
	state, ok, _ := st.GetState(ctx, "P2")
	if !ok || state.LastNotifiedVersionID != "2.3" || state.Project.Slug != "lithium" {
		t.Fatalf("state=%+v ok=%v", state, ok)
	}
	if !m.Index().Has("P2") {
		t.Fatalf("index missing P2 right after add")
	}

	// A second subscriber does not reseed.
	up.addProject(model.Project{ID: "P2", Slug: "lithium"}, model.VersionRecord{ID: "2.4", PublishedAt: time.Unix(200, 0)})
	if _, err := m.AddUserWatch(ctx, UserSpec{UserID: "U1"}, "P2"); err != nil {
		t.Fatalf("AddUserWatch: %v", err)
	}
	state, _, _ = st.GetState(ctx, "P2")
	if state.LastNotifiedVersionID != "2.3" {
		t.Fatalf("second watch reseeded state to %q", state.LastNotifiedVersionID)
	}
}

func TestAddRejectsUnresolvableProjects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, up, _ := newTestManager(t)
	up.addProject(model.Project{ID: "OK"}, model.VersionRecord{ID: "v1"})
	up.addProject(model.Project{ID: "FLAKY"}, model.VersionRecord{})
	up.fetchErr["FLAKY"] = &modrinth.TransientError{Status: 503}

	res, err := m.AddUserWatch(ctx, UserSpec{UserID: "U1"}, "OK", "MISSING", "FLAKY")
	if err == nil {
		t.Fatalf("want error for MISSING and FLAKY")
	}
	if !errors.Is(err, modrinth.ErrNotFound) || !modrinth.IsTransient(err) {
		t.Fatalf("joined error lost a cause: %v", err)
	}
	if len(res.Added) != 1 {
		t.Fatalf("added=%+v", res.Added)
	}
	if m.Index().Has("MISSING") || m.Index().Has("FLAKY") {
		t.Fatalf("rejected project reached the index")
	}
	if _, ok, _ := st.GetState(ctx, "FLAKY"); ok {
		t.Fatalf("rejected project has state")
	}
	w, _, _ := st.GetUserWatch(ctx, "U1")
	if w.Projects.Has("FLAKY") || !w.Projects.Has("OK") {
		t.Fatalf("persisted projects=%v", w.Projects.Sorted())
	}
}

func TestAddWithNothingResolvedPersistsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, _, _ := newTestManager(t)

	if _, err := m.AddGuildWatch(ctx, GuildSpec{GuildID: "G", ChannelID: "C"}, "nope"); err == nil {
		t.Fatalf("want error")
	}
	if _, ok, _ := st.GetGuildWatch(ctx, "G"); ok {
		t.Fatalf("empty guild watch persisted")
	}
}

func TestRemovingLastSubscriberDeletesState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, up, _ := newTestManager(t)
	up.addProject(model.Project{ID: "P"}, model.VersionRecord{ID: "v1"})

	_, _ = m.AddGuildWatch(ctx, GuildSpec{GuildID: "G", ChannelID: "C"}, "P")
	_, _ = m.AddUserWatch(ctx, UserSpec{UserID: "U"}, "P")

	if _, err := m.RemoveUserWatch(ctx, "U", "P"); err != nil {
		t.Fatalf("RemoveUserWatch: %v", err)
	}
	if _, ok, _ := st.GetState(ctx, "P"); !ok {
		t.Fatalf("state deleted while a guild still watches")
	}
	if _, ok, _ := st.GetUserWatch(ctx, "U"); ok {
		t.Fatalf("empty user watch kept")
	}

	removed, err := m.RemoveGuildWatch(ctx, "G")
	if err != nil {
		t.Fatalf("RemoveGuildWatch: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("removed=%v", removed)
	}
	if _, ok, _ := st.GetState(ctx, "P"); ok {
		t.Fatalf("state kept after last subscriber left")
	}
	if m.Index().Has("P") {
		t.Fatalf("index still lists P")
	}
	if _, err := m.RemoveGuildWatch(ctx, "G"); !errors.Is(err, ErrNoWatch) {
		t.Fatalf("err=%v want ErrNoWatch", err)
	}
}

func TestReportNotFoundFlagsOnceAndKeepsProject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, up, n := newTestManager(t)
	up.addProject(model.Project{ID: "P3", Title: "Gone"}, model.VersionRecord{ID: "v1"})
	_, _ = m.AddGuildWatch(ctx, GuildSpec{GuildID: "G", ChannelID: "C"}, "P3")
	_, _ = m.AddUserWatch(ctx, UserSpec{UserID: "U"}, "P3")
	before, _, _ := st.GetState(ctx, "P3")

	m.ReportNotFound(ctx, "P3")
	m.ReportNotFound(ctx, "P3")

	sent := n.all()
	if len(sent) != 2 {
		t.Fatalf("notices=%d want 2 (one per owner, once)", len(sent))
	}
	kinds := map[model.DestinationKind]bool{}
	for _, s := range sent {
		kinds[s.dest.Kind] = true
		if s.n.Kind != model.NoticeProjectNotFound || s.n.Project.Title != "Gone" {
			t.Fatalf("notice=%+v", s.n)
		}
	}
	if !kinds[model.KindGuildChannel] || !kinds[model.KindDirectMessage] {
		t.Fatalf("notice destinations=%v", kinds)
	}
	if !m.Index().Has("P3") {
		t.Fatalf("P3 dropped from the poll set")
	}
	after, _, _ := st.GetState(ctx, "P3")
	if after != before {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
	view, _ := m.ListWatches(ctx, Guild("G"))
	if len(view.Projects) != 1 || view.Projects[0].InvalidSince == nil {
		t.Fatalf("view=%+v", view)
	}

	m.ClearInvalid(ctx, "P3")
	view, _ = m.ListWatches(ctx, Guild("G"))
	if view.Projects[0].InvalidSince != nil {
		t.Fatalf("flag not cleared")
	}
}

func TestNotFoundNoticeOfferedUntilQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, up, n := newTestManager(t)
	up.addProject(model.Project{ID: "P", Title: "Gone"}, model.VersionRecord{ID: "v1"})
	_, _ = m.AddUserWatch(ctx, UserSpec{UserID: "U"}, "P")

	n.refuseNext(1)
	m.ReportNotFound(ctx, "P")
	if got := len(n.all()); got != 0 {
		t.Fatalf("notices=%d while the queue was full", got)
	}
	w, _, _ := st.GetUserWatch(ctx, "U")
	if w.Invalid["P"].IsZero() || len(w.InvalidNotified) != 0 {
		t.Fatalf("after refused notice: invalid=%v notified=%v", w.Invalid, w.InvalidNotified)
	}

	for range 5 {
		m.ReportNotFound(ctx, "P")
	}
	sent := n.all()
	if len(sent) != 1 || sent[0].dest != model.DirectMessage("U") || sent[0].n.Kind != model.NoticeProjectNotFound {
		t.Fatalf("notices=%+v want exactly one", sent)
	}
	w, _, _ = st.GetUserWatch(ctx, "U")
	if w.InvalidNotified["P"].IsZero() {
		t.Fatalf("notice not marked as told")
	}

	m.ClearInvalid(ctx, "P")
	w, _, _ = st.GetUserWatch(ctx, "U")
	if len(w.Invalid) != 0 || len(w.InvalidNotified) != 0 {
		t.Fatalf("after clear: invalid=%v notified=%v", w.Invalid, w.InvalidNotified)
	}
	// a new outage is a new notice
	m.ReportNotFound(ctx, "P")
	if got := len(n.all()); got != 2 {
		t.Fatalf("notices=%d after second outage want 2", got)
	}
}

func TestTargetsApplyWatchFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, up, _ := newTestManager(t)
	up.addProject(model.Project{ID: "P"}, model.VersionRecord{ID: "v1"})
	_, _ = m.AddGuildWatch(ctx, GuildSpec{GuildID: "G", ChannelID: "C"}, "P")
	_, _ = m.AddUserWatch(ctx, UserSpec{UserID: "FAB", Filters: &model.Filters{Loaders: []string{" Fabric "}}}, "P")
	_, _ = m.AddUserWatch(ctx, UserSpec{UserID: "REL", Filters: &model.Filters{
		VersionTypes: []model.VersionType{model.VersionRelease},
		GameVersions: []string{"1.21.1"},
	}}, "P")

	tests := []struct {
		name string
		v    model.VersionRecord
		want []string
	}{
		{"fabric beta", model.VersionRecord{ID: "v2", Type: model.VersionBeta, Loaders: []string{"fabric", "quilt"}, GameVersions: []string{"1.21.1"}}, []string{"C", "FAB"}},
		{"forge release", model.VersionRecord{ID: "v2", Type: model.VersionRelease, Loaders: []string{"forge"}, GameVersions: []string{"1.21.1"}}, []string{"C", "REL"}},
		{"fabric release old game", model.VersionRecord{ID: "v2", Type: model.VersionRelease, Loaders: []string{"FABRIC"}, GameVersions: []string{"1.20.4"}}, []string{"C", "FAB"}},
		{"no version", model.VersionRecord{}, []string{"C"}},
	}
	for _, tt := range tests {
		targets, err := m.Targets(ctx, "P", tt.v)
		if err != nil {
			t.Fatalf("%s: Targets: %v", tt.name, err)
		}
		var got []string
		for _, tg := range targets {
			if tg.Destination.Kind == model.KindGuildChannel {
				got = append(got, tg.Destination.ChannelID)
			} else {
				got = append(got, tg.Destination.UserID)
			}
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%s: targets=%v want %v", tt.name, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%s: targets=%v want %v", tt.name, got, tt.want)
			}
		}
	}

	// a nil filter keeps what is stored, an empty one clears it
	_, _ = m.AddUserWatch(ctx, UserSpec{UserID: "FAB"}, "P")
	view, _ := m.ListWatches(ctx, User("FAB"))
	if len(view.Filters.Loaders) != 1 || view.Filters.Loaders[0] != "fabric" {
		t.Fatalf("filters after plain add=%+v", view.Filters)
	}
	_, _ = m.AddUserWatch(ctx, UserSpec{UserID: "FAB", Filters: &model.Filters{}}, "P")
	view, _ = m.ListWatches(ctx, User("FAB"))
	if !view.Filters.IsZero() {
		t.Fatalf("filters not cleared: %+v", view.Filters)
	}
}

func TestSendTestHonorsFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, up, n := newTestManager(t)
	up.addProject(model.Project{ID: "P", Title: "Sodium"}, model.VersionRecord{ID: "v1", Type: model.VersionBeta, Loaders: []string{"fabric"}})
	_, _ = m.AddGuildWatch(ctx, GuildSpec{GuildID: "G", ChannelID: "C", RoleID: "R"}, "P")
	_, _ = m.AddUserWatch(ctx, UserSpec{UserID: "U", Filters: &model.Filters{VersionTypes: []model.VersionType{model.VersionRelease}}}, "P")
	before, _, _ := st.GetState(ctx, "P")

	v, err := m.SendTest(ctx, Guild("G"), "P")
	if err != nil || v.ID != "v1" {
		t.Fatalf("SendTest=%+v,%v", v, err)
	}
	sent := n.all()
	if len(sent) != 1 || sent[0].n.Kind != model.NoticeTest || sent[0].n.Version == nil || sent[0].n.Project.Title != "Sodium" {
		t.Fatalf("notices=%+v", sent)
	}
	if sent[0].dest != model.GuildChannel("G", "C", "R") {
		t.Fatalf("dest=%+v", sent[0].dest)
	}

	if _, err := m.SendTest(ctx, User("U"), "P"); !errors.Is(err, ErrFiltered) {
		t.Fatalf("filtered watch err=%v", err)
	}
	if _, err := m.SendTest(ctx, User("U"), "OTHER"); !errors.Is(err, ErrNotWatched) {
		t.Fatalf("unwatched project err=%v", err)
	}
	if _, err := m.SendTest(ctx, User("NOBODY"), "P"); !errors.Is(err, ErrNoWatch) {
		t.Fatalf("missing watch err=%v", err)
	}
	if len(n.all()) != 1 {
		t.Fatalf("refused tests still queued notices")
	}
	after, _, _ := st.GetState(ctx, "P")
	if after != before {
		t.Fatalf("SendTest moved state: %+v -> %+v", before, after)
	}
}

func TestTargetsDedupeByDestination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, up, _ := newTestManager(t)
	up.addProject(model.Project{ID: "P"}, model.VersionRecord{ID: "v1"})
	_, _ = m.AddGuildWatch(ctx, GuildSpec{GuildID: "G1", ChannelID: "C"}, "P")
	_, _ = m.AddGuildWatch(ctx, GuildSpec{GuildID: "G2", ChannelID: "C"}, "P")
	_, _ = m.AddUserWatch(ctx, UserSpec{UserID: "U"}, "P")

	targets, err := m.Targets(ctx, "P", model.VersionRecord{ID: "v2"})
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets=%+v want 2", targets)
	}
	if len(targets[0].Owners) != 2 {
		t.Fatalf("shared channel owners=%v", targets[0].Owners)
	}
}

func TestDeliveryFailureNotifiesGuildOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, up, n := newTestManager(t)
	up.addProject(model.Project{ID: "P"}, model.VersionRecord{ID: "v1"})
	_, _ = m.AddGuildWatch(ctx, GuildSpec{GuildID: "G", ChannelID: "C", OwnerUserID: "OWN"}, "P")

	dest := model.GuildChannel("G", "C", "")
	m.ReportDeliveryFailure(ctx, []Owner{Guild("G")}, dest, "missing access")
	m.ReportDeliveryFailure(ctx, []Owner{Guild("G")}, dest, "missing access")

	sent := n.all()
	if len(sent) != 1 || sent[0].dest != model.DirectMessage("OWN") || sent[0].n.Kind != model.NoticeDeliveryFailed {
		t.Fatalf("notices=%+v", sent)
	}
	w, _, _ := st.GetGuildWatch(ctx, "G")
	if w.DeliveryFailure == nil || w.DeliveryFailure.Reason != "missing access" {
		t.Fatalf("failure not recorded: %+v", w.DeliveryFailure)
	}
	if m.Failing() != 1 {
		t.Fatalf("Failing()=%d want 1", m.Failing())
	}

	m.ClearDeliveryFailure(ctx, []Owner{Guild("G")})
	w, _, _ = st.GetGuildWatch(ctx, "G")
	if w.DeliveryFailure != nil {
		t.Fatalf("failure not cleared")
	}
	if m.Failing() != 0 {
		t.Fatalf("Failing()=%d after clear", m.Failing())
	}
}

func TestDeliveryFailureNoticeOfferedUntilQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, up, n := newTestManager(t)
	clock := time.UnixMilli(1_700_000_000_000)
	m.now = func() time.Time { return clock }
	up.addProject(model.Project{ID: "P"}, model.VersionRecord{ID: "v1"})
	_, _ = m.AddGuildWatch(ctx, GuildSpec{GuildID: "G", ChannelID: "C", OwnerUserID: "OWN"}, "P")
	dest := model.GuildChannel("G", "C", "")

	n.refuseNext(1)
	m.ReportDeliveryFailure(ctx, []Owner{Guild("G")}, dest, "missing access")
	w, _, _ := st.GetGuildWatch(ctx, "G")
	if len(n.all()) != 0 || w.DeliveryFailure == nil || !w.DeliveryFailure.NotifiedAt.IsZero() {
		t.Fatalf("refused notice: sent=%d failure=%+v", len(n.all()), w.DeliveryFailure)
	}

	for range 3 {
		clock = clock.Add(time.Minute)
		m.ReportDeliveryFailure(ctx, []Owner{Guild("G")}, dest, "missing access")
	}
	if got := len(n.all()); got != 1 {
		t.Fatalf("notices=%d want 1", got)
	}
	w, _, _ = st.GetGuildWatch(ctx, "G")
	if w.DeliveryFailure.NotifiedAt.IsZero() {
		t.Fatalf("notice not marked as told: %+v", w.DeliveryFailure)
	}

	clock = clock.Add(failureNoticeEvery)
	m.ReportDeliveryFailure(ctx, []Owner{Guild("G")}, dest, "missing access")
	if got := len(n.all()); got != 2 {
		t.Fatalf("notices=%d after %v want 2", got, failureNoticeEvery)
	}
}

func TestLoadRebuildsIndexAndPrunesOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	_ = st.PutGuildWatch(ctx, model.GuildWatch{GuildID: "G", ChannelID: "C", Projects: model.NewProjectSet("P1")})
	_ = st.PutUserWatch(ctx, model.UserWatch{UserID: "U", Projects: model.NewProjectSet("P1", "P2")})
	_, _ = st.SeedState(ctx, model.VersionState{ProjectID: "P1"})
	_, _ = st.SeedState(ctx, model.VersionState{ProjectID: "ORPHAN"})

	m := NewManager(st, newFakeUpstream(), logx.Nop())
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := m.Index().Projects()
	if len(got) != 2 || got[0] != "P1" || got[1] != "P2" {
		t.Fatalf("projects=%v", got)
	}
	subs := m.Index().Subscribers("P1")
	if len(subs.Guilds) != 1 || len(subs.Users) != 1 {
		t.Fatalf("subscribers=%+v", subs)
	}

	n, err := m.PruneOrphans(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PruneOrphans=%d,%v want 1", n, err)
	}
	if _, ok, _ := st.GetState(ctx, "ORPHAN"); ok {
		t.Fatalf("orphan state survived")
	}
}

func TestConcurrentAddsKeepIndexConsistent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, up, _ := newTestManager(t)
	up.addProject(model.Project{ID: "P"}, model.VersionRecord{ID: "v1"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if _, err := m.AddUserWatch(ctx, UserSpec{UserID: id}, "P"); err != nil {
				t.Errorf("AddUserWatch: %v", err)
			}
			if i%2 == 0 {
				if _, err := m.RemoveUserWatch(ctx, id, "P"); err != nil {
					t.Errorf("RemoveUserWatch: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	subs := m.Index().Subscribers("P")
	users, _ := st.ListUserWatches(ctx)
	if len(subs.Users) != 8 || len(users) != 8 {
		t.Fatalf("index users=%d stored=%d want 8", len(subs.Users), len(users))
	}
	if _, ok, _ := st.GetState(ctx, "P"); !ok {
		t.Fatalf("state lost while subscribers remain")
	}
}
