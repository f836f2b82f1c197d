package watch

import (
	"context"
	"time"

	"modwatch/internal/model"
	"modwatch/internal/storage"
)

// record wraps whichever watch type an owner has so the add/remove paths are
// shared.
type record struct {
	owner Owner
	g     model.GuildWatch
	u     model.UserWatch
}

func (r *record) projects() model.ProjectSet {
	if r.owner.Kind == OwnerGuild {
		if r.g.Projects == nil {
			r.g.Projects = model.NewProjectSet()
		}
		return r.g.Projects
	}
	if r.u.Projects == nil {
		r.u.Projects = model.NewProjectSet()
	}
	return r.u.Projects
}

func (r *record) invalid() map[model.ProjectID]time.Time {
	if r.owner.Kind == OwnerGuild {
		return r.g.Invalid
	}
	return r.u.Invalid
}

func (r *record) setInvalid(m map[model.ProjectID]time.Time) {
	if len(m) == 0 {
		m = nil
	}
	if r.owner.Kind == OwnerGuild {
		r.g.Invalid = m
	} else {
		r.u.Invalid = m
	}
}

func (r *record) notified() map[model.ProjectID]time.Time {
	if r.owner.Kind == OwnerGuild {
		return r.g.InvalidNotified
	}
	return r.u.InvalidNotified
}

func (r *record) setNotified(m map[model.ProjectID]time.Time) {
	if len(m) == 0 {
		m = nil
	}
	if r.owner.Kind == OwnerGuild {
		r.g.InvalidNotified = m
	} else {
		r.u.InvalidNotified = m
	}
}

// unflag drops p from both the invalid set and the notified set.
func (r *record) unflag(p model.ProjectID) bool {
	inv, nt := r.invalid(), r.notified()
	_, flagged := inv[p]
	_, told := nt[p]
	delete(inv, p)
	delete(nt, p)
	r.setInvalid(inv)
	r.setNotified(nt)
	return flagged || told
}

func (r *record) filters() model.Filters {
	if r.owner.Kind == OwnerGuild {
		return r.g.Filters
	}
	return r.u.Filters
}

func (r *record) setFilters(f model.Filters) {
	if r.owner.Kind == OwnerGuild {
		r.g.Filters = f
	} else {
		r.u.Filters = f
	}
}

func (r *record) failure() *model.DeliveryFailure {
	if r.owner.Kind == OwnerGuild {
		return r.g.DeliveryFailure
	}
	return r.u.DeliveryFailure
}

func (r *record) setFailure(f *model.DeliveryFailure) {
	if r.owner.Kind == OwnerGuild {
		r.g.DeliveryFailure = f
	} else {
		r.u.DeliveryFailure = f
	}
}

func (r *record) touch(now time.Time) {
	if r.owner.Kind == OwnerGuild {
		if r.g.CreatedAt.IsZero() {
			r.g.CreatedAt = now
		}
		r.g.UpdatedAt = now
		return
	}
	if r.u.CreatedAt.IsZero() {
		r.u.CreatedAt = now
	}
	r.u.UpdatedAt = now
}

func (r *record) destination() model.Destination {
	if r.owner.Kind == OwnerGuild {
		return r.g.Destination()
	}
	return r.u.Destination()
}

func (r *record) view() WatchView {
	v := WatchView{Owner: r.owner, Destination: r.destination(), Filters: r.filters(), DeliveryFailure: r.failure()}
	if r.owner.Kind == OwnerGuild {
		v.OwnerUserID = r.g.OwnerUserID
		v.CreatedAt, v.UpdatedAt = r.g.CreatedAt, r.g.UpdatedAt
	} else {
		v.CreatedAt, v.UpdatedAt = r.u.CreatedAt, r.u.UpdatedAt
	}
	return v
}

func loadRecord(ctx context.Context, st storage.WatchStore, o Owner) (record, bool, error) {
	rec := record{owner: o}
	var (
		ok  bool
		err error
	)
	if o.Kind == OwnerGuild {
		rec.g, ok, err = st.GetGuildWatch(ctx, o.ID)
		rec.g.GuildID = o.ID
	} else {
		rec.u, ok, err = st.GetUserWatch(ctx, o.ID)
		rec.u.UserID = o.ID
	}
	return rec, ok, err
}

func saveRecord(ctx context.Context, st storage.WatchStore, rec record) error {
	if rec.owner.Kind == OwnerGuild {
		return st.PutGuildWatch(ctx, rec.g)
	}
	return st.PutUserWatch(ctx, rec.u)
}

func deleteRecord(ctx context.Context, st storage.WatchStore, o Owner) error {
	if o.Kind == OwnerGuild {
		return st.DeleteGuildWatch(ctx, o.ID)
	}
	return st.DeleteUserWatch(ctx, o.ID)
}
