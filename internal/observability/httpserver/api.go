package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"modwatch/internal/model"
	"modwatch/internal/ops"
	"modwatch/internal/upstream/modrinth"
	"modwatch/internal/watch"
	logx "modwatch/pkg/logx"
)

// Watches is the admin surface of the watch manager.
type Watches interface {
	AddGuildWatch(ctx context.Context, spec watch.GuildSpec, refs ...string) (watch.AddResult, error)
	AddUserWatch(ctx context.Context, spec watch.UserSpec, refs ...string) (watch.AddResult, error)
	RemoveGuildWatch(ctx context.Context, guildID string, ids ...model.ProjectID) ([]model.ProjectID, error)
	RemoveUserWatch(ctx context.Context, userID string, ids ...model.ProjectID) ([]model.ProjectID, error)
	ListWatches(ctx context.Context, owner watch.Owner) (watch.WatchView, error)
	All(ctx context.Context) ([]watch.WatchView, error)
	SendTest(ctx context.Context, owner watch.Owner, p model.ProjectID) (model.VersionRecord, error)
}

type api struct {
	ctl     ops.Controller
	watches Watches
	log     logx.Logger
}

// watchRequest addresses either a guild (guild_id + channel_id) or a user.
// Filters, when present, replace the watch's filters on add.
type watchRequest struct {
	watch.GuildSpec
	UserID   string   `json:"user_id,omitempty"`
	Projects []string `json:"projects"`
}

type addResponse struct {
	watch.AddResult
	Errors []string `json:"errors,omitempty"`
}

type testResult struct {
	Project model.ProjectID `json:"project"`
	Version string          `json:"version,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ctl.Status(r.Context()))
}

func (a *api) poll(w http.ResponseWriter, _ *http.Request) {
	a.ctl.TriggerPoll()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "poll requested"})
}

func (a *api) listWatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var owner watch.Owner
	switch {
	case q.Get("guild_id") != "":
		owner = watch.Guild(q.Get("guild_id"))
	case q.Get("user_id") != "":
		owner = watch.User(q.Get("user_id"))
	default:
		all, err := a.watches.All(r.Context())
		if err != nil {
			a.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, all)
		return
	}
	v, err := a.watches.ListWatches(r.Context(), owner)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *api) addWatch(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	var (
		res watch.AddResult
		err error
	)
	if req.UserID != "" {
		res, err = a.watches.AddUserWatch(r.Context(), watch.UserSpec{UserID: req.UserID, Filters: req.Filters}, req.Projects...)
	} else {
		res, err = a.watches.AddGuildWatch(r.Context(), req.GuildSpec, req.Projects...)
	}
	if err != nil && len(res.Added) == 0 && len(res.Existing) == 0 {
		a.fail(w, err)
		return
	}
	out := addResponse{AddResult: res}
	status := http.StatusOK
	if len(res.Added) > 0 {
		status = http.StatusCreated
	}
	if err != nil {
		out.Errors = splitJoined(err)
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, out)
}

func (a *api) removeWatch(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	ids := make([]model.ProjectID, 0, len(req.Projects))
	for _, p := range req.Projects {
		ids = append(ids, model.ProjectID(p))
	}
	var (
		removed []model.ProjectID
		err     error
	)
	if req.UserID != "" {
		removed, err = a.watches.RemoveUserWatch(r.Context(), req.UserID, ids...)
	} else {
		removed, err = a.watches.RemoveGuildWatch(r.Context(), req.GuildID, ids...)
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// testWatch queues a preview of the latest version of each project to the
// watch's destination.
func (a *api) testWatch(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	owner := watch.Guild(strings.TrimSpace(req.GuildID))
	if req.UserID != "" {
		owner = watch.User(strings.TrimSpace(req.UserID))
	}
	if owner.ID == "" {
		a.fail(w, watch.ErrOwnerRequired)
		return
	}
	if len(req.Projects) == 0 {
		a.fail(w, watch.ErrNoProjects)
		return
	}
	status := http.StatusAccepted
	out := make([]testResult, 0, len(req.Projects))
	for _, p := range req.Projects {
		v, err := a.watches.SendTest(r.Context(), owner, model.ProjectID(p))
		if errors.Is(err, watch.ErrNoWatch) {
			a.fail(w, err)
			return
		}
		res := testResult{Project: model.ProjectID(p), Version: v.ID}
		if err != nil {
			res.Error = err.Error()
			status = http.StatusMultiStatus
		}
		out = append(out, res)
	}
	writeJSON(w, status, map[string]any{"results": out})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request) (watchRequest, bool) {
	var req watchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return req, false
	}
	return req, true
}

func (a *api) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, watch.ErrOwnerRequired), errors.Is(err, watch.ErrChannelRequired), errors.Is(err, watch.ErrNoProjects):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, watch.ErrNoWatch):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, modrinth.ErrNotFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case modrinth.IsTransient(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.log.Warn("admin request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func splitJoined(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
