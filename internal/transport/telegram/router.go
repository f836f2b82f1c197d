package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"modwatch/internal/ops"
	logx "modwatch/pkg/logx"
)

type request struct {
	Command  string
	Args     []string
	FromID   int64
	ChatID   int64
	ThreadID int
}

// parseRequest reads "/cmd@botname arg..." and returns an empty Command for
// anything else.
func parseRequest(text string) request {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return request{}
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return request{Command: strings.ToLower(cmd), Args: fields[1:]}
}

type handlerFunc func(ctx context.Context, req request) (string, error)

type middleware func(next handlerFunc) handlerFunc

func chain(h handlerFunc, m ...middleware) handlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type command struct {
	description string
	handle      handlerFunc
}

type router struct {
	ctl      ops.Controller
	mu       sync.RWMutex
	owners   map[int64]struct{}
	log      logx.Logger
	commands map[string]command
}

func newRouter(ctl ops.Controller, owners []int64, log logx.Logger) *router {
	r := &router{ctl: ctl, log: log}
	r.setOwners(owners)
	r.commands = map[string]command{
		"status": {description: "poller and delivery status", handle: r.status},
		"poll":   {description: "run a poll cycle now", handle: r.poll},
		"help":   {description: "list commands", handle: r.help},
	}
	return r
}

// handle runs req and returns the reply text. Non-owners and unknown
// commands get no reply.
func (r *router) handle(ctx context.Context, req request) string {
	cmd, ok := r.commands[req.Command]
	if !ok {
		return ""
	}
	h := chain(cmd.handle, r.recoverPanic, r.ownerOnly, r.requestLog)
	reply, err := h(ctx, req)
	if err != nil {
		if errors.Is(err, errNotOwner) {
			return ""
		}
		return "error: " + err.Error()
	}
	return reply
}

var errNotOwner = errors.New("not an owner")

func (r *router) setOwners(ids []int64) {
	owners := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		owners[id] = struct{}{}
	}
	r.mu.Lock()
	r.owners = owners
	r.mu.Unlock()
}

func (r *router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[id]
	return ok
}

func (r *router) ownerOnly(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req request) (string, error) {
		if !r.isOwner(req.FromID) {
			r.log.Debug("command from non-owner ignored", logx.Int64("from_id", req.FromID), logx.String("cmd", req.Command))
			return "", errNotOwner
		}
		return next(ctx, req)
	}
}

func (r *router) recoverPanic(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req request) (reply string, err error) {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("panic recovered", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return next(ctx, req)
	}
}

func (r *router) requestLog(next handlerFunc) handlerFunc {
	return func(ctx context.Context, req request) (string, error) {
		start := time.Now()
		reply, err := next(ctx, req)
		fields := []logx.Field{
			logx.Int64("chat_id", req.ChatID),
			logx.Int64("from_id", req.FromID),
			logx.String("cmd", req.Command),
			logx.Duration("dur", time.Since(start)),
		}
		if err != nil {
			r.log.Warn("command failed", append(fields, logx.Err(err))...)
		} else {
			r.log.Debug("command ok", fields...)
		}
		return reply, err
	}
}

func (r *router) status(ctx context.Context, _ request) (string, error) {
	return r.ctl.Status(ctx).Text(), nil
}

func (r *router) poll(context.Context, request) (string, error) {
	r.ctl.TriggerPoll()
	return "poll cycle requested", nil
}

func (r *router) help(context.Context, request) (string, error) {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "/%s - %s\n", n, r.commands[n].description)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
