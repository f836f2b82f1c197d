package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"modwatch/internal/model"
)

// memStore keeps everything in maps. The file driver wraps it and journals
// each mutation.
type memStore struct {
	mu     sync.RWMutex
	closed bool

	states map[model.ProjectID]model.VersionState
	guilds map[string]model.GuildWatch
	users  map[string]model.UserWatch
	ledger map[string]int64 // unix milli
}

// NewMemory returns a store that lives as long as the process.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		states: map[model.ProjectID]model.VersionState{},
		guilds: map[string]model.GuildWatch{},
		users:  map[string]model.UserWatch{},
		ledger: map[string]int64{},
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetState(_ context.Context, id model.ProjectID) (model.VersionState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.VersionState{}, false, ErrClosed
	}
	st, ok := s.states[id]
	return st, ok, nil
}

func (s *memStore) ListStates(context.Context) ([]model.VersionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]model.VersionState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (s *memStore) SeedState(_ context.Context, st model.VersionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.states[st.ProjectID]; ok {
		return false, nil
	}
	s.states[st.ProjectID] = st
	return true, nil
}

func (s *memStore) AdvanceState(_ context.Context, id model.ProjectID, from string, to model.VersionRecord, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	cur, ok := s.states[id]
	if !ok || !canAdvance(cur, from, to) {
		return false, nil
	}
	cur.LastNotifiedVersionID = to.ID
	cur.LastPublishedAt = to.PublishedAt
	cur.UpdatedAt = at
	s.states[id] = cur
	return true, nil
}

func (s *memStore) TouchChecked(_ context.Context, id model.ProjectID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if cur, ok := s.states[id]; ok {
		cur.LastCheckedAt = at
		s.states[id] = cur
	}
	return nil
}

func (s *memStore) DeleteState(_ context.Context, id model.ProjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.states, id)
	return nil
}

func (s *memStore) GetGuildWatch(_ context.Context, guildID string) (model.GuildWatch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.GuildWatch{}, false, ErrClosed
	}
	w, ok := s.guilds[guildID]
	if !ok {
		return model.GuildWatch{}, false, nil
	}
	return w.Clone(), true, nil
}

func (s *memStore) PutGuildWatch(_ context.Context, w model.GuildWatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.guilds[w.GuildID] = w.Clone()
	return nil
}

func (s *memStore) DeleteGuildWatch(_ context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.guilds, guildID)
	return nil
}

func (s *memStore) ListGuildWatches(context.Context) ([]model.GuildWatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]model.GuildWatch, 0, len(s.guilds))
	for _, w := range s.guilds {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out, nil
}

func (s *memStore) GetUserWatch(_ context.Context, userID string) (model.UserWatch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.UserWatch{}, false, ErrClosed
	}
	w, ok := s.users[userID]
	if !ok {
		return model.UserWatch{}, false, nil
	}
	return w.Clone(), true, nil
}

func (s *memStore) PutUserWatch(_ context.Context, w model.UserWatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.users[w.UserID] = w.Clone()
	return nil
}

func (s *memStore) DeleteUserWatch(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.users, userID)
	return nil
}

func (s *memStore) ListUserWatches(context.Context) ([]model.UserWatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]model.UserWatch, 0, len(s.users))
	for _, w := range s.users {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memStore) MarkDelivered(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ledger[key] = until.UnixMilli()
	return nil
}

func (s *memStore) Delivered(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	until, ok := s.ledger[strings.TrimSpace(key)]
	return ok && until >= time.Now().UnixMilli(), nil
}

func (s *memStore) PruneDelivered(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return pruneLedger(s.ledger, now), nil
}

func pruneLedger(m map[string]int64, now time.Time) int {
	cutoff := now.UnixMilli()
	n := 0
	for k, v := range m {
		if v < cutoff {
			delete(m, k)
			n++
		}
	}
	return n
}
