package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modwatch/internal/model"
	logx "modwatch/pkg/logx"
)

// fileStore is the dependency-free backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close. A torn trailing journal line is skipped on replay.
type fileStore struct {
	log logx.Logger
	mem *memStore

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type snapshot struct {
	States []model.VersionState `json:"states"`
	Guilds []model.GuildWatch   `json:"guilds"`
	Users  []model.UserWatch    `json:"users"`
	Ledger map[string]int64     `json:"ledger"`
}

const (
	opStatePut  = "state.put"
	opStateDel  = "state.del"
	opGuildPut  = "guild.put"
	opGuildDel  = "guild.del"
	opUserPut   = "user.put"
	opUserDel   = "user.del"
	opLedgerPut = "ledger.put"
)

type journalRecord struct {
	Op    string              `json:"op"`
	ID    string              `json:"id,omitempty"`
	State *model.VersionState `json:"state,omitempty"`
	Guild *model.GuildWatch   `json:"guild,omitempty"`
	User  *model.UserWatch    `json:"user,omitempty"`
	Until int64               `json:"until,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	pruneLedger(mem.ledger, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("replayed", n))

	return &fileStore{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		writes:       n,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	_ = s.mem.Close()
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.mem.mu.RLock()
	ledger := make(map[string]int64, len(s.mem.ledger))
	for k, v := range s.mem.ledger {
		ledger[k] = v
	}
	s.mem.mu.RUnlock()
	pruneLedger(ledger, time.Now())

	ctx := context.Background()
	states, _ := s.mem.ListStates(ctx)
	guilds, _ := s.mem.ListGuildWatches(ctx)
	users, _ := s.mem.ListUserWatches(ctx)
	snap := snapshot{States: states, Guilds: guilds, Users: users, Ledger: ledger}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) GetState(ctx context.Context, id model.ProjectID) (model.VersionState, bool, error) {
	return s.mem.GetState(ctx, id)
}

func (s *fileStore) ListStates(ctx context.Context) ([]model.VersionState, error) {
	return s.mem.ListStates(ctx)
}

func (s *fileStore) SeedState(ctx context.Context, st model.VersionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.SeedState(ctx, st)
	if !ok || err != nil {
		return ok, err
	}
	return true, s.appendLocked(journalRecord{Op: opStatePut, State: &st})
}

func (s *fileStore) AdvanceState(ctx context.Context, id model.ProjectID, from string, to model.VersionRecord, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.AdvanceState(ctx, id, from, to, at)
	if !ok || err != nil {
		return ok, err
	}
	return true, s.putStateLocked(ctx, id)
}

func (s *fileStore) TouchChecked(ctx context.Context, id model.ProjectID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.TouchChecked(ctx, id, at); err != nil {
		return err
	}
	return s.putStateLocked(ctx, id)
}

func (s *fileStore) putStateLocked(ctx context.Context, id model.ProjectID) error {
	st, ok, err := s.mem.GetState(ctx, id)
	if err != nil || !ok {
		return err
	}
	return s.appendLocked(journalRecord{Op: opStatePut, State: &st})
}

func (s *fileStore) DeleteState(ctx context.Context, id model.ProjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.DeleteState(ctx, id); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opStateDel, ID: string(id)})
}

func (s *fileStore) GetGuildWatch(ctx context.Context, guildID string) (model.GuildWatch, bool, error) {
	return s.mem.GetGuildWatch(ctx, guildID)
}

func (s *fileStore) PutGuildWatch(ctx context.Context, w model.GuildWatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.PutGuildWatch(ctx, w); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opGuildPut, Guild: &w})
}

func (s *fileStore) DeleteGuildWatch(ctx context.Context, guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.DeleteGuildWatch(ctx, guildID); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opGuildDel, ID: guildID})
}

func (s *fileStore) ListGuildWatches(ctx context.Context) ([]model.GuildWatch, error) {
	return s.mem.ListGuildWatches(ctx)
}

func (s *fileStore) GetUserWatch(ctx context.Context, userID string) (model.UserWatch, bool, error) {
	return s.mem.GetUserWatch(ctx, userID)
}

func (s *fileStore) PutUserWatch(ctx context.Context, w model.UserWatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.PutUserWatch(ctx, w); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opUserPut, User: &w})
}

func (s *fileStore) DeleteUserWatch(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.DeleteUserWatch(ctx, userID); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opUserDel, ID: userID})
}

func (s *fileStore) ListUserWatches(ctx context.Context) ([]model.UserWatch, error) {
	return s.mem.ListUserWatches(ctx)
}

func (s *fileStore) MarkDelivered(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.MarkDelivered(ctx, key, until); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opLedgerPut, ID: key, Until: until.UnixMilli()})
}

func (s *fileStore) Delivered(ctx context.Context, key string) (bool, error) {
	return s.mem.Delivered(ctx, key)
}

// PruneDelivered only trims memory; expired rows leave the files at the next
// compaction.
func (s *fileStore) PruneDelivered(ctx context.Context, now time.Time) (int, error) {
	return s.mem.PruneDelivered(ctx, now)
}

func loadSnapshot(path string, into *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, st := range snap.States {
		into.states[st.ProjectID] = st
	}
	for _, w := range snap.Guilds {
		into.guilds[w.GuildID] = w
	}
	for _, w := range snap.Users {
		into.users[w.UserID] = w
	}
	for k, v := range snap.Ledger {
		into.ledger[k] = v
	}
	return nil
}

func replayJournal(path string, into *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if applyRecord(into, r) {
			n++
		}
	}
	return n, sc.Err()
}

func applyRecord(m *memStore, r journalRecord) bool {
	switch r.Op {
	case opStatePut:
		if r.State == nil {
			return false
		}
		m.states[r.State.ProjectID] = *r.State
	case opStateDel:
		delete(m.states, model.ProjectID(r.ID))
	case opGuildPut:
		if r.Guild == nil {
			return false
		}
		m.guilds[r.Guild.GuildID] = *r.Guild
	case opGuildDel:
		delete(m.guilds, r.ID)
	case opUserPut:
		if r.User == nil {
			return false
		}
		m.users[r.User.UserID] = *r.User
	case opUserDel:
		delete(m.users, r.ID)
	case opLedgerPut:
		if r.ID == "" {
			return false
		}
		m.ledger[r.ID] = r.Until
	default:
		return false
	}
	return true
}
