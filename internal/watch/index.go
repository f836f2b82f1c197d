package watch

import (
	"hash/fnv"
	"sort"
	"sync"

	"modwatch/internal/model"
)

type OwnerKind int

const (
	OwnerGuild OwnerKind = iota + 1
	OwnerUser
)

// Owner identifies a watch: one per guild, one per user.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

func Guild(id string) Owner { return Owner{Kind: OwnerGuild, ID: id} }
func User(id string) Owner  { return Owner{Kind: OwnerUser, ID: id} }

func (o Owner) Key() string {
	if o.Kind == OwnerGuild {
		return "guild:" + o.ID
	}
	return "user:" + o.ID
}

func (o Owner) String() string { return o.Key() }

// Subscribers is a copy of one index entry.
type Subscribers struct {
	Guilds []string
	Users  []string
}

func (s Subscribers) Empty() bool { return len(s.Guilds) == 0 && len(s.Users) == 0 }

// Owners lists guilds first, then users, each sorted.
func (s Subscribers) Owners() []Owner {
	out := make([]Owner, 0, len(s.Guilds)+len(s.Users))
	for _, g := range s.Guilds {
		out = append(out, Guild(g))
	}
	for _, u := range s.Users {
		out = append(out, User(u))
	}
	return out
}

const indexShards = 32

// Index maps projectId -> subscribing owners. Each shard has its own lock;
// there is no index-wide lock. An entry only exists while it has at least
// one subscriber, so the key set is the poll set.
type Index struct {
	shards [indexShards]indexShard
}

type indexShard struct {
	mu sync.RWMutex
	m  map[model.ProjectID]*indexEntry
}

type indexEntry struct {
	guilds map[string]struct{}
	users  map[string]struct{}
}

func NewIndex() *Index {
	ix := &Index{}
	for i := range ix.shards {
		ix.shards[i].m = map[model.ProjectID]*indexEntry{}
	}
	return ix
}

func (ix *Index) shard(p model.ProjectID) *indexShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p))
	return &ix.shards[h.Sum32()%indexShards]
}

func (ix *Index) Add(p model.ProjectID, o Owner) {
	sh := ix.shard(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[p]
	if !ok {
		e = &indexEntry{guilds: map[string]struct{}{}, users: map[string]struct{}{}}
		sh.m[p] = e
	}
	if o.Kind == OwnerGuild {
		e.guilds[o.ID] = struct{}{}
	} else {
		e.users[o.ID] = struct{}{}
	}
}

// Remove drops o from p and reports whether p has no subscribers left.
func (ix *Index) Remove(p model.ProjectID, o Owner) (empty bool) {
	sh := ix.shard(p)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[p]
	if !ok {
		return true
	}
	if o.Kind == OwnerGuild {
		delete(e.guilds, o.ID)
	} else {
		delete(e.users, o.ID)
	}
	if len(e.guilds) == 0 && len(e.users) == 0 {
		delete(sh.m, p)
		return true
	}
	return false
}

func (ix *Index) Subscribers(p model.ProjectID) Subscribers {
	sh := ix.shard(p)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.m[p]
	if !ok {
		return Subscribers{}
	}
	return Subscribers{Guilds: sortedKeys(e.guilds), Users: sortedKeys(e.users)}
}

func (ix *Index) Has(p model.ProjectID) bool {
	sh := ix.shard(p)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.m[p]
	return ok
}

// Projects returns every project with at least one subscriber, sorted.
func (ix *Index) Projects() []model.ProjectID {
	var out []model.ProjectID
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.RLock()
		for p := range sh.m {
			out = append(out, p)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (ix *Index) Len() int {
	n := 0
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
