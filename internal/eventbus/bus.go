package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal between components.
//
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives events whose Type starts with one of prefixes, or
	// every event when no prefix is given.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

// Nop is a Bus that drops everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch       chan Event
	prefixes []string
	closed   atomic.Bool
}

func (s *sub) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed.Load() || !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefixes: prefixes}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Removing under the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			s.closed.Store(true)
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}
