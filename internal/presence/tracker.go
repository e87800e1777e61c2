// Package presence tracks ephemeral typing state per peer.
//
// A peer is absent until a start signal arrives, then typing until its expiry
// timer fires or a stop signal arrives. A repeated start re-arms the timer, so
// a lost stop signal heals itself once the TTL elapses.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chatroom/internal/models"
)

// DefaultTTL is how long a peer stays typing after its last start signal.
const DefaultTTL = 3 * time.Second

const defaultName = "Someone"

type entry struct {
	name  string
	timer *clock.Timer
	// gen identifies the timer that may expire this entry.
	gen uint64
	// seq orders entries by first sighting.
	seq uint64
}

// Tracker is a set of typing peers, each with a cancellable expiry task.
type Tracker struct {
	clock    clock.Clock
	ttl      time.Duration
	onChange func()

	mu     sync.Mutex
	peers  map[string]*entry
	gen    uint64
	closed bool
}

// NewTracker creates a tracker. onChange runs after every visible transition,
// outside the tracker lock.
func NewTracker(clk clock.Clock, ttl time.Duration, onChange func()) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &Tracker{clock: clk, ttl: ttl, onChange: onChange, peers: make(map[string]*entry)}
}

// Start marks id as typing and (re)arms its expiry.
func (t *Tracker) Start(id, name string) {
	if id == "" {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	e, ok := t.peers[id]
	if ok {
		e.timer.Stop()
	} else {
		e = &entry{seq: gen}
		t.peers[id] = e
	}
	e.name = name
	e.gen = gen
	e.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(id, gen) })
	t.mu.Unlock()

	t.onChange()
}

// Stop marks id as absent.
func (t *Tracker) Stop(id string) {
	t.mu.Lock()
	e, ok := t.peers[id]
	if ok {
		e.timer.Stop()
		delete(t.peers, id)
	}
	t.mu.Unlock()

	if ok {
		t.onChange()
	}
}

// Typing reports whether id is currently typing.
func (t *Tracker) Typing(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[id]
	return ok
}

// List returns typing peers in first-seen order, leaving out exclude.
func (t *Tracker) List(exclude string) []models.TypingUser {
	t.mu.Lock()
	type item struct {
		id string
		e  entry
	}
	items := make([]item, 0, len(t.peers))
	for id, e := range t.peers {
		if id == exclude {
			continue
		}
		items = append(items, item{id: id, e: *e})
	}
	t.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].e.seq < items[j].e.seq })
	out := make([]models.TypingUser, 0, len(items))
	for _, it := range items {
		name := it.e.name
		if name == "" {
			name = defaultName
		}
		out = append(out, models.TypingUser{UserID: it.id, Username: name})
	}
	return out
}

// Close cancels every pending expiry. It does not notify.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, e := range t.peers {
		e.timer.Stop()
		delete(t.peers, id)
	}
}

func (t *Tracker) expire(id string, gen uint64) {
	t.mu.Lock()
	e, ok := t.peers[id]
	expired := ok && e.gen == gen
	if expired {
		delete(t.peers, id)
	}
	t.mu.Unlock()

	if expired {
		t.onChange()
	}
}
