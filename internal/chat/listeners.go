package chat

import "sync"

// listener delivers versioned snapshots to one callback. Snapshots older than
// one already accepted are dropped, and a snapshot arriving while the callback
// runs is coalesced into the next call, so a callback may safely call back
// into the service.
type listener[T any] struct {
	fn func(T)

	mu         sync.Mutex
	busy       bool
	removed    bool
	seen       bool
	accepted   uint64
	hasPending bool
	pending    T
}

func (l *listener[T]) deliver(v T, version uint64) {
	l.mu.Lock()
	if l.removed || (l.seen && version <= l.accepted) {
		l.mu.Unlock()
		return
	}
	l.seen = true
	l.accepted = version
	l.pending = v
	l.hasPending = true
	if l.busy {
		l.mu.Unlock()
		return
	}

	l.busy = true
	for l.hasPending && !l.removed {
		next := l.pending
		l.hasPending = false
		l.mu.Unlock()
		l.fn(next)
		l.mu.Lock()
	}
	l.busy = false
	l.mu.Unlock()
}

func (l *listener[T]) stop() {
	l.mu.Lock()
	l.removed = true
	l.hasPending = false
	l.mu.Unlock()
}

// listenerSet is guarded by the owning service's mutex.
type listenerSet[T any] struct {
	items map[*listener[T]]struct{}
}

func newListenerSet[T any]() *listenerSet[T] {
	return &listenerSet[T]{items: make(map[*listener[T]]struct{})}
}

func (s *listenerSet[T]) add(fn func(T)) *listener[T] {
	l := &listener[T]{fn: fn}
	s.items[l] = struct{}{}
	return l
}

func (s *listenerSet[T]) remove(l *listener[T]) {
	delete(s.items, l)
	l.stop()
}

func (s *listenerSet[T]) list() []*listener[T] {
	out := make([]*listener[T], 0, len(s.items))
	for l := range s.items {
		out = append(out, l)
	}
	return out
}

func (s *listenerSet[T]) clear() {
	for l := range s.items {
		l.stop()
	}
	s.items = make(map[*listener[T]]struct{})
}
