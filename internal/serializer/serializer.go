// internal/serializer/serializer.go

// Package serializer provides per-key mutual exclusion with strict FIFO
// ordering. Each browser session runs at most one automation action at a
// time; actions against different sessions proceed concurrently.
package serializer

import (
	"context"
	"sync"
)

// entry is the lock state for one key. The channel holds a single token;
// holding the token means holding the lock. waiters counts goroutines that
// have committed to acquiring (or currently hold) the token, so the entry can
// be dropped from the map once nobody wants it.
type entry struct {
	token   chan struct{}
	waiters int
}

// Serializer dispenses per-key FIFO locks. The zero value is not usable; use
// New.
type Serializer struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Serializer.
func New() *Serializer {
	return &Serializer{entries: make(map[string]*entry)}
}

// Do runs fn while holding the exclusive lock for key. Callers queue in
// arrival order; a caller whose ctx is cancelled while queued abandons its
// slot without ever running fn, returning ctx.Err(). fn's error is returned
// unchanged.
func (s *Serializer) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := s.enqueue(key)

	select {
	case <-e.token:
	case <-ctx.Done():
		s.release(key, e, false)
		return ctx.Err()
	}

	defer s.release(key, e, true)
	return fn(ctx)
}

// TryDo runs fn only if the lock for key is immediately free, returning false
// without running fn otherwise.
func (s *Serializer) TryDo(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	e := s.enqueue(key)

	select {
	case <-e.token:
	default:
		s.release(key, e, false)
		return false, nil
	}

	defer s.release(key, e, true)
	return true, fn(ctx)
}

// InFlight reports how many callers currently hold or await a lock, for
// observability.
func (s *Serializer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, e := range s.entries {
		total += e.waiters
	}
	return total
}

func (s *Serializer) enqueue(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil {
		e = &entry{token: make(chan struct{}, 1)}
		e.token <- struct{}{}
		s.entries[key] = e
	}
	e.waiters++
	return e
}

// release drops the caller's interest in key, returning the token first if it
// was held. The entry is removed once no holder or waiter remains; a later
// caller gets a fresh one.
func (s *Serializer) release(key string, e *entry, held bool) {
	if held {
		e.token <- struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.waiters--
	if e.waiters == 0 && s.entries[key] == e {
		delete(s.entries, key)
	}
}
