package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store. Each identity has its own lock so
// unrelated identities never contend.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	mu   sync.Mutex
	hits []time.Time
	dead bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (s *MemoryStore) get(key string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	return w
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, span time.Duration, limit int) (Result, error) {
	for {
		w := s.get(key)
		w.mu.Lock()
		if w.dead {
			// swept between get and lock
			w.mu.Unlock()
			continue
		}
		res := w.hit(now, span, limit)
		w.mu.Unlock()
		return res, nil
	}
}

func (w *window) hit(now time.Time, span time.Duration, limit int) Result {
	// hits must stay sorted for the search below; a caller clock that steps
	// back counts as the latest hit.
	if n := len(w.hits); n > 0 && now.Before(w.hits[n-1]) {
		now = w.hits[n-1]
	}
	cutoff := now.Add(-span)
	i := sort.Search(len(w.hits), func(i int) bool { return w.hits[i].After(cutoff) })
	w.hits = w.hits[i:]

	if len(w.hits) >= limit {
		return Result{Allowed: false, Count: len(w.hits), Oldest: w.hits[0]}
	}
	w.hits = append(w.hits, now)
	return Result{Allowed: true, Count: len(w.hits), Oldest: w.hits[0]}
}

// Sweep drops identities with no hits newer than now-span and returns how many
// were removed.
func (s *MemoryStore) Sweep(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		w.mu.Lock()
		if n := len(w.hits); n == 0 || !w.hits[n-1].After(cutoff) {
			w.dead = true
			delete(s.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}
