// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultRecentCapacity = 500
	defaultRecentWindow   = 5 * time.Minute
)

// RecentEntry is one member of the loop guard's recency set.
type RecentEntry struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

// StateSnapshot is the persisted form of RelayState.
type StateSnapshot struct {
	Cursors map[Side]string `json:"cursors"`
	Recent  []RecentEntry   `json:"recent"`
}

// StateStore persists RelayState between restarts.
type StateStore interface {
	Load(ctx context.Context) (StateSnapshot, error)
	Save(ctx context.Context, snapshot StateSnapshot) error
}

// RelayState holds the per-side cursors and the recency set. All mutations
// go through one mutex; the store is written outside of it.
type RelayState struct {
	mu      sync.Mutex
	cursors map[Side]string
	recent  *recencyRing
	window  time.Duration

	store StateStore
	// saveMu orders snapshot writes so an older snapshot never lands last.
	saveMu sync.Mutex
}

// NewRelayState creates an in-memory state. A nil store keeps it in memory only.
func NewRelayState(store StateStore, capacity int, window time.Duration) *RelayState {
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	if window <= 0 {
		window = defaultRecentWindow
	}
	return &RelayState{
		cursors: make(map[Side]string),
		recent:  newRecencyRing(capacity),
		window:  window,
		store:   store,
	}
}

// Load restores cursors and recent entries from the store.
func (s *RelayState) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	snapshot, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load relay state: %w", err)
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for side, cursor := range snapshot.Cursors {
		s.cursors[side] = cursor
	}
	for _, entry := range snapshot.Recent {
		if now.Sub(entry.At) < s.window {
			s.recent.add(entry.Key, entry.At)
		}
	}
	return nil
}

// Cursor returns the last processed position for side, or "" if none.
func (s *RelayState) Cursor(side Side) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[side]
}

// AdvanceCursor records a new position for side and persists the state.
func (s *RelayState) AdvanceCursor(ctx context.Context, side Side, cursor string) error {
	if cursor == "" {
		return nil
	}
	s.mu.Lock()
	if s.cursors[side] == cursor {
		s.mu.Unlock()
		return nil
	}
	s.cursors[side] = cursor
	s.mu.Unlock()
	return s.Flush(ctx)
}

// Flush writes the current snapshot to the store.
func (s *RelayState) Flush(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.store.Save(ctx, s.Snapshot()); err != nil {
		return fmt.Errorf("save relay state: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the state.
func (s *RelayState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursors := make(map[Side]string, len(s.cursors))
	for side, cursor := range s.cursors {
		cursors[side] = cursor
	}
	return StateSnapshot{
		Cursors: cursors,
		Recent:  s.recent.entries(),
	}
}

func (s *RelayState) remember(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent.add(key, at)
}

func (s *RelayState) seen(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.recent.lookup(key)
	return ok && now.Sub(at) < s.window
}

// recencyRing is a fixed-size FIFO of keys with an index for lookups.
// When full, the oldest entry is evicted first.
type recencyRing struct {
	buf   []RecentEntry
	head  int
	size  int
	index map[string]time.Time
}

func newRecencyRing(capacity int) *recencyRing {
	return &recencyRing{
		buf:   make([]RecentEntry, capacity),
		index: make(map[string]time.Time, capacity),
	}
}

func (r *recencyRing) add(key string, at time.Time) {
	if r.size == len(r.buf) {
		oldest := r.buf[r.head]
		// The key may have been re-added later; only drop the index entry
		// that belongs to the evicted slot.
		if cur, ok := r.index[oldest.Key]; ok && cur.Equal(oldest.At) {
			delete(r.index, oldest.Key)
		}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	r.buf[(r.head+r.size)%len(r.buf)] = RecentEntry{Key: key, At: at}
	r.size++
	r.index[key] = at
}

func (r *recencyRing) lookup(key string) (time.Time, bool) {
	at, ok := r.index[key]
	return at, ok
}

func (r *recencyRing) len() int {
	return r.size
}

// entries returns the ring contents, oldest first.
func (r *recencyRing) entries() []RecentEntry {
	out := make([]RecentEntry, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
