// Package cache holds the process-wide store of last-known collection
// snapshots, keyed by (collection, scope, projection). Every binding with
// the same key reads and writes the same snapshot, which is what makes a
// mutation through one binding visible to its siblings without a refetch.
package cache

import (
	"sync"

	"github.com/opsdeck/livesync/internal/record"
)

// AnonymousScope is used when neither a tenant nor a principal is known.
const AnonymousScope = "anonymous"

// Key identifies one shared snapshot.
type Key struct {
	Collection string
	Scope      string // tenant id, else principal id, else AnonymousScope
	Projection string
}

// Scope picks the cache scope for a binding: tenant id when resolved,
// principal id otherwise, anonymous as the last resort.
func Scope(tenantID, principalID string) string {
	if tenantID != "" {
		return tenantID
	}
	if principalID != "" {
		return principalID
	}
	return AnonymousScope
}

// Store is an in-memory keyed snapshot store. There is no eviction: the set
// of live keys is bounded by the collection/scope/projection combinations a
// session actually uses. Construct one per process (or per test) and pass
// it by reference; nothing in this package is a package-level global.
type Store struct {
	mu        sync.RWMutex
	snapshots map[Key][]record.Record
	watchers  map[Key]map[chan struct{}]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		snapshots: make(map[Key][]record.Record),
		watchers:  make(map[Key]map[chan struct{}]struct{}),
	}
}

// Get returns the snapshot for key, if any.
func (s *Store) Get(key Key) ([]record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[key]
	return snap, ok
}

// Set replaces the snapshot for key and wakes every watcher of that key.
func (s *Store) Set(key Key, snapshot []record.Record) {
	s.mu.Lock()
	s.snapshots[key] = snapshot
	// Copy the registered channels while locked; a watcher's cancel func
	// mutates the map concurrently.
	watchers := make([]chan struct{}, 0, len(s.watchers[key]))
	for ch := range s.watchers[key] {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
			// Watcher already has a pending wakeup; notifications coalesce.
		}
	}
}

// Delete removes the snapshot for key without notifying watchers.
func (s *Store) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, key)
}

// Watch registers interest in updates to key. The returned channel receives
// a (coalesced) signal after every Set of the key; the cancel func removes
// the registration.
func (s *Store) Watch(key Key) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[chan struct{}]struct{})
	}
	s.watchers[key][ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if set, ok := s.watchers[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.watchers, key)
			}
		}
	}
	return ch, cancel
}

// Len returns the number of cached keys (for diagnostics).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}
