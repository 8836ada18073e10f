package proxy

import (
	"sync"
	"sync/atomic"
)

// Store holds the current RoutingConfig. Readers never block; writers are
// serialized so each Replace publishes one complete snapshot.
//
// It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[RoutingConfig]
	version atomic.Uint64
}

// NewStore creates a Store holding initial, which may be nil.
func NewStore(initial *RoutingConfig) *Store {
	s := &Store{}
	if initial != nil {
		s.current.Store(initial)
		s.version.Store(1)
	}
	return s
}

// Load returns the current snapshot, or nil if nothing has been published.
// The returned value must not be modified.
func (s *Store) Load() *RoutingConfig {
	return s.current.Load()
}

// Replace publishes cfg as the current snapshot. Last writer wins.
func (s *Store) Replace(cfg *RoutingConfig) {
	s.mu.Lock()
	s.current.Store(cfg)
	s.version.Add(1)
	s.mu.Unlock()
}

// ReplaceIf publishes cfg only if no other Replace happened since version
// was observed. It reports whether cfg was published.
func (s *Store) ReplaceIf(version uint64, cfg *RoutingConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version.Load() != version {
		return false
	}
	s.current.Store(cfg)
	s.version.Add(1)
	return true
}

// Version returns a counter that increases with every publish.
func (s *Store) Version() uint64 {
	return s.version.Load()
}
