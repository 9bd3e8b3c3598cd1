// Package shared holds the runtime state written by the admin surfaces and
// read by the mail pipeline.
package shared

import (
	"slices"
	"sync"
	"sync/atomic"
)

// State carries the suppression flag and the notification destinations.
// Writes are visible to readers at their next call.
type State struct {
	suppressed atomic.Bool

	mu           sync.RWMutex
	destinations []int64
}

// NewState seeds the destination list.
func NewState(destinations []int64) *State {
	return &State{destinations: slices.Clone(destinations)}
}

// Suppressed reports whether notifications are muted.
func (s *State) Suppressed() bool { return s.suppressed.Load() }

// SetSuppressed mutes or unmutes notifications and reports the previous value.
func (s *State) SetSuppressed(v bool) bool { return s.suppressed.Swap(v) }

// Destinations returns a copy of the destination list.
func (s *State) Destinations() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.destinations)
}

// IsDestination reports whether id is one of the configured destinations.
func (s *State) IsDestination(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.destinations, id)
}

// SetDestinations replaces the destination list.
func (s *State) SetDestinations(ids []int64) {
	s.mu.Lock()
	s.destinations = slices.Clone(ids)
	s.mu.Unlock()
}
