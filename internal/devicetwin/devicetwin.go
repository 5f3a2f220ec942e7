// Package devicetwin holds the watch's authoritative time and zone record.
package devicetwin

import (
	"sync"

	"watchtwin/internal/calendar"
)

// Snapshot is a consistent (epoch, offset) pair read under one lock.
type Snapshot struct {
	Epoch  uint32 `json:"epoch"`
	Offset int8   `json:"utc_offset"`
}

// Local converts the snapshot to local calendar fields.
func (s Snapshot) Local() calendar.Time {
	return calendar.Convert(s.Epoch, s.Offset)
}

// State is the shared device twin. Both fields are guarded by a single mutex
// so readers never pair an epoch from one write with an offset from another.
//
// State performs no validation and does not signal anyone on change; callers
// own both.
type State struct {
	mu     sync.Mutex
	epoch  uint32
	offset int8
}

// New creates the twin seeded with an initial epoch and UTC offset in hours.
func New(seed uint32, offset int8) *State {
	return &State{epoch: seed, offset: offset}
}

// Epoch returns the current epoch seconds.
func (s *State) Epoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// SetEpoch overwrites the epoch.
func (s *State) SetEpoch(epoch uint32) {
	s.mu.Lock()
	s.epoch = epoch
	s.mu.Unlock()
}

// Offset returns the configured UTC offset in hours.
func (s *State) Offset() int8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// SetOffset overwrites the UTC offset.
func (s *State) SetOffset(offset int8) {
	s.mu.Lock()
	s.offset = offset
	s.mu.Unlock()
}

// Snapshot returns both fields from one instant.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Epoch: s.epoch, Offset: s.offset}
}

// Swap sets the epoch and returns the value it replaced.
func (s *State) Swap(epoch uint32) uint32 {
	s.mu.Lock()
	prev := s.epoch
	s.epoch = epoch
	s.mu.Unlock()
	return prev
}

// Tick advances the epoch by one second in a single critical section and
// returns the new value. The counter wraps at 2^32.
func (s *State) Tick() uint32 {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()
	return epoch
}
