package capture

import (
	"sync"

	"evolve-car-go/internal/types"
)

// sensorState is the per-camera record owned by a session. The mutex
// guards counter and serialises writes for one tag; different tags never
// share state.
type sensorState struct {
	tag string
	dir string
	id  types.ActorID

	mu      sync.Mutex
	counter uint64
	stopped bool
}

// next reserves the sequence number for a delivered frame.
func (s *sensorState) next() uint64 {
	seq := s.counter
	s.counter++
	return seq
}

func (s *sensorState) count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}
