package api

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// DefaultStoreCapacity bounds the number of runs kept in memory.
const DefaultStoreCapacity = 256

// RunStore keeps the most recent runs, evicting the oldest first.
type RunStore struct {
	mu    sync.Mutex
	cap   int
	order []string
	runs  map[string]Run
}

func NewRunStore(capacity int) *RunStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &RunStore{cap: capacity, runs: make(map[string]Run)}
}

func (s *RunStore) Save(r Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.runs[r.ID] = r
	for len(s.order) > s.cap {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *RunStore) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	return r, ok
}

// List returns runs newest first.
func (s *RunStore) List() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.order))
	for _, id := range slices.Backward(s.order) {
		out = append(out, s.runs[id])
	}
	return out
}

func newRunID() string {
	return "run_" + uuid.NewString()
}
