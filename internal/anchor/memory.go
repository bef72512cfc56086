package anchor

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the anchor in process memory. It pairs with the in-memory
// primary store: both start empty, so a restart replays from the start block.
type MemoryStore struct {
	mu     sync.Mutex
	height uint64
	set    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, s.set, nil
}

func (s *MemoryStore) Init(_ context.Context, height uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.height, s.set = height, true
	}
	return s.height, nil
}

func (s *MemoryStore) Advance(_ context.Context, from, to uint64) error {
	if to < from {
		return fmt.Errorf("%w: %d -> %d", ErrAnchorRegression, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set || s.height != from {
		return fmt.Errorf("%w: expected %d, have %d", ErrAnchorConflict, from, s.height)
	}
	s.height = to
	return nil
}
