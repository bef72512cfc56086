package anchor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

const pebbleKey = "anchor:" + Key

// PebbleStore keeps the anchor in a local PebbleDB.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

// NewPebbleStore opens or creates the anchor database under basePath.
func NewPebbleStore(basePath string) (*PebbleStore, error) {
	path := filepath.Join(basePath, "anchor")

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open anchor db: %w", err)
	}

	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) Load(_ context.Context) (uint64, bool, error) {
	return s.get()
}

func (s *PebbleStore) Init(_ context.Context, height uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.get()
	if err != nil {
		return 0, err
	}
	if ok {
		return current, nil
	}
	if err := s.set(height); err != nil {
		return 0, err
	}
	return height, nil
}

func (s *PebbleStore) Advance(_ context.Context, from, to uint64) error {
	if to < from {
		return fmt.Errorf("%w: %d -> %d", ErrAnchorRegression, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.get()
	if err != nil {
		return err
	}
	if !ok || current != from {
		return fmt.Errorf("%w: expected %d", ErrAnchorConflict, from)
	}
	return s.set(to)
}

func (s *PebbleStore) set(height uint64) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(pebbleKey), []byte(encode(height)), nil); err != nil {
		return fmt.Errorf("failed to set anchor: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit anchor: %w", err)
	}
	return nil
}

func (s *PebbleStore) get() (uint64, bool, error) {
	val, closer, err := s.db.Get([]byte(pebbleKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get %s: %w", pebbleKey, err)
	}
	defer closer.Close()

	h, err := decode(string(val))
	if err != nil {
		return 0, false, err
	}
	return h, true, nil
}
