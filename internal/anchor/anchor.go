package anchor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Key names the persisted anchor in every backend.
const Key = "last_reconciled_block"

var (
	// ErrAnchorConflict is returned when the stored anchor is not the one the writer expected.
	ErrAnchorConflict = errors.New("anchor changed by another writer")
	// ErrAnchorRegression is returned when an advance would move the anchor backwards.
	ErrAnchorRegression = errors.New("anchor cannot move backwards")
)

// Store persists the height up to which finalized history has been reconciled.
type Store interface {
	// Load returns the anchor and whether one has been stored.
	Load(ctx context.Context) (uint64, bool, error)
	// Init stores height when no anchor exists and returns the anchor in effect.
	Init(ctx context.Context, height uint64) (uint64, error)
	// Advance moves the anchor from to to, failing with ErrAnchorConflict when the
	// stored value is not from.
	Advance(ctx context.Context, from, to uint64) error
	Close() error
}

func encode(height uint64) string {
	return strconv.FormatUint(height, 10)
}

func decode(raw string) (uint64, error) {
	h, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid anchor value %q: %w", raw, err)
	}
	return h, nil
}
