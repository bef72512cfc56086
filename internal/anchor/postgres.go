package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 5 * time.Second

// PostgresStore keeps the anchor as a row of sync_state, next to the rows it guards.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var raw string
	err := s.pool.QueryRow(ctx, `SELECT value FROM sync_state WHERE key = $1`, Key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load anchor: %w", err)
	}
	h, err := decode(raw)
	if err != nil {
		return 0, false, err
	}
	return h, true, nil
}

func (s *PostgresStore) Init(ctx context.Context, height uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, Key, encode(height))
	if err != nil {
		return 0, fmt.Errorf("failed to init anchor: %w", err)
	}

	h, ok, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("anchor missing after init")
	}
	return h, nil
}

func (s *PostgresStore) Advance(ctx context.Context, from, to uint64) error {
	if to < from {
		return fmt.Errorf("%w: %d -> %d", ErrAnchorRegression, from, to)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_state SET value = $3, updated_at = NOW()
		WHERE key = $1 AND value = $2
	`, Key, encode(from), encode(to))
	if err != nil {
		return fmt.Errorf("failed to advance anchor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected %d", ErrAnchorConflict, from)
	}
	return nil
}
