package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 5 * time.Second

// uniqueViolation is the postgres error code for a unique constraint violation.
const uniqueViolation = "23505"

type Postgres struct {
	pool *pgxpool.Pool
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) BindContract(ctx context.Context, b Binding) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO entities (id, contract_address, bound_block, bound_log_index)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET contract_address = EXCLUDED.contract_address,
		    bound_block = EXCLUDED.bound_block,
		    bound_log_index = EXCLUDED.bound_log_index
		WHERE (entities.bound_block, entities.bound_log_index) < (EXCLUDED.bound_block, EXCLUDED.bound_log_index)
	`
	_, err := p.pool.Exec(ctx, query, b.EntityID, b.Contract, int64(b.At.Block), int64(b.At.Index))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrContractTaken
		}
		return fmt.Errorf("failed to bind contract: %w", err)
	}
	return nil
}

func (p *Postgres) InsertTicket(ctx context.Context, t Ticket) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO tickets (contract_address, token_id, owner, used, issued_block, issued_log_index, owner_block, owner_log_index)
		VALUES ($1, $2, $3, $4, $5, $6, $5, $6)
		ON CONFLICT (contract_address, token_id) DO NOTHING
	`
	_, err := p.pool.Exec(ctx, query, t.Contract, t.TokenID, t.Owner, t.Used, int64(t.IssuedAt.Block), int64(t.IssuedAt.Index))
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

func (p *Postgres) TransferTicket(ctx context.Context, tr Transfer) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE tickets
		SET owner = $3, owner_block = $4, owner_log_index = $5
		WHERE contract_address = $1 AND token_id = $2
		  AND (owner_block, owner_log_index) < ($4, $5)
	`
	tag, err := p.pool.Exec(ctx, query, tr.Contract, tr.TokenID, tr.To, int64(tr.At.Block), int64(tr.At.Index))
	if err != nil {
		return fmt.Errorf("failed to transfer ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.ticketExists(ctx, tr.Contract, tr.TokenID)
	}
	return nil
}

func (p *Postgres) MarkTicketUsed(ctx context.Context, contract, tokenID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `UPDATE tickets SET used = TRUE WHERE contract_address = $1 AND token_id = $2`, contract, tokenID)
	if err != nil {
		return fmt.Errorf("failed to mark ticket used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (p *Postgres) UpdateSaleParameters(ctx context.Context, u SaleUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		UPDATE entities
		SET price = $2, supply = $3, sale_start = $4, sale_end = $5, sale_block = $6, sale_log_index = $7
		WHERE id = $1
		  AND (sale_block IS NULL OR (sale_block, sale_log_index) < ($6, $7))
	`
	s := u.Sale
	tag, err := p.pool.Exec(ctx, query, u.EntityID, s.Price, s.Supply, int64(s.SaleStart), int64(s.SaleEnd), int64(s.At.Block), int64(s.At.Index))
	if err != nil {
		return fmt.Errorf("failed to update sale parameters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM entities WHERE id = $1)`, u.EntityID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check entity: %w", err)
		}
		if !exists {
			return ErrEntityNotFound
		}
	}
	return nil
}

func (p *Postgres) EntityByContract(ctx context.Context, contract string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var id string
	err := p.pool.QueryRow(ctx, `SELECT id FROM entities WHERE contract_address = $1`, contract).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrEntityNotFound
		}
		return "", fmt.Errorf("failed to resolve contract: %w", err)
	}
	return id, nil
}

func (p *Postgres) Entity(ctx context.Context, id string) (*Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, contract_address, bound_block, bound_log_index,
		       price, supply, sale_start, sale_end, sale_block, sale_log_index
		FROM entities
		WHERE id = $1
	`
	var (
		e                  Entity
		boundBlock         int64
		boundIndex         int32
		price, supply      *string
		saleStart, saleEnd *int64
		saleBlock          *int64
		saleIndex          *int32
	)
	err := p.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.Contract, &boundBlock, &boundIndex,
		&price, &supply, &saleStart, &saleEnd, &saleBlock, &saleIndex,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	e.BoundAt = Position{Block: uint64(boundBlock), Index: uint(boundIndex)}
	if saleBlock != nil {
		e.Sale = &Sale{
			Price:     deref(price),
			Supply:    deref(supply),
			SaleStart: uint64(derefInt(saleStart)),
			SaleEnd:   uint64(derefInt(saleEnd)),
			At:        Position{Block: uint64(*saleBlock), Index: uint(*saleIndex)},
		}
	}
	return &e, nil
}

const ticketColumns = `contract_address, token_id, owner, used, issued_block, issued_log_index, owner_block, owner_log_index`

func (p *Postgres) Ticket(ctx context.Context, contract, tokenID string) (*Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := p.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE contract_address = $1 AND token_id = $2`, contract, tokenID)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

func (p *Postgres) TicketsByOwner(ctx context.Context, owner string) ([]Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE owner = $1 ORDER BY contract_address, token_id`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return out, nil
}

func (p *Postgres) ticketExists(ctx context.Context, contract, tokenID string) error {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE contract_address = $1 AND token_id = $2)`, contract, tokenID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check ticket: %w", err)
	}
	if !exists {
		return ErrTicketNotFound
	}
	return nil
}

func scanTicket(row pgx.Row) (*Ticket, error) {
	var (
		t                       Ticket
		issuedBlock, ownerBlock int64
		issuedIndex, ownerIndex int32
	)
	if err := row.Scan(&t.Contract, &t.TokenID, &t.Owner, &t.Used, &issuedBlock, &issuedIndex, &ownerBlock, &ownerIndex); err != nil {
		return nil, err
	}
	t.IssuedAt = Position{Block: uint64(issuedBlock), Index: uint(issuedIndex)}
	t.OwnerAt = Position{Block: uint64(ownerBlock), Index: uint(ownerIndex)}
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
