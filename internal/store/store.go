package store

import (
	"context"
	"errors"
)

var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrContractTaken is returned when a ticket contract is already bound to another entity.
	ErrContractTaken = errors.New("ticket contract bound to another entity")
)

// Position is the ledger position of the log that produced a row's value.
type Position struct {
	Block uint64
	Index uint
}

// Before reports whether p precedes o in ledger order.
func (p Position) Before(o Position) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.Index < o.Index
}

// Sale is the sale configuration of an entity's ticket contract.
type Sale struct {
	Price     string
	Supply    string
	SaleStart uint64
	SaleEnd   uint64
	At        Position
}

type Entity struct {
	ID       string
	Contract string
	BoundAt  Position
	Sale     *Sale
}

type Ticket struct {
	Contract string
	TokenID  string
	Owner    string
	Used     bool
	IssuedAt Position
	OwnerAt  Position
}

type Binding struct {
	EntityID string
	Contract string
	At       Position
}

type Transfer struct {
	Contract string
	TokenID  string
	From     string
	To       string
	At       Position
}

type SaleUpdate struct {
	EntityID string
	Sale     Sale
}

// Store is the durable, post-finality view. Every write is idempotent: replaying
// the same log, or an older one, leaves the row unchanged.
type Store interface {
	BindContract(ctx context.Context, b Binding) error
	InsertTicket(ctx context.Context, t Ticket) error
	TransferTicket(ctx context.Context, tr Transfer) error
	MarkTicketUsed(ctx context.Context, contract, tokenID string) error
	UpdateSaleParameters(ctx context.Context, u SaleUpdate) error

	EntityByContract(ctx context.Context, contract string) (string, error)
	Entity(ctx context.Context, id string) (*Entity, error)
	Ticket(ctx context.Context, contract, tokenID string) (*Ticket, error)
	TicketsByOwner(ctx context.Context, owner string) ([]Ticket, error)
}
