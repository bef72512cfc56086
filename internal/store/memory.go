package store

import (
	"context"
	"sort"
	"sync"
)

type ticketKey struct {
	contract string
	tokenID  string
}

// Memory is an in-process Store with the same semantics as Postgres.
type Memory struct {
	mu         sync.RWMutex
	entities   map[string]*Entity
	byContract map[string]string
	tickets    map[ticketKey]*Ticket
}

func NewMemory() *Memory {
	return &Memory{
		entities:   make(map[string]*Entity),
		byContract: make(map[string]string),
		tickets:    make(map[ticketKey]*Ticket),
	}
}

func (m *Memory) BindContract(_ context.Context, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.byContract[b.Contract]; ok && owner != b.EntityID {
		return ErrContractTaken
	}
	e, ok := m.entities[b.EntityID]
	if !ok {
		m.entities[b.EntityID] = &Entity{ID: b.EntityID, Contract: b.Contract, BoundAt: b.At}
		m.byContract[b.Contract] = b.EntityID
		return nil
	}
	if !e.BoundAt.Before(b.At) {
		return nil
	}
	delete(m.byContract, e.Contract)
	e.Contract = b.Contract
	e.BoundAt = b.At
	m.byContract[b.Contract] = b.EntityID
	return nil
}

func (m *Memory) InsertTicket(_ context.Context, t Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := ticketKey{t.Contract, t.TokenID}
	if _, ok := m.tickets[k]; ok {
		return nil
	}
	t.OwnerAt = t.IssuedAt
	m.tickets[k] = &t
	return nil
}

func (m *Memory) TransferTicket(_ context.Context, tr Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketKey{tr.Contract, tr.TokenID}]
	if !ok {
		return ErrTicketNotFound
	}
	if !t.OwnerAt.Before(tr.At) {
		return nil
	}
	t.Owner = tr.To
	t.OwnerAt = tr.At
	return nil
}

func (m *Memory) MarkTicketUsed(_ context.Context, contract, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketKey{contract, tokenID}]
	if !ok {
		return ErrTicketNotFound
	}
	t.Used = true
	return nil
}

func (m *Memory) UpdateSaleParameters(_ context.Context, u SaleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[u.EntityID]
	if !ok {
		return ErrEntityNotFound
	}
	if e.Sale != nil && !e.Sale.At.Before(u.Sale.At) {
		return nil
	}
	sale := u.Sale
	e.Sale = &sale
	return nil
}

func (m *Memory) EntityByContract(_ context.Context, contract string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byContract[contract]
	if !ok {
		return "", ErrEntityNotFound
	}
	return id, nil
}

func (m *Memory) Entity(_ context.Context, id string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	out := *e
	if e.Sale != nil {
		sale := *e.Sale
		out.Sale = &sale
	}
	return &out, nil
}

func (m *Memory) Ticket(_ context.Context, contract, tokenID string) (*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tickets[ticketKey{contract, tokenID}]
	if !ok {
		return nil, ErrTicketNotFound
	}
	out := *t
	return &out, nil
}

func (m *Memory) TicketsByOwner(_ context.Context, owner string) ([]Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Ticket
	for _, t := range m.tickets {
		if t.Owner == owner {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Contract != out[j].Contract {
			return out[i].Contract < out[j].Contract
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out, nil
}
