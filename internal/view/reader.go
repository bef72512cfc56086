// Package view reads domain state the way clients see it: finalized rows from
// the store with speculative cache documents laid over them.
package view

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/cache"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("not found")

type Cache interface {
	Get(ctx context.Context, key string) (map[string]json.RawMessage, bool, error)
}

type Token struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
	Owner    string `json:"owner"`
	Used     bool   `json:"used"`
	// Provisional is set when any field comes from an unfinalized observation.
	Provisional bool `json:"provisional"`
}

type Entity struct {
	ID          string `json:"id"`
	Contract    string `json:"contract,omitempty"`
	Price       string `json:"price,omitempty"`
	Supply      string `json:"supply,omitempty"`
	SaleStart   uint64 `json:"saleStart,omitempty"`
	SaleEnd     uint64 `json:"saleEnd,omitempty"`
	Provisional bool   `json:"provisional"`
}

type Reader struct {
	store  store.Store
	cache  Cache
	logger *zap.Logger
}

func NewReader(st store.Store, c Cache, logger *zap.Logger) *Reader {
	return &Reader{store: st, cache: c, logger: logger}
}

// doc returns the cache document at key. Cache failures degrade to the
// finalized view.
func (r *Reader) doc(ctx context.Context, key string) map[string]json.RawMessage {
	d, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("Cache read failed, serving finalized state", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return d
}

func (r *Reader) Token(ctx context.Context, contract common.Address, tokenID *big.Int) (*Token, error) {
	t := &Token{Contract: cache.Addr(contract), TokenID: tokenID.String()}

	row, err := r.store.Ticket(ctx, t.Contract, t.TokenID)
	switch {
	case err == nil:
		t.Owner = row.Owner
		t.Used = row.Used
	case errors.Is(err, store.ErrTicketNotFound):
		row = nil
	default:
		return nil, fmt.Errorf("failed to read ticket %s:%s: %w", t.Contract, t.TokenID, err)
	}

	overlaid, err := overlay(r.doc(ctx, cache.TokenKey(contract, tokenID)), map[string]any{
		cache.FieldOwner: &t.Owner,
		cache.FieldUsed:  &t.Used,
	})
	if err != nil {
		return nil, err
	}
	if row == nil && !overlaid {
		return nil, ErrNotFound
	}
	t.Provisional = overlaid
	return t, nil
}

func (r *Reader) Entity(ctx context.Context, id string) (*Entity, error) {
	e := &Entity{ID: id}

	row, err := r.store.Entity(ctx, id)
	switch {
	case err == nil:
		e.Contract = row.Contract
		if row.Sale != nil {
			e.Price = row.Sale.Price
			e.Supply = row.Sale.Supply
			e.SaleStart = row.Sale.SaleStart
			e.SaleEnd = row.Sale.SaleEnd
		}
	case errors.Is(err, store.ErrEntityNotFound):
		row = nil
	default:
		return nil, fmt.Errorf("failed to read entity %s: %w", id, err)
	}

	overlaid, err := overlay(r.doc(ctx, cache.EntityKey(id)), map[string]any{
		cache.FieldContractAddress: &e.Contract,
		cache.FieldPrice:           &e.Price,
		cache.FieldSupply:          &e.Supply,
		cache.FieldSaleStart:       &e.SaleStart,
		cache.FieldSaleEnd:         &e.SaleEnd,
	})
	if err != nil {
		return nil, err
	}
	if row == nil && !overlaid {
		return nil, ErrNotFound
	}
	e.Provisional = overlaid
	return e, nil
}

// TokensByOwner lists finalized tickets of owner that have not been moved away
// speculatively, plus tickets provisionally received.
func (r *Reader) TokensByOwner(ctx context.Context, owner common.Address) ([]Token, error) {
	addr := cache.Addr(owner)
	rows, err := r.store.TicketsByOwner(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets of %s: %w", addr, err)
	}

	seen := make(map[string]bool, len(rows))
	out := make([]Token, 0, len(rows))
	for _, row := range rows {
		contract := common.HexToAddress(row.Contract)
		id, ok := new(big.Int).SetString(row.TokenID, 10)
		if !ok {
			return nil, fmt.Errorf("invalid token id %q", row.TokenID)
		}
		t, err := r.Token(ctx, contract, id)
		if err != nil {
			return nil, err
		}
		if t.Owner != addr {
			continue
		}
		seen[cache.OwnerIndexField(contract, id)] = true
		out = append(out, *t)
	}

	for field, raw := range r.doc(ctx, cache.OwnerIndexKey(owner)) {
		if seen[field] {
			continue
		}
		var p cache.ProvisionalTicket
		if err := json.Unmarshal(raw, &p); err != nil {
			r.logger.Warn("Skipping undecodable owner index entry", zap.String("field", field), zap.Error(err))
			continue
		}
		t := Token{Contract: p.Contract, TokenID: p.TokenID, Owner: p.Owner, Provisional: true}

		// A later speculative transfer leaves the entry in place; the token
		// document decides who holds it now.
		if id, ok := new(big.Int).SetString(p.TokenID, 10); ok {
			current, err := r.Token(ctx, common.HexToAddress(p.Contract), id)
			switch {
			case err == nil:
				if current.Owner != "" && current.Owner != addr {
					continue
				}
				t.Used = current.Used
			case !errors.Is(err, ErrNotFound):
				return nil, err
			}
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Contract != out[j].Contract {
			return out[i].Contract < out[j].Contract
		}
		return tokenLess(out[i].TokenID, out[j].TokenID)
	})
	return out, nil
}

// overlay decodes the present fields of doc into targets and reports whether any was set.
func overlay(doc map[string]json.RawMessage, targets map[string]any) (bool, error) {
	applied := false
	for field, target := range targets {
		raw, ok := doc[field]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return false, fmt.Errorf("failed to decode cached %s: %w", field, err)
		}
		applied = true
	}
	return applied, nil
}

func tokenLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
