package handlers

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/cache"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"go.uber.org/zap"
)

// Cache is the speculative view handlers write to.
type Cache interface {
	Merge(ctx context.Context, key string, fields map[string]any) error
	Delete(ctx context.Context, keys ...string) error
	DeleteFields(ctx context.Context, key string, fields ...string) error
	GetField(ctx context.Context, key, field string, target any) (bool, error)
}

// Handler applies the logs of one domain kind.
//
// ApplyPersistent runs for finalized logs only. It writes the primary store and
// then clears the cache entries the write supersedes. It never looks at the
// removed flag.
//
// ApplyLive runs for every observed log. It only touches the cache: reorg=false
// merges the provisional fields, reorg=true retracts them.
type Handler interface {
	Kind() events.Kind
	Filter() ethereum.FilterQuery
	ApplyPersistent(ctx context.Context, log types.Log) error
	ApplyLive(ctx context.Context, log types.Log, reorg bool) error
}

type base struct {
	kind   events.Kind
	filter ethereum.FilterQuery
	store  store.Store
	cache  Cache
	logger *zap.Logger
}

func (b *base) Kind() events.Kind {
	return b.kind
}

func (b *base) Filter() ethereum.FilterQuery {
	return b.filter
}

func position(log types.Log) store.Position {
	return store.Position{Block: log.BlockNumber, Index: log.Index}
}

func provisional(log types.Log, contract common.Address, tokenID *big.Int, owner common.Address) cache.ProvisionalTicket {
	return cache.ProvisionalTicket{
		Contract: cache.Addr(contract),
		TokenID:  tokenID.String(),
		Owner:    cache.Addr(owner),
		Block:    log.BlockNumber,
		LogIndex: log.Index,
	}
}

// Registry holds one handler per domain kind, in replay order.
type Registry struct {
	handlers []Handler
	byKind   map[events.Kind]Handler
}

// NewRegistry builds the handlers for every domain kind.
func NewRegistry(st store.Store, c Cache, addrs contracts.Addresses, logger *zap.Logger) (*Registry, error) {
	r := &Registry{byKind: make(map[events.Kind]Handler, len(events.DomainKinds))}

	for _, kind := range events.DomainKinds {
		filter, err := addrs.Filter(kind)
		if err != nil {
			return nil, err
		}
		b := base{
			kind:   kind,
			filter: filter,
			store:  st,
			cache:  c,
			logger: logger.With(zap.String("kind", string(kind))),
		}

		var h Handler
		switch kind {
		case events.KindEntityBound:
			h = &EntityBound{base: b}
		case events.KindTokenIssued:
			h = &TokenIssued{base: b}
		case events.KindTokenTransferred:
			h = &TokenTransferred{base: b}
		case events.KindSaleParametersChanged:
			h = &SaleParametersChanged{base: b}
		case events.KindTokenConsumed:
			h = &TokenConsumed{base: b}
		default:
			return nil, fmt.Errorf("%w: no handler for %s", events.ErrUnknownKind, kind)
		}
		r.handlers = append(r.handlers, h)
		r.byKind[kind] = h
	}

	return r, nil
}

// Handler returns the handler for kind.
func (r *Registry) Handler(kind events.Kind) (Handler, bool) {
	h, ok := r.byKind[kind]
	return h, ok
}

// Handlers returns every handler in replay order.
func (r *Registry) Handlers() []Handler {
	return r.handlers
}
