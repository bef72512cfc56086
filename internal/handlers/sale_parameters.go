package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/cache"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"go.uber.org/zap"
)

// SaleParametersChanged tracks the sale configuration of the entity owning a ticket contract.
type SaleParametersChanged struct {
	base
}

func (h *SaleParametersChanged) ApplyPersistent(ctx context.Context, log types.Log) error {
	ev, err := contracts.DecodeSaleParametersChanged(log)
	if err != nil {
		return err
	}

	// Only finalized bindings may back a durable write.
	id, err := h.store.EntityByContract(ctx, cache.Addr(ev.Contract))
	if err != nil {
		return fmt.Errorf("failed to resolve contract %s: %w", ev.Contract, err)
	}

	if err := h.store.UpdateSaleParameters(ctx, store.SaleUpdate{
		EntityID: id,
		Sale: store.Sale{
			Price:     ev.Price.String(),
			Supply:    ev.Supply.String(),
			SaleStart: ev.SaleStart,
			SaleEnd:   ev.SaleEnd,
			At:        position(log),
		},
	}); err != nil {
		return fmt.Errorf("failed to update sale parameters of entity %s: %w", id, err)
	}

	h.logger.Debug("Sale parameters changed", zap.String("entityId", id), zap.Stringer("price", ev.Price))
	return h.cache.Delete(ctx, cache.EntityKey(id))
}

func (h *SaleParametersChanged) ApplyLive(ctx context.Context, log types.Log, reorg bool) error {
	ev, err := contracts.DecodeSaleParametersChanged(log)
	if err != nil {
		return err
	}

	id, err := h.resolve(ctx, ev.Contract)
	if err != nil {
		return err
	}

	if reorg {
		return h.cache.Delete(ctx, cache.EntityKey(id))
	}

	return h.cache.Merge(ctx, cache.EntityKey(id), map[string]any{
		cache.FieldPrice:     ev.Price.String(),
		cache.FieldSupply:    ev.Supply.String(),
		cache.FieldSaleStart: ev.SaleStart,
		cache.FieldSaleEnd:   ev.SaleEnd,
	})
}

// resolve maps a ticket contract to its entity, falling back to a binding that
// has been observed but not finalized yet.
func (h *SaleParametersChanged) resolve(ctx context.Context, contract common.Address) (string, error) {
	id, err := h.store.EntityByContract(ctx, cache.Addr(contract))
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrEntityNotFound) {
		return "", fmt.Errorf("failed to resolve contract %s: %w", contract, err)
	}

	found, cerr := h.cache.GetField(ctx, cache.ContractKey(contract), cache.FieldEntityID, &id)
	if cerr != nil {
		return "", cerr
	}
	if !found {
		return "", fmt.Errorf("contract %s: %w", contract, store.ErrEntityNotFound)
	}
	return id, nil
}
