package handlers

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/cache"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"go.uber.org/zap"
)

// EntityBound binds an entity to the ticket contract the factory deployed for it.
type EntityBound struct {
	base
}

func (h *EntityBound) ApplyPersistent(ctx context.Context, log types.Log) error {
	ev, err := contracts.DecodeContractBound(log)
	if err != nil {
		return err
	}
	id := ev.EntityID.String()

	if err := h.store.BindContract(ctx, store.Binding{
		EntityID: id,
		Contract: cache.Addr(ev.Contract),
		At:       position(log),
	}); err != nil {
		return fmt.Errorf("failed to bind entity %s: %w", id, err)
	}

	h.logger.Debug("Entity bound", zap.String("entityId", id), zap.Stringer("contract", ev.Contract))
	return h.cache.Delete(ctx, cache.EntityKey(id), cache.ContractKey(ev.Contract))
}

func (h *EntityBound) ApplyLive(ctx context.Context, log types.Log, reorg bool) error {
	ev, err := contracts.DecodeContractBound(log)
	if err != nil {
		return err
	}
	id := ev.EntityID.String()

	if reorg {
		return h.cache.Delete(ctx, cache.EntityKey(id), cache.ContractKey(ev.Contract))
	}

	if err := h.cache.Merge(ctx, cache.EntityKey(id), map[string]any{
		cache.FieldContractAddress: cache.Addr(ev.Contract),
	}); err != nil {
		return err
	}
	return h.cache.Merge(ctx, cache.ContractKey(ev.Contract), map[string]any{
		cache.FieldEntityID: id,
	})
}
