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

// TokenIssued records minted tickets.
type TokenIssued struct {
	base
}

func (h *TokenIssued) ApplyPersistent(ctx context.Context, log types.Log) error {
	ev, err := contracts.DecodeTicketIssued(log)
	if err != nil {
		return err
	}

	if err := h.store.InsertTicket(ctx, store.Ticket{
		Contract: cache.Addr(ev.Contract),
		TokenID:  ev.TokenID.String(),
		Owner:    cache.Addr(ev.Owner),
		IssuedAt: position(log),
	}); err != nil {
		return fmt.Errorf("failed to insert ticket %s: %w", ev.TokenID, err)
	}

	h.logger.Debug("Ticket issued",
		zap.Stringer("contract", ev.Contract),
		zap.Stringer("tokenId", ev.TokenID),
		zap.Stringer("owner", ev.Owner))
	return h.cache.DeleteFields(ctx, cache.OwnerIndexKey(ev.Owner), cache.OwnerIndexField(ev.Contract, ev.TokenID))
}

func (h *TokenIssued) ApplyLive(ctx context.Context, log types.Log, reorg bool) error {
	ev, err := contracts.DecodeTicketIssued(log)
	if err != nil {
		return err
	}
	field := cache.OwnerIndexField(ev.Contract, ev.TokenID)

	if reorg {
		return h.cache.DeleteFields(ctx, cache.OwnerIndexKey(ev.Owner), field)
	}

	return h.cache.Merge(ctx, cache.OwnerIndexKey(ev.Owner), map[string]any{
		field: provisional(log, ev.Contract, ev.TokenID, ev.Owner),
	})
}
