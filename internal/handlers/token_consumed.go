package handlers

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/cache"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
	"go.uber.org/zap"
)

// TokenConsumed marks tickets used at check-in.
type TokenConsumed struct {
	base
}

func (h *TokenConsumed) ApplyPersistent(ctx context.Context, log types.Log) error {
	ev, err := contracts.DecodeTicketUsed(log)
	if err != nil {
		return err
	}

	if err := h.store.MarkTicketUsed(ctx, cache.Addr(ev.Contract), ev.TokenID.String()); err != nil {
		return fmt.Errorf("failed to mark ticket %s used: %w", ev.TokenID, err)
	}

	h.logger.Debug("Ticket used", zap.Stringer("contract", ev.Contract), zap.Stringer("tokenId", ev.TokenID))
	return h.cache.Delete(ctx, cache.TokenKey(ev.Contract, ev.TokenID))
}

func (h *TokenConsumed) ApplyLive(ctx context.Context, log types.Log, reorg bool) error {
	ev, err := contracts.DecodeTicketUsed(log)
	if err != nil {
		return err
	}
	key := cache.TokenKey(ev.Contract, ev.TokenID)

	if reorg {
		return h.cache.Delete(ctx, key)
	}
	return h.cache.Merge(ctx, key, map[string]any{cache.FieldUsed: true})
}
