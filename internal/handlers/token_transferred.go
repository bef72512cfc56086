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

// TokenTransferred moves ticket ownership.
type TokenTransferred struct {
	base
}

func (h *TokenTransferred) ApplyPersistent(ctx context.Context, log types.Log) error {
	ev, err := contracts.DecodeTicketTransferred(log)
	if err != nil {
		return err
	}

	if err := h.store.TransferTicket(ctx, store.Transfer{
		Contract: cache.Addr(ev.Contract),
		TokenID:  ev.TokenID.String(),
		From:     cache.Addr(ev.From),
		To:       cache.Addr(ev.To),
		At:       position(log),
	}); err != nil {
		return fmt.Errorf("failed to transfer ticket %s: %w", ev.TokenID, err)
	}

	h.logger.Debug("Ticket transferred",
		zap.Stringer("contract", ev.Contract),
		zap.Stringer("tokenId", ev.TokenID),
		zap.Stringer("from", ev.From),
		zap.Stringer("to", ev.To))

	field := cache.OwnerIndexField(ev.Contract, ev.TokenID)
	if err := h.cache.DeleteFields(ctx, cache.OwnerIndexKey(ev.From), field); err != nil {
		return err
	}
	if err := h.cache.DeleteFields(ctx, cache.OwnerIndexKey(ev.To), field); err != nil {
		return err
	}
	return h.cache.DeleteFields(ctx, cache.TokenKey(ev.Contract, ev.TokenID), cache.FieldOwner)
}

func (h *TokenTransferred) ApplyLive(ctx context.Context, log types.Log, reorg bool) error {
	ev, err := contracts.DecodeTicketTransferred(log)
	if err != nil {
		return err
	}
	tokenKey := cache.TokenKey(ev.Contract, ev.TokenID)
	field := cache.OwnerIndexField(ev.Contract, ev.TokenID)

	if reorg {
		if err := h.cache.DeleteFields(ctx, tokenKey, cache.FieldOwner); err != nil {
			return err
		}
		return h.cache.DeleteFields(ctx, cache.OwnerIndexKey(ev.To), field)
	}

	if err := h.cache.Merge(ctx, tokenKey, map[string]any{
		cache.FieldOwner: cache.Addr(ev.To),
	}); err != nil {
		return err
	}
	// The sender's index entry stays; readers resolve ownership through tokenKey
	// so a retracted transfer hands the ticket back without a restore step.
	return h.cache.Merge(ctx, cache.OwnerIndexKey(ev.To), map[string]any{
		field: provisional(log, ev.Contract, ev.TokenID, ev.To),
	})
}
