package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/handlers"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/ledger"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"go.uber.org/zap"
)

// Archiver receives every window of logs the backfill applied.
type Archiver interface {
	IndexLogs(ctx context.Context, kind events.Kind, logs []types.Log) error
}

// Backfill replays finalized history through the persistent handlers.
type Backfill struct {
	history  ledger.History
	archive  Archiver // nil if archiving is disabled
	maxRange uint64
	logger   *zap.Logger
	metrics  *metrics.PipelineMetrics
}

// Result summarises one backfill run of a kind.
type Result struct {
	Applied int
	Failed  int
}

// NewBackfill creates a backfill engine. maxRange bounds the block span of a
// single log query; zero means unbounded.
func NewBackfill(history ledger.History, archive Archiver, maxRange uint64, logger *zap.Logger, metrics *metrics.PipelineMetrics) *Backfill {
	return &Backfill{
		history:  history,
		archive:  archive,
		maxRange: maxRange,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run applies every log of h's kind in [from, to] in ledger order. Failing to
// apply a single log is logged and skipped; failing to query a range aborts the
// run so the caller can retry the whole range.
func (b *Backfill) Run(ctx context.Context, h handlers.Handler, from, to uint64) (Result, error) {
	var res Result
	if from > to {
		return res, nil
	}

	for start := from; ; {
		end := to
		if b.maxRange > 0 && to-start >= b.maxRange {
			end = start + b.maxRange - 1
		}

		q := h.Filter()
		q.FromBlock = new(big.Int).SetUint64(start)
		q.ToBlock = new(big.Int).SetUint64(end)

		logs, err := b.history.FilterLogs(ctx, q)
		if err != nil {
			return res, fmt.Errorf("failed to query %s logs in [%d, %d]: %w", h.Kind(), start, end, err)
		}
		SortLogs(logs)

		applied := make([]types.Log, 0, len(logs))
		for _, l := range logs {
			if err := h.ApplyPersistent(ctx, l); err != nil {
				res.Failed++
				b.metrics.IncBackfillFailed(h.Kind())
				b.logger.Error("Failed to apply finalized log, skipping",
					zap.String("kind", string(h.Kind())),
					zap.Uint64("block", l.BlockNumber),
					zap.Uint("logIndex", l.Index),
					zap.Stringer("tx", l.TxHash),
					zap.Error(err))
				continue
			}
			applied = append(applied, l)
		}
		res.Applied += len(applied)
		b.metrics.AddBackfillApplied(h.Kind(), len(applied))

		if b.archive != nil && len(applied) > 0 {
			if err := b.archive.IndexLogs(ctx, h.Kind(), applied); err != nil {
				b.logger.Warn("Failed to archive finalized logs",
					zap.String("kind", string(h.Kind())),
					zap.Int("count", len(applied)),
					zap.Error(err))
			}
		}

		if end == to {
			break
		}
		start = end + 1
	}

	b.logger.Debug("Backfill done",
		zap.String("kind", string(h.Kind())),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("applied", res.Applied),
		zap.Int("failed", res.Failed))
	return res, nil
}

// SortLogs orders logs by block number, then by index within the block.
func SortLogs(logs []types.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}
