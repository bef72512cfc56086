package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/anchor"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/handlers"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/ledger"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"go.uber.org/zap"
)

// HeadCache receives the chain heights document.
type HeadCache interface {
	MergeTTL(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error
}

// Config holds reconciler settings
type Config struct {
	// StartBlock is the anchor used when none has been persisted.
	StartBlock uint64
	// HeadKey and HeadTTL describe the chain heights cache document.
	HeadKey string
	HeadTTL time.Duration
}

// Reconciler turns queued envelopes into durable writes or speculative cache updates.
// It is not safe for concurrent use; messages must be handled one at a time.
type Reconciler struct {
	cfg      Config
	history  ledger.History
	anchor   anchor.Store
	registry *handlers.Registry
	backfill *Backfill
	cache    HeadCache
	logger   *zap.Logger
	metrics  *metrics.PipelineMetrics

	lastReconciled uint64
	initialized    bool
}

func NewReconciler(cfg Config, history ledger.History, anchorStore anchor.Store, registry *handlers.Registry, backfill *Backfill, cache HeadCache, logger *zap.Logger, metrics *metrics.PipelineMetrics) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		history:  history,
		anchor:   anchorStore,
		registry: registry,
		backfill: backfill,
		cache:    cache,
		logger:   logger,
		metrics:  metrics,
	}
}

// Init loads the anchor, storing the configured start block when there is none.
func (r *Reconciler) Init(ctx context.Context) error {
	height, err := r.anchor.Init(ctx, r.cfg.StartBlock)
	if err != nil {
		return fmt.Errorf("failed to load anchor: %w", err)
	}
	r.lastReconciled = height
	r.initialized = true
	r.metrics.SetAnchor(height)

	r.logger.Info("Resuming from anchor", zap.Uint64("lastReconciledBlock", height))
	return nil
}

// LastReconciled returns the anchor as last read from or written to the store.
func (r *Reconciler) LastReconciled() uint64 {
	return r.lastReconciled
}

// Handle processes one envelope. A returned error means the envelope must be
// redelivered; everything else, including failed speculative updates, counts as
// handled.
func (r *Reconciler) Handle(ctx context.Context, env *events.Envelope) error {
	if !r.initialized {
		if err := r.Init(ctx); err != nil {
			return err
		}
	}

	if env.Kind == events.KindNewBlock {
		return r.handleNewBlock(ctx, env)
	}
	r.handleLive(ctx, env)
	return nil
}

func (r *Reconciler) handleNewBlock(ctx context.Context, env *events.Envelope) error {
	ref, err := env.Block()
	if err != nil {
		r.logger.Warn("Ignoring malformed NEW_BLOCK envelope", zap.Error(err))
		return nil
	}

	finalized, err := r.history.FinalizedBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read finalized height: %w", err)
	}
	r.metrics.SetFinalized(finalized)

	from, err := r.loadAnchor(ctx)
	if err != nil {
		return err
	}
	if finalized > from {
		if err := r.reconcile(ctx, from, finalized); err != nil {
			return err
		}
	} else {
		r.logger.Debug("Nothing finalized since anchor",
			zap.Uint64("head", ref.Number),
			zap.Uint64("finalized", finalized),
			zap.Uint64("anchor", from))
	}

	if r.cache != nil {
		if err := r.cache.MergeTTL(ctx, r.cfg.HeadKey, map[string]any{
			"head":           ref.Number,
			"finalized":      finalized,
			"lastReconciled": r.lastReconciled,
		}, r.cfg.HeadTTL); err != nil {
			r.metrics.IncCacheErrors("head")
			r.logger.Warn("Failed to update chain head document", zap.Error(err))
		}
	}
	return nil
}

// loadAnchor re-reads the stored anchor so a decision is never taken on a
// stale in-memory copy.
func (r *Reconciler) loadAnchor(ctx context.Context) (uint64, error) {
	stored, ok, err := r.anchor.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read anchor: %w", err)
	}
	if !ok {
		if err := r.Init(ctx); err != nil {
			return 0, err
		}
		return r.lastReconciled, nil
	}
	if stored != r.lastReconciled {
		r.logger.Info("Anchor changed outside this reconciler",
			zap.Uint64("cached", r.lastReconciled),
			zap.Uint64("stored", stored))
		r.lastReconciled = stored
		r.metrics.SetAnchor(stored)
	}
	return stored, nil
}

// reconcile backfills every kind over (from, to] and then advances the anchor.
func (r *Reconciler) reconcile(ctx context.Context, from, to uint64) error {
	start := time.Now()

	for _, h := range r.registry.Handlers() {
		res, err := r.backfill.Run(ctx, h, from+1, to)
		if err != nil {
			return fmt.Errorf("backfill of (%d, %d] failed: %w", from, to, err)
		}
		if res.Failed > 0 {
			r.logger.Warn("Backfill skipped logs",
				zap.String("kind", string(h.Kind())),
				zap.Int("failed", res.Failed))
		}
	}

	if err := r.anchor.Advance(ctx, from, to); err != nil {
		if errors.Is(err, anchor.ErrAnchorConflict) {
			r.logger.Error("Anchor was moved by another writer", zap.Uint64("expected", from), zap.Error(err))
			if stored, ok, loadErr := r.anchor.Load(ctx); loadErr == nil && ok {
				r.lastReconciled = stored
				r.metrics.SetAnchor(stored)
			}
		}
		return fmt.Errorf("failed to advance anchor to %d: %w", to, err)
	}
	r.lastReconciled = to
	r.metrics.SetAnchor(to)
	r.metrics.ObserveBackfillDuration(time.Since(start).Seconds())

	r.logger.Info("Reconciled finalized range",
		zap.Uint64("from", from+1),
		zap.Uint64("to", to),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (r *Reconciler) handleLive(ctx context.Context, env *events.Envelope) {
	h, ok := r.registry.Handler(env.Kind)
	if !ok {
		r.logger.Warn("No handler for kind", zap.String("kind", string(env.Kind)))
		return
	}

	log, err := env.Log()
	if err != nil {
		r.metrics.IncLiveApply(env.Kind, env.Reorg, "malformed")
		r.logger.Warn("Ignoring malformed envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
		return
	}

	if err := h.ApplyLive(ctx, log, env.Reorg); err != nil {
		r.metrics.IncLiveApply(env.Kind, env.Reorg, "error")
		r.logger.Error("Speculative update failed",
			zap.String("kind", string(env.Kind)),
			zap.Bool("reorg", env.Reorg),
			zap.Uint64("block", log.BlockNumber),
			zap.Uint("logIndex", log.Index),
			zap.Error(err))
		return
	}
	r.metrics.IncLiveApply(env.Kind, env.Reorg, "ok")
}
