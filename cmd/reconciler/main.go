package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/anchor"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/archive"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/cache"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/config"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/consume"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/handlers"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/ledger"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/reconcile"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/status"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.ParseReconciler()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	logConfig := zap.NewProductionConfig()
	if cfg.Debug {
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := logConfig.Build()
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Reconciler exited with error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Reconciler, logger *zap.Logger) error {
	logger.Info("Starting ledger-reconciler",
		zap.String("version", config.Version),
		zap.String("build", config.Build))
	logger.Debug("Configuration loaded", zap.String("config", config.String(cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace)
	checks := make(map[string]status.Check)

	// Primary store and anchor
	var (
		st          store.Store
		anchorStore anchor.Store
		pool        *pgxpool.Pool
	)
	if cfg.Store.Driver == "postgres" {
		if err := store.Migrate(cfg.Store.DSN); err != nil {
			return err
		}
		var err error
		pool, err = store.NewPool(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
		checks["postgres"] = pool.Ping
	} else {
		logger.Warn("Using the in-memory store; finalized state is rebuilt from the start block on restart")
		st = store.NewMemory()
	}

	switch cfg.Anchor.Driver {
	case "postgres":
		anchorStore = anchor.NewPostgresStore(pool)
	case "pebble":
		var err error
		anchorStore, err = anchor.NewPebbleStore(cfg.Anchor.Path)
		if err != nil {
			return err
		}
	case "memory":
		anchorStore = anchor.NewMemoryStore()
	}
	defer anchorStore.Close() //nolint:errcheck

	// Speculative cache
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close() //nolint:errcheck
	speculative := cache.New(rdb, cfg.Redis.TTL)
	if err := speculative.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	checks["redis"] = speculative.Ping

	addrs, err := contracts.ParseAddresses(cfg.Ledger.FactoryAddress, cfg.Ledger.TicketAddresses)
	if err != nil {
		return fmt.Errorf("parsing contract addresses: %w", err)
	}
	registry, err := handlers.NewRegistry(st, speculative, addrs, logger)
	if err != nil {
		return err
	}

	client, err := ledger.Dial(ctx, cfg.Ledger.URL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var archiver reconcile.Archiver
	if cfg.Elastic.Enabled {
		esClient, err := newElasticClient(cfg, logger)
		if err != nil {
			return err
		}
		archiver = archive.NewClient(esClient, cfg.Elastic.IndexName, logger)
	}

	backfill := reconcile.NewBackfill(client, archiver, cfg.Reconcile.MaxBlockRange, logger, pipelineMetrics)
	reconciler := reconcile.NewReconciler(reconcile.Config{
		StartBlock: cfg.Reconcile.StartBlock,
		HeadKey:    cache.HeadKey,
		HeadTTL:    cfg.Redis.BlockTTL,
	}, client, anchorStore, registry, backfill, speculative, logger, pipelineMetrics)
	if err := reconciler.Init(ctx); err != nil {
		return err
	}

	kafkaMetrics := kprom.NewMetrics(cfg.Metrics.Namespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))
	kcl, err := kgo.NewClient(
		kgo.WithHooks(kafkaMetrics),
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.ConsumeTopics(cfg.Kafka.Topic),
		kgo.ConsumerGroup(cfg.Broker.ConsumerGroup),
		kgo.BlockRebalanceOnPoll(),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("creating kgo client: %w", err)
	}
	defer kcl.Close()

	consumer := consume.NewConsumer(kcl, reconciler, consume.Config{
		MaxPollRecords: cfg.Broker.MaxPollRecords,
		MaxAttempts:    cfg.Broker.MaxAttempts,
		RetryBackoff:   cfg.Broker.RetryBackoff,
	}, logger, pipelineMetrics)

	srv := status.NewServer(cfg.Metrics.Port, logger, checks)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pipelineMetrics.SetRunning(true)
		defer pipelineMetrics.SetRunning(false)
		return consumer.Consume(gctx)
	})
	g.Go(func() error {
		logger.Info("Health and metrics endpoint started", zap.Int("port", cfg.Metrics.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Final statistics", zap.Uint64("lastReconciledBlock", reconciler.LastReconciled()))
	return err
}

func newElasticClient(cfg *config.Reconciler, logger *zap.Logger) (*elasticsearch.Client, error) {
	cert, err := os.ReadFile(cfg.Elastic.Certificate)
	if err != nil {
		logger.Warn("Could not read elastic certificate", zap.Error(err))
	}

	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:     cfg.Elastic.Addresses,
		Username:      cfg.Elastic.Username,
		Password:      cfg.Elastic.Password,
		CACert:        cert,
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    cfg.Elastic.MaxRetries,
		RetryBackoff:  calculateBackoff(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return esClient, nil
}

// calculateBackoff needs retry number because of multi threading
func calculateBackoff(logger *zap.Logger) func(i int) time.Duration {
	return func(i int) time.Duration {
		var d time.Duration
		if i < 10 {
			d = time.Second*time.Duration(i) + randomMillis()
		} else {
			d = time.Second*30 + randomMillis()
		}
		logger.Warn("Elasticsearch client retry", zap.Int("attempt", i), zap.Duration("backoff", d))
		return d
	}
}

func randomMillis() time.Duration {
	return time.Duration(rand.Intn(1000)) * time.Millisecond
}
