package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/config"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/kafka"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/ledger"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/publisher"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.ParsePublisher()
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
		logger.Fatal("Publisher exited with error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func run(cfg *config.Publisher, logger *zap.Logger) error {
	logger.Info("Starting ledger-publisher",
		zap.String("version", config.Version),
		zap.String("build", config.Build))
	logger.Debug("Configuration loaded", zap.String("config", config.String(cfg)))

	addrs, err := contracts.ParseAddresses(cfg.Ledger.FactoryAddress, cfg.Ledger.TicketAddresses)
	if err != nil {
		return fmt.Errorf("parsing contract addresses: %w", err)
	}
	filters, err := addrs.Filters()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace)

	client, err := ledger.Dial(ctx, cfg.Ledger.URL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger, pipelineMetrics)
	defer producer.Close() //nolint:errcheck

	pub := publisher.New(client, filters, producer, cfg.Publisher.MinBlockDistance, logger, pipelineMetrics)
	srv := status.NewServer(cfg.Metrics.Port, logger, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Run returning nil means the context ended; anything else is fatal.
		return pub.Run(gctx)
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
	published, lastBlock := pub.Stats()
	logger.Info("Final statistics",
		zap.Uint64("envelopesPublished", published),
		zap.Uint64("lastBlock", lastBlock))
	return err
}
