package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/config"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/correlation"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const usage = `usage:
  ledger-confirm wait [uuid]
  ledger-confirm send <uuid> <valid|invalid> [subject] [signature] [reason]`

func main() {
	cfg, err := config.ParseConfirm()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if cfg.Debug {
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := logConfig.Build()
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}

	code, err := run(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	// os.Exit skips deferred calls.
	_ = logger.Sync()
	os.Exit(code)
}

func run(cfg *config.Confirm, logger *zap.Logger) (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := correlation.Connect(cfg.NATS.URL, "ledger-confirm", logger)
	if err != nil {
		return 1, err
	}
	defer nc.Close()

	broker, err := correlation.NewBroker(nc, correlation.Config{
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Timeout:       cfg.NATS.Timeout,
	}, logger, metrics.NewPipelineMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace))
	if err != nil {
		return 1, err
	}

	switch cfg.Args.Num(0) {
	case "wait":
		return wait(ctx, broker, cfg.Args.Num(1))
	case "send":
		return send(ctx, broker, cfg.Args)
	default:
		return 2, errors.New(usage)
	}
}

func wait(ctx context.Context, broker *correlation.Broker, raw string) (int, error) {
	id := uuid.New()
	if raw != "" {
		var err error
		if id, err = uuid.Parse(raw); err != nil {
			return 2, fmt.Errorf("invalid correlation id: %w", err)
		}
	}
	fmt.Fprintf(os.Stderr, "waiting on %s\n", id)

	c, err := broker.Await(ctx, id)
	st := correlation.StatusOf(err)
	if c != nil {
		out, _ := json.Marshal(c)
		fmt.Println(string(out))
	}
	fmt.Fprintf(os.Stderr, "status: %s\n", st.Code())
	if err != nil {
		return int(st.Code()), nil
	}
	return 0, nil
}

func send(ctx context.Context, broker *correlation.Broker, args []string) (int, error) {
	if len(args) < 3 {
		return 2, errors.New(usage)
	}
	id, err := uuid.Parse(args[1])
	if err != nil {
		return 2, fmt.Errorf("invalid correlation id: %w", err)
	}

	c := correlation.Confirmation{ID: id.String()}
	switch args[2] {
	case "valid":
		c.Valid = true
	case "invalid":
	default:
		return 2, errors.New(usage)
	}
	if len(args) > 3 {
		c.Subject = args[3]
	}
	if len(args) > 4 {
		c.Signature = args[4]
	}
	if len(args) > 5 {
		c.Reason = args[5]
	}

	err = broker.Publish(ctx, id, c)
	fmt.Fprintf(os.Stderr, "status: %s\n", correlation.StatusOf(err).Code())
	if err != nil {
		return int(correlation.StatusOf(err).Code()), nil
	}
	return 0, nil
}
