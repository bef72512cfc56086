package consume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type KafkaClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
}

// Handler processes one envelope. An error means the envelope was not handled
// and must be delivered again.
type Handler interface {
	Handle(ctx context.Context, env *events.Envelope) error
}

type Config struct {
	MaxPollRecords int
	// MaxAttempts bounds in-process redelivery of a failing envelope. Once
	// exhausted the consumer stops without committing it.
	MaxAttempts  int
	RetryBackoff time.Duration
	PollInterval time.Duration
}

type Consumer struct {
	kafkaClient KafkaClient
	handler     Handler
	cfg         Config
	logger      *zap.Logger
	metrics     *metrics.PipelineMetrics
}

func NewConsumer(kafkaClient KafkaClient, handler Handler, cfg Config, logger *zap.Logger, metrics *metrics.PipelineMetrics) *Consumer {
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Consumer{
		kafkaClient: kafkaClient,
		handler:     handler,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
	}
}

func (c *Consumer) Consume(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutdown signal received, stopping consumer")
			return nil
		case <-ticker.C:
			count, err := c.consumeBatch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("consuming batch: %w", err)
			}
			if count > 0 {
				c.logger.Debug("Processed records", zap.Int("count", count))
			}
		}
	}
}

// consumeBatch handles polled records strictly in order, committing each one
// after it has been handled.
func (c *Consumer) consumeBatch(ctx context.Context) (int, error) {
	defer c.kafkaClient.AllowRebalance()
	fetches := c.kafkaClient.PollRecords(ctx, c.cfg.MaxPollRecords)
	if fetchErrors := fetches.Errors(); len(fetchErrors) > 0 {
		for _, fe := range fetchErrors {
			if errors.Is(fe.Err, context.Canceled) {
				return 0, fe.Err
			}
			c.logger.Error("Fetch error",
				zap.String("topic", fe.Topic),
				zap.Int32("partition", fe.Partition),
				zap.Error(fe.Err))
		}
		return 0, errors.New("fetching records")
	}

	count := 0
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()

		if err := c.process(ctx, record); err != nil {
			return count, err
		}
		if err := c.kafkaClient.CommitRecords(ctx, record); err != nil {
			return count, fmt.Errorf("committing offset %d of partition %d: %w", record.Offset, record.Partition, err)
		}
		count++
	}
	return count, nil
}

func (c *Consumer) process(ctx context.Context, record *kgo.Record) error {
	env, err := events.Decode(record.Value)
	if err != nil {
		c.metrics.IncMalformed()
		c.logger.Warn("Dropping undecodable message",
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.ByteString("value", record.Value),
			zap.Error(err))
		return nil
	}

	for attempt := 1; ; attempt++ {
		err = c.handler.Handle(ctx, env)
		if err == nil {
			c.metrics.IncMessages(env.Kind, "handled")
			return nil
		}
		c.metrics.IncMessages(env.Kind, "failed")

		if attempt >= c.cfg.MaxAttempts {
			return fmt.Errorf("handling %s at offset %d after %d attempts: %w", env.Kind, record.Offset, attempt, err)
		}
		c.metrics.IncRedeliveries()
		c.logger.Warn("Handling failed, redelivering",
			zap.String("kind", string(env.Kind)),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
}
