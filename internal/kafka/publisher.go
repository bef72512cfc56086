package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"go.uber.org/zap"
)

// Publisher is the interface for publishing envelopes to the durable queue.
type Publisher interface {
	Publish(ctx context.Context, env *events.Envelope) error
	Close() error
}

// Producer is the real Kafka publisher using segmentio/kafka-go.
type Producer struct {
	writer  *kafkago.Writer
	logger  *zap.Logger
	metrics *metrics.PipelineMetrics
}

// NewProducer creates a new Kafka producer.
func NewProducer(brokers []string, topic string, logger *zap.Logger, metrics *metrics.PipelineMetrics) *Producer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		Compression:            compress.Lz4,
		AllowAutoTopicCreation: false,
	}

	return &Producer{
		writer:  w,
		logger:  logger,
		metrics: metrics,
	}
}

// PartitionKey keys every envelope. All envelopes share one partition, so a
// NEW_BLOCK is never consumed before the domain logs observed ahead of it.
const PartitionKey = "ledger-events"

func newMessage(env *events.Envelope) (kafkago.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{Key: []byte(PartitionKey), Value: value}, nil
}

// Publish serializes an envelope to JSON and writes it to Kafka.
func (p *Producer) Publish(ctx context.Context, env *events.Envelope) error {
	msg, err := newMessage(env)
	if err != nil {
		p.metrics.IncPublishErrors("marshal_error")
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.IncPublishErrors("publish_error")
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.metrics.IncEnvelopesPublished(env.Kind, env.Reorg)

	p.logger.Debug("Published envelope to Kafka",
		zap.String("kind", string(env.Kind)),
		zap.Bool("reorg", env.Reorg),
		zap.String("topic", p.writer.Topic))

	return nil
}

// Close flushes and closes the Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
