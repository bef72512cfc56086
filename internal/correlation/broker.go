package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// errCodeMaxMsgs is the JetStream API code for a write rejected by a full discard-new stream.
const errCodeMaxMsgs jetstream.ErrorCode = 10077

// Confirmation is the payload resolving a waiter.
type Confirmation struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Signature string `json:"signature"`
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
}

type Config struct {
	SubjectPrefix string
	Timeout       time.Duration
}

// Broker hands one confirmation from a producer to the waiter of a correlation id,
// using a single-message JetStream stream per id.
type Broker struct {
	js      jetstream.JetStream
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.PipelineMetrics
}

// Connect opens a NATS connection that keeps reconnecting in the background.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func NewBroker(nc *nats.Conn, cfg Config, logger *zap.Logger, metrics *metrics.PipelineMetrics) (*Broker, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "confirmations"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Broker{js: js, cfg: cfg, logger: logger, metrics: metrics}, nil
}

func (b *Broker) subject(id uuid.UUID) string {
	return b.cfg.SubjectPrefix + "." + id.String()
}

func streamName(id uuid.UUID) string {
	return "CORR_" + strings.ReplaceAll(id.String(), "-", "")
}

// Waiter receives the single confirmation for one correlation id.
type Waiter struct {
	id       uuid.UUID
	js       jetstream.JetStream
	consumer jetstream.Consumer
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.PipelineMetrics

	cleanup sync.Once
}

// CreateWaiter prepares the stream and consumer for id. The caller must call
// Wait, which removes them again.
func (b *Broker) CreateWaiter(ctx context.Context, id uuid.UUID) (*Waiter, error) {
	name := streamName(id)
	stream, err := b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{b.subject(id)},
		MaxMsgs:   1,
		Discard:   jetstream.DiscardNew,
		Storage:   jetstream.MemoryStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    2 * b.cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", name, err)
	}

	consumer, err := stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		AckPolicy:         jetstream.AckExplicitPolicy,
		InactiveThreshold: 2 * b.cfg.Timeout,
	})
	if err != nil {
		if delErr := b.js.DeleteStream(context.WithoutCancel(ctx), name); delErr != nil {
			b.logger.Warn("Failed to delete stream", zap.String("stream", name), zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to create consumer on %s: %w", name, err)
	}

	return &Waiter{
		id:       id,
		js:       b.js,
		consumer: consumer,
		timeout:  b.cfg.Timeout,
		logger:   b.logger,
		metrics:  b.metrics,
	}, nil
}

// Wait blocks until the confirmation arrives, the timeout elapses, the broker
// removes the consumer, or ctx is done. The stream is deleted on every path.
func (w *Waiter) Wait(ctx context.Context) (*Confirmation, error) {
	defer w.close(ctx)

	c, err := w.fetch(ctx)
	w.metrics.IncCorrelationOutcome(outcome(err))
	return c, err
}

func (w *Waiter) fetch(ctx context.Context) (*Confirmation, error) {
	batch, err := w.consumer.Fetch(1, jetstream.FetchMaxWait(w.timeout))
	if err != nil {
		return nil, w.classify(ctx, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-batch.Messages():
		if ok {
			var c Confirmation
			if err := json.Unmarshal(msg.Data(), &c); err != nil {
				_ = msg.Term()
				return nil, fmt.Errorf("invalid confirmation payload: %w", err)
			}
			if err := msg.Ack(); err != nil {
				w.logger.Debug("Failed to ack confirmation", zap.Stringer("id", w.id), zap.Error(err))
			}
			return &c, nil
		}
	}

	if err := batch.Error(); err != nil {
		return nil, w.classify(ctx, err)
	}
	// An empty batch either timed out or lost its stream.
	if _, err := w.js.Stream(context.WithoutCancel(ctx), streamName(w.id)); errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, ErrConsumerCancelled
	}
	return nil, ErrTimeout
}

func (w *Waiter) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, jetstream.ErrConsumerDeleted),
		errors.Is(err, jetstream.ErrConsumerNotFound),
		errors.Is(err, jetstream.ErrStreamNotFound):
		return ErrConsumerCancelled
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return fmt.Errorf("failed to fetch confirmation: %w", err)
	}
}

func (w *Waiter) close(ctx context.Context) {
	w.cleanup.Do(func() {
		name := streamName(w.id)
		err := w.js.DeleteStream(context.WithoutCancel(ctx), name)
		if err != nil && !errors.Is(err, jetstream.ErrStreamNotFound) {
			w.logger.Warn("Failed to delete stream", zap.String("stream", name), zap.Error(err))
		}
	})
}

// Await creates a waiter for id and waits on it. A confirmation with Valid
// unset yields ErrInvalid along with the confirmation.
func (b *Broker) Await(ctx context.Context, id uuid.UUID) (*Confirmation, error) {
	w, err := b.CreateWaiter(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := w.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if !c.Valid {
		return c, fmt.Errorf("%w: %s", ErrInvalid, c.Reason)
	}
	return c, nil
}

// Publish sends the confirmation for id. At most one confirmation is accepted.
func (b *Broker) Publish(ctx context.Context, id uuid.UUID, c Confirmation) error {
	stream, err := b.js.Stream(ctx, streamName(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return ErrNoWaiter
		}
		return fmt.Errorf("failed to look up waiter %s: %w", id, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to read waiter %s: %w", id, err)
	}
	if info.State.Msgs > 0 || info.State.LastSeq > 0 {
		return ErrAlreadyResolved
	}

	if c.ID == "" {
		c.ID = id.String()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal confirmation: %w", err)
	}

	ack, err := b.js.Publish(ctx, b.subject(id), data, jetstream.WithMsgID(id.String()))
	if err != nil {
		var apiErr *jetstream.APIError
		switch {
		case errors.Is(err, jetstream.ErrNoStreamResponse):
			return ErrNoWaiter
		case errors.As(err, &apiErr) && apiErr.ErrorCode == errCodeMaxMsgs:
			return ErrAlreadyResolved
		}
		return fmt.Errorf("failed to publish confirmation %s: %w", id, err)
	}
	if ack.Duplicate {
		return ErrAlreadyResolved
	}

	b.logger.Debug("Confirmation published",
		zap.Stringer("id", id),
		zap.Bool("valid", c.Valid),
		zap.Uint64("seq", ack.Sequence))
	return nil
}
