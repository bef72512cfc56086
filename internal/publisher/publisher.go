package publisher

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/kafka"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/ledger"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"go.uber.org/zap"
)

// observation is a log together with the kind whose filter matched it
type observation struct {
	kind events.Kind
	log  types.Log
}

// Publisher streams ledger observations into the durable queue
type Publisher struct {
	client   ledger.Subscriber
	filters  map[events.Kind]ethereum.FilterQuery
	queue    kafka.Publisher
	throttle *Throttle
	logger   *zap.Logger
	metrics  *metrics.PipelineMetrics

	mu            sync.Mutex
	subscriptions []ethereum.Subscription
	published     uint64
}

// New creates a publisher for the given per-kind log filters.
func New(client ledger.Subscriber, filters map[events.Kind]ethereum.FilterQuery, queue kafka.Publisher, minBlockDistance uint64, logger *zap.Logger, metrics *metrics.PipelineMetrics) *Publisher {
	return &Publisher{
		client:   client,
		filters:  filters,
		queue:    queue,
		throttle: NewThrottle(minBlockDistance),
		logger:   logger,
		metrics:  metrics,
	}
}

// Run subscribes and forwards observations until ctx is cancelled. A failed
// subscription or publish ends Run with an error; there is no local buffer to
// resume from, so the caller is expected to exit and be restarted.
func (p *Publisher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	heads := make(chan *types.Header, 64)
	logs := make(chan observation, 256)
	failures := make(chan error, len(p.filters)+1)

	if err := p.subscribeAll(ctx, heads, logs, failures); err != nil {
		p.unsubscribeAll()
		return err
	}
	defer p.unsubscribeAll()

	p.metrics.SetRunning(true)
	defer p.metrics.SetRunning(false)

	p.logger.Info("Publisher started", zap.Int("logSubscriptions", len(p.filters)))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, stopping publisher")
			return nil

		case err := <-failures:
			return err

		case header := <-heads:
			if err := p.handleHeader(ctx, header); err != nil {
				return err
			}

		case obs := <-logs:
			if err := p.handleLog(ctx, obs); err != nil {
				return err
			}
		}
	}
}

// subscribeAll drops any previous subscriptions and opens one for new heads and
// one per log filter.
func (p *Publisher) subscribeAll(ctx context.Context, heads chan<- *types.Header, logs chan<- observation, failures chan<- error) error {
	p.unsubscribeAll()

	headSub, err := p.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("failed to subscribe to new heads: %w", err)
	}
	p.track(headSub)
	go p.watch(ctx, "new_heads", headSub, failures)

	for kind, filter := range p.filters {
		ch := make(chan types.Log, 64)
		sub, err := p.client.SubscribeFilterLogs(ctx, filter, ch)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s logs: %w", kind, err)
		}
		p.track(sub)
		go p.watch(ctx, kind.MetricName(), sub, failures)
		go forward(ctx, kind, ch, logs)
	}
	return nil
}

func (p *Publisher) track(sub ethereum.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions = append(p.subscriptions, sub)
}

func (p *Publisher) unsubscribeAll() {
	p.mu.Lock()
	subs := p.subscriptions
	p.subscriptions = nil
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// watch reports the first error of sub. A closed error channel means the
// subscription was ended by us.
func (p *Publisher) watch(ctx context.Context, name string, sub ethereum.Subscription, failures chan<- error) {
	select {
	case err, ok := <-sub.Err():
		if !ok {
			return
		}
		p.logger.Error("Ledger subscription failed", zap.String("subscription", name), zap.Error(err))
		select {
		case failures <- fmt.Errorf("%s subscription failed: %w", name, err):
		default:
		}
	case <-ctx.Done():
	}
}

func forward(ctx context.Context, kind events.Kind, in <-chan types.Log, out chan<- observation) {
	for {
		select {
		case l := <-in:
			select {
			case out <- observation{kind: kind, log: l}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Publisher) handleHeader(ctx context.Context, header *types.Header) error {
	height := header.Number.Uint64()
	p.metrics.SetLastHead(height)

	p.mu.Lock()
	accepted := p.throttle.Accept(height)
	p.mu.Unlock()
	if !accepted {
		p.metrics.IncBlocksThrottled()
		p.logger.Debug("Block throttled", zap.Uint64("block", height))
		return nil
	}

	env, err := events.NewBlockEnvelope(header)
	if err != nil {
		return fmt.Errorf("failed to build block envelope: %w", err)
	}
	if err := p.publish(ctx, env); err != nil {
		return err
	}

	p.logger.Info("New block forwarded", zap.Uint64("block", height))
	return nil
}

func (p *Publisher) handleLog(ctx context.Context, obs observation) error {
	env, err := events.NewLogEnvelope(obs.kind, obs.log)
	if err != nil {
		return fmt.Errorf("failed to build %s envelope: %w", obs.kind, err)
	}
	if err := p.publish(ctx, env); err != nil {
		return err
	}

	p.logger.Debug("Log forwarded",
		zap.String("kind", string(obs.kind)),
		zap.Uint64("block", obs.log.BlockNumber),
		zap.Uint("logIndex", obs.log.Index),
		zap.Bool("reorg", obs.log.Removed))
	return nil
}

func (p *Publisher) publish(ctx context.Context, env *events.Envelope) error {
	if err := p.queue.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish %s envelope: %w", env.Kind, err)
	}
	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	return nil
}

// Stats returns the number of envelopes published and the last forwarded block height.
func (p *Publisher) Stats() (published uint64, lastBlock uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, _ := p.throttle.Last()
	return p.published, last
}
