package e2e

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/anchor"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/cache"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/consume"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/handlers"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/kafka"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/ledger"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/publisher"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/reconcile"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/testutils"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/view"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// queueClient serves the envelopes captured by a MockPublisher as Kafka
// records. Uncommitted records are returned again on every poll.
type queueClient struct {
	queue *kafka.MockPublisher

	mu        sync.Mutex
	committed int64
}

func (q *queueClient) PollRecords(ctx context.Context, _ int) kgo.Fetches {
	envs := q.queue.Envelopes()

	q.mu.Lock()
	from := q.committed
	q.mu.Unlock()

	var records []*kgo.Record
	for i := from; i < int64(len(envs)); i++ {
		value, err := json.Marshal(envs[i])
		if err != nil {
			panic(err)
		}
		records = append(records, &kgo.Record{
			Topic:  "ledger-events",
			Key:    []byte(kafka.PartitionKey),
			Value:  value,
			Offset: i,
		})
	}
	return kgo.Fetches{{
		Topics: []kgo.FetchTopic{{
			Topic:      "ledger-events",
			Partitions: []kgo.FetchPartition{{Records: records}},
		}},
	}}
}

func (q *queueClient) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range rs {
		if r.Offset+1 > q.committed {
			q.committed = r.Offset + 1
		}
	}
	return nil
}

func (q *queueClient) AllowRebalance() {}

func (q *queueClient) Committed() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committed
}

// pipeline runs a publisher and a reconciler joined by an in-memory queue.
type pipeline struct {
	ledger     *ledger.Mock
	queue      *kafka.MockPublisher
	client     *queueClient
	mr         *miniredis.Miniredis
	store      *store.Memory
	anchor     anchor.Store
	reconciler *reconcile.Reconciler
	reader     *view.Reader
}

func startPipeline(t *testing.T) *pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	anchorStore, err := anchor.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = anchorStore.Close() })

	p := &pipeline{
		ledger: ledger.NewMock(),
		queue:  kafka.NewMockPublisher(),
		mr:     mr,
		store:  store.NewMemory(),
		anchor: anchorStore,
	}
	p.client = &queueClient{queue: p.queue}

	logger := zap.NewNop()
	m := metrics.NewPipelineMetrics(prometheus.NewRegistry(), "e2e")
	c := cache.New(rdb, time.Minute)
	addrs := contracts.Addresses{Factory: testutils.Factory}

	registry, err := handlers.NewRegistry(p.store, c, addrs, logger)
	require.NoError(t, err)

	filters := make(map[events.Kind]ethereum.FilterQuery)
	for _, kind := range events.DomainKinds {
		q, err := addrs.Filter(kind)
		require.NoError(t, err)
		filters[kind] = q
	}

	p.reconciler = reconcile.NewReconciler(reconcile.Config{
		HeadKey: cache.HeadKey,
		HeadTTL: time.Minute,
	}, p.ledger, anchorStore, registry, reconcile.NewBackfill(p.ledger, nil, 0, logger, m), c, logger, m)
	p.reader = view.NewReader(p.store, c, logger)

	pub := publisher.New(p.ledger, filters, p.queue, 1, logger, m)
	consumer := consume.NewConsumer(p.client, p.reconciler, consume.Config{
		MaxAttempts:  3,
		RetryBackoff: 5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, logger, m)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = pub.Run(ctx) }()
	go func() { defer wg.Done(); _ = consumer.Consume(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	testutils.WaitForCondition(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return p.ledger.ActiveSubscriptions() == len(events.DomainKinds)+1
	}, "publisher subscribed")
	return p
}

// head announces a new chain head and waits until the reconciler handled it.
func (p *pipeline) head(t *testing.T, height uint64) {
	t.Helper()
	before := len(p.queue.Envelopes())
	require.NoError(t, p.ledger.EmitHead(context.Background(), height))
	p.settle(t, before+1)
}

// observe delivers a live log and waits until the reconciler handled it.
func (p *pipeline) observe(t *testing.T, l types.Log) {
	t.Helper()
	before := len(p.queue.Envelopes())
	require.NoError(t, p.ledger.EmitLog(context.Background(), l))
	p.settle(t, before+1)
}

// settle waits until count envelopes have been published and committed.
func (p *pipeline) settle(t *testing.T, count int) {
	t.Helper()
	testutils.WaitForCondition(t, 5*time.Second, 5*time.Millisecond, func() bool {
		return len(p.queue.Envelopes()) >= count && p.client.Committed() >= int64(count)
	}, "queue drained")
}
