package reconcile

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/anchor"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/cache"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/handlers"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/ledger"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/metrics"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memAnchor is an in-memory anchor.Store.
type memAnchor struct {
	mu     sync.Mutex
	height uint64
	set    bool
	// beforeAdvance runs under the lock ahead of every compare-and-swap.
	beforeAdvance func(a *memAnchor)
}

func (a *memAnchor) Load(context.Context) (uint64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.height, a.set, nil
}

func (a *memAnchor) Init(_ context.Context, height uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.set {
		a.height, a.set = height, true
	}
	return a.height, nil
}

func (a *memAnchor) Advance(_ context.Context, from, to uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.beforeAdvance != nil {
		a.beforeAdvance(a)
	}
	if a.height != from {
		return anchor.ErrAnchorConflict
	}
	if to < from {
		return anchor.ErrAnchorRegression
	}
	a.height = to
	return nil
}

func (a *memAnchor) Close() error { return nil }

type recordingArchiver struct {
	mu    sync.Mutex
	calls map[events.Kind]int
	err   error
}

func (r *recordingArchiver) IndexLogs(_ context.Context, kind events.Kind, logs []types.Log) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[events.Kind]int)
	}
	r.calls[kind] += len(logs)
	return r.err
}

type fixture struct {
	ledger     *ledger.Mock
	mr         *miniredis.Miniredis
	store      *store.Memory
	anchor     *memAnchor
	archive    *recordingArchiver
	reconciler *Reconciler
}

func newFixture(t *testing.T, maxRange uint64) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		ledger:  ledger.NewMock(),
		mr:      mr,
		store:   store.NewMemory(),
		anchor:  &memAnchor{},
		archive: &recordingArchiver{},
	}
	c := cache.New(client, time.Minute)
	reg, err := handlers.NewRegistry(f.store, c, contracts.Addresses{Factory: testutils.Factory}, zap.NewNop())
	require.NoError(t, err)

	m := metrics.NewPipelineMetrics(prometheus.NewRegistry(), "test")
	bf := NewBackfill(f.ledger, f.archive, maxRange, zap.NewNop(), m)
	f.reconciler = NewReconciler(Config{
		HeadKey: cache.HeadKey,
		HeadTTL: time.Minute,
	}, f.ledger, f.anchor, reg, bf, c, zap.NewNop(), m)
	return f
}

func newBlock(t *testing.T, height uint64) *events.Envelope {
	t.Helper()
	env, err := events.NewBlockEnvelope(&types.Header{Number: new(big.Int).SetUint64(height), Difficulty: big.NewInt(0)})
	require.NoError(t, err)
	return env
}

func live(t *testing.T, kind events.Kind, l types.Log) *events.Envelope {
	t.Helper()
	env, err := events.NewLogEnvelope(kind, l)
	require.NoError(t, err)
	return env
}

var contractAddr = cache.Addr(testutils.TicketContract)

// history is a complete lifecycle: bind, issue, transfer, price, consume.
func history() []types.Log {
	return []types.Log{
		testutils.ContractBoundLog(testutils.Factory, 7, testutils.TicketContract, 1, 0),
		testutils.TicketIssuedLog(testutils.TicketContract, testutils.Alice, 5, 2, 0),
		testutils.TicketIssuedLog(testutils.TicketContract, testutils.Alice, 6, 2, 1),
		testutils.TicketTransferredLog(testutils.TicketContract, testutils.Alice, testutils.Bob, 5, 3, 0),
		testutils.SaleParametersLog(testutils.TicketContract, big.NewInt(100), big.NewInt(50), 1000, 2000, 3, 1),
		testutils.TicketTransferredLog(testutils.TicketContract, testutils.Bob, testutils.Carol, 5, 4, 0),
		testutils.SaleParametersLog(testutils.TicketContract, big.NewInt(120), big.NewInt(40), 1000, 3000, 4, 1),
		testutils.TicketUsedLog(testutils.TicketContract, 5, 5, 0),
	}
}

type snapshot struct {
	token5 *store.Ticket
	token6 *store.Ticket
	entity *store.Entity
}

func (f *fixture) snapshot(t *testing.T) snapshot {
	t.Helper()
	ctx := context.Background()
	t5, err := f.store.Ticket(ctx, contractAddr, "5")
	require.NoError(t, err)
	t6, err := f.store.Ticket(ctx, contractAddr, "6")
	require.NoError(t, err)
	e, err := f.store.Entity(ctx, "7")
	require.NoError(t, err)
	return snapshot{token5: t5, token6: t6, entity: e}
}

func TestReconciler_BackfillsFinalizedRange(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.ledger.AddLogs(history()...)
	f.ledger.SetFinalized(5)

	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 6)))

	s := f.snapshot(t)
	assert.Equal(t, cache.Addr(testutils.Carol), s.token5.Owner)
	assert.True(t, s.token5.Used)
	assert.Equal(t, cache.Addr(testutils.Alice), s.token6.Owner)
	assert.False(t, s.token6.Used)
	require.NotNil(t, s.entity.Sale)
	assert.Equal(t, "120", s.entity.Sale.Price)
	assert.Equal(t, "40", s.entity.Sale.Supply)
	assert.Equal(t, uint64(3000), s.entity.Sale.SaleEnd)

	assert.Equal(t, uint64(5), f.reconciler.LastReconciled())
	h, _, _ := f.anchor.Load(ctx)
	assert.Equal(t, uint64(5), h)

	assert.Equal(t, "6", f.mr.HGet(cache.HeadKey, "head"))
	assert.Equal(t, "5", f.mr.HGet(cache.HeadKey, "finalized"))
	assert.Equal(t, "5", f.mr.HGet(cache.HeadKey, "lastReconciled"))

	assert.Equal(t, 2, f.archive.calls[events.KindTokenIssued])
	assert.Equal(t, 1, f.archive.calls[events.KindTokenConsumed])
}

func TestReconciler_NothingToDoBelowAnchor(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.ledger.AddLogs(history()...)
	f.ledger.SetFinalized(5)
	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 6)))
	calls := len(f.ledger.FilterCalls())

	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 7)))
	assert.Len(t, f.ledger.FilterCalls(), calls, "no new finalized blocks means no queries")
}

func TestReconciler_ResumesFromStoredAnchor(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.anchor.Init(ctx, 3)
	require.NoError(t, err)
	f.ledger.SetFinalized(5)

	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 6)))
	for _, q := range f.ledger.FilterCalls() {
		assert.Equal(t, uint64(4), q.FromBlock.Uint64())
		assert.Equal(t, uint64(5), q.ToBlock.Uint64())
	}
}

func TestReconciler_Idempotent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.ledger.AddLogs(history()...)
	f.ledger.SetFinalized(5)

	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 6)))
	first := f.snapshot(t)

	// Replay the same range as if the anchor write had been lost.
	f.anchor.height = 0
	f.reconciler.lastReconciled = 0
	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 6)))

	assert.Equal(t, first, f.snapshot(t))
	assert.Equal(t, uint64(5), f.reconciler.LastReconciled())
}

func TestReconciler_ChunksLargeRanges(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.ledger.AddLogs(history()...)
	f.ledger.SetFinalized(5)

	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 6)))

	// [1,2] [3,4] [5,5] for every kind
	assert.Len(t, f.ledger.FilterCalls(), 3*len(events.DomainKinds))
	assert.Equal(t, cache.Addr(testutils.Carol), f.snapshot(t).token5.Owner)
}

func TestReconciler_RangeErrorLeavesAnchor(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.ledger.AddLogs(history()...)
	f.ledger.SetFinalized(5)
	f.ledger.FailFilterLogs(errors.New("rpc unavailable"))

	err := f.reconciler.Handle(ctx, newBlock(t, 6))
	require.Error(t, err)
	assert.Equal(t, uint64(0), f.reconciler.LastReconciled())
	h, _, _ := f.anchor.Load(ctx)
	assert.Equal(t, uint64(0), h)

	// Redelivery retries the whole range.
	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 6)))
	assert.Equal(t, uint64(5), f.reconciler.LastReconciled())
	assert.Equal(t, cache.Addr(testutils.Carol), f.snapshot(t).token5.Owner)
}

func TestReconciler_FinalityErrorRedelivers(t *testing.T) {
	f := newFixture(t, 0)
	f.ledger.SetFinalityError(errors.New("rpc unavailable"))

	require.Error(t, f.reconciler.Handle(context.Background(), newBlock(t, 6)))
}

func TestReconciler_AnchorConflictReloads(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.reconciler.Init(ctx))
	f.ledger.SetFinalized(5)

	// Another writer moves the anchor while the range is being backfilled.
	f.anchor.beforeAdvance = func(a *memAnchor) {
		a.height = 4
		a.beforeAdvance = nil
	}

	require.ErrorIs(t, f.reconciler.Handle(ctx, newBlock(t, 6)), anchor.ErrAnchorConflict)
	assert.Equal(t, uint64(4), f.reconciler.LastReconciled())

	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 6)))
	assert.Equal(t, uint64(5), f.reconciler.LastReconciled())
}

func TestReconciler_ReadsAnchorBeforeEachBlock(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.reconciler.Init(ctx))
	f.ledger.SetFinalized(5)

	f.anchor.mu.Lock()
	f.anchor.height = 4
	f.anchor.mu.Unlock()

	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 6)))
	require.NotEmpty(t, f.ledger.FilterCalls())
	for _, q := range f.ledger.FilterCalls() {
		assert.Equal(t, uint64(5), q.FromBlock.Uint64())
		assert.Equal(t, uint64(5), q.ToBlock.Uint64())
	}
	assert.Equal(t, uint64(5), f.reconciler.LastReconciled())
}

func TestReconciler_SkipsUnappliableLogs(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	// Transfer of a ticket that was never issued cannot be applied.
	f.ledger.AddLogs(
		testutils.TicketTransferredLog(testutils.TicketContract, testutils.Alice, testutils.Bob, 9, 1, 0),
		testutils.TicketIssuedLog(testutils.TicketContract, testutils.Alice, 5, 2, 0),
	)
	f.ledger.SetFinalized(2)

	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 3)))
	assert.Equal(t, uint64(2), f.reconciler.LastReconciled())

	_, err := f.store.Ticket(ctx, contractAddr, "9")
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
	tk, err := f.store.Ticket(ctx, contractAddr, "5")
	require.NoError(t, err)
	assert.Equal(t, cache.Addr(testutils.Alice), tk.Owner)
}

func TestReconciler_ArchiveErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t, 0)
	f.archive.err = errors.New("cluster red")
	f.ledger.AddLogs(history()...)
	f.ledger.SetFinalized(5)

	require.NoError(t, f.reconciler.Handle(context.Background(), newBlock(t, 6)))
	assert.Equal(t, uint64(5), f.reconciler.LastReconciled())
}

func TestReconciler_LiveUpdates(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	transfer := testutils.TicketTransferredLog(testutils.TicketContract, testutils.Alice, testutils.Bob, 5, 8, 0)
	tokenKey := cache.TokenKey(testutils.TicketContract, big.NewInt(5))

	require.NoError(t, f.reconciler.Handle(ctx, live(t, events.KindTokenTransferred, transfer)))
	assert.Equal(t, `"`+cache.Addr(testutils.Bob)+`"`, f.mr.HGet(tokenKey, cache.FieldOwner))

	require.NoError(t, f.reconciler.Handle(ctx, live(t, events.KindTokenTransferred, testutils.Removed(transfer))))
	assert.Empty(t, f.mr.HGet(tokenKey, cache.FieldOwner))
}

func TestReconciler_LiveFailuresAreAcknowledged(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// A consumption log delivered under the wrong kind fails to decode.
	wrong := live(t, events.KindTokenIssued, testutils.TicketUsedLog(testutils.TicketContract, 5, 8, 0))
	assert.NoError(t, f.reconciler.Handle(ctx, wrong))

	unknown := &events.Envelope{Kind: "TICKET_BURNED", Data: []byte(`{}`)}
	assert.NoError(t, f.reconciler.Handle(ctx, unknown))

	f.mr.SetError("LOADING")
	transfer := testutils.TicketTransferredLog(testutils.TicketContract, testutils.Alice, testutils.Bob, 5, 8, 0)
	assert.NoError(t, f.reconciler.Handle(ctx, live(t, events.KindTokenTransferred, transfer)))
}

func TestReconciler_FinalityOverridesSpeculation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.ledger.AddLogs(history()[:3]...)
	f.ledger.SetFinalized(2)
	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 3)))

	// Speculative transfer to Carol is later retracted; the canonical chain
	// transfers to Bob instead.
	orphan := testutils.TicketTransferredLog(testutils.TicketContract, testutils.Alice, testutils.Carol, 5, 3, 0)
	canonical := testutils.TicketTransferredLog(testutils.TicketContract, testutils.Alice, testutils.Bob, 5, 3, 0)
	tokenKey := cache.TokenKey(testutils.TicketContract, big.NewInt(5))

	require.NoError(t, f.reconciler.Handle(ctx, live(t, events.KindTokenTransferred, orphan)))
	require.NoError(t, f.reconciler.Handle(ctx, live(t, events.KindTokenTransferred, testutils.Removed(orphan))))
	assert.False(t, f.mr.Exists(cache.OwnerIndexKey(testutils.Carol)))
	require.NoError(t, f.reconciler.Handle(ctx, live(t, events.KindTokenTransferred, canonical)))

	f.ledger.AddLogs(canonical)
	f.ledger.SetFinalized(3)
	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 4)))

	tk, err := f.store.Ticket(ctx, contractAddr, "5")
	require.NoError(t, err)
	assert.Equal(t, cache.Addr(testutils.Bob), tk.Owner)
	assert.Empty(t, f.mr.HGet(tokenKey, cache.FieldOwner), "finalized write clears the speculative owner")
	assert.False(t, f.mr.Exists(cache.OwnerIndexKey(testutils.Bob)))
}

func TestReconciler_OrderInvariance(t *testing.T) {
	baseline := newFixture(t, 0)
	baseline.ledger.AddLogs(history()...)
	baseline.ledger.SetFinalized(5)
	require.NoError(t, baseline.reconciler.Handle(context.Background(), newBlock(t, 6)))
	want := baseline.snapshot(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	logs := history()
	properties.Property("final state does not depend on the order logs are served in", prop.ForAll(
		func(keys []int64) bool {
			order := make([]int, len(logs))
			for i := range order {
				order[i] = i
			}
			sort.SliceStable(order, func(i, j int) bool {
				return keys[order[i]] < keys[order[j]]
			})
			shuffled := make([]types.Log, 0, len(logs))
			for _, i := range order {
				shuffled = append(shuffled, logs[i])
			}

			f := newFixture(t, 0)
			f.ledger.AddLogs(shuffled...)
			f.ledger.SetFinalized(5)
			if err := f.reconciler.Handle(context.Background(), newBlock(t, 6)); err != nil {
				return false
			}
			return assert.ObjectsAreEqual(want, f.snapshot(t))
		},
		gen.SliceOfN(len(logs), gen.Int64()),
	))

	properties.TestingRun(t)
}

func TestSortLogs(t *testing.T) {
	logs := []types.Log{
		{BlockNumber: 3, Index: 0},
		{BlockNumber: 1, Index: 2},
		{BlockNumber: 1, Index: 0},
		{BlockNumber: 2, Index: 5},
	}
	SortLogs(logs)

	var got [][2]uint64
	for _, l := range logs {
		got = append(got, [2]uint64{l.BlockNumber, uint64(l.Index)})
	}
	assert.Equal(t, [][2]uint64{{1, 0}, {1, 2}, {2, 5}, {3, 0}}, got)
}

// insertRecorder records the ledger position of every ticket insert.
type insertRecorder struct {
	*store.Memory
	mu       sync.Mutex
	inserted []store.Position
}

func (r *insertRecorder) InsertTicket(ctx context.Context, t store.Ticket) error {
	r.mu.Lock()
	r.inserted = append(r.inserted, t.IssuedAt)
	r.mu.Unlock()
	return r.Memory.InsertTicket(ctx, t)
}

func TestReconciler_InsertsInLedgerOrder(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := &insertRecorder{Memory: store.NewMemory()}
	c := cache.New(client, time.Minute)
	reg, err := handlers.NewRegistry(st, c, contracts.Addresses{Factory: testutils.Factory}, zap.NewNop())
	require.NoError(t, err)

	chain := ledger.NewMock()
	chain.AddLogs(
		testutils.TicketIssuedLog(testutils.TicketContract, testutils.Alice, 1, 102, 0),
		testutils.TicketIssuedLog(testutils.TicketContract, testutils.Bob, 2, 101, 3),
	)
	chain.SetFinalized(105)

	m := metrics.NewPipelineMetrics(prometheus.NewRegistry(), "test")
	anchorStore := &memAnchor{}
	r := NewReconciler(Config{StartBlock: 100, HeadKey: cache.HeadKey, HeadTTL: time.Minute},
		chain, anchorStore, reg, NewBackfill(chain, nil, 0, zap.NewNop(), m), c, zap.NewNop(), m)

	require.NoError(t, r.Handle(ctx, newBlock(t, 106)))

	assert.Equal(t, []store.Position{{Block: 101, Index: 3}, {Block: 102, Index: 0}}, st.inserted)
	for _, id := range []string{"1", "2"} {
		_, err := st.Ticket(ctx, contractAddr, id)
		require.NoError(t, err)
	}
	h, _, _ := anchorStore.Load(ctx)
	assert.Equal(t, uint64(105), h)
}

func TestReconciler_ConsumedSpeculationThenFinality(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.ledger.AddLogs(testutils.TicketIssuedLog(testutils.TicketContract, testutils.Alice, 5, 1, 0))
	f.ledger.SetFinalized(1)
	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 2)))

	used := testutils.TicketUsedLog(testutils.TicketContract, 5, 3, 0)
	tokenKey := cache.TokenKey(testutils.TicketContract, big.NewInt(5))
	require.NoError(t, f.reconciler.Handle(ctx, live(t, events.KindTokenConsumed, used)))
	assert.Equal(t, "true", f.mr.HGet(tokenKey, cache.FieldUsed))

	tk, err := f.store.Ticket(ctx, contractAddr, "5")
	require.NoError(t, err)
	assert.False(t, tk.Used, "speculation never reaches the store")

	f.ledger.AddLogs(used)
	f.ledger.SetFinalized(3)
	require.NoError(t, f.reconciler.Handle(ctx, newBlock(t, 4)))

	tk, err = f.store.Ticket(ctx, contractAddr, "5")
	require.NoError(t, err)
	assert.True(t, tk.Used)
	assert.False(t, f.mr.Exists(tokenKey))
}
