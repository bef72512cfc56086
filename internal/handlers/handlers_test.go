package handlers

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/cache"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/testutils"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	mr       *miniredis.Miniredis
	cache    *cache.Cache
	store    *store.Memory
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := cache.New(client, time.Minute)
	st := store.NewMemory()
	reg, err := NewRegistry(st, c, contracts.Addresses{Factory: testutils.Factory}, zap.NewNop())
	require.NoError(t, err)

	return &fixture{mr: mr, cache: c, store: st, registry: reg}
}

func (f *fixture) handler(t *testing.T, kind events.Kind) Handler {
	t.Helper()
	h, ok := f.registry.Handler(kind)
	require.True(t, ok)
	return h
}

func (f *fixture) field(t *testing.T, key, field string) (string, bool) {
	t.Helper()
	if !f.mr.Exists(key) {
		return "", false
	}
	v := f.mr.HGet(key, field)
	return v, v != ""
}

var (
	contractAddr = cache.Addr(testutils.TicketContract)
	tokenKey     = cache.TokenKey(testutils.TicketContract, big.NewInt(5))
	ownerField   = cache.OwnerIndexField(testutils.TicketContract, big.NewInt(5))
)

func TestRegistry_ReplayOrder(t *testing.T) {
	f := newFixture(t)

	var kinds []events.Kind
	for _, h := range f.registry.Handlers() {
		kinds = append(kinds, h.Kind())
	}
	assert.Equal(t, events.DomainKinds, kinds)

	consumed, ok := f.registry.Handler(events.KindTokenConsumed)
	require.True(t, ok)
	assert.Equal(t, contracts.Topic(contracts.EventTicketUsed), consumed.Filter().Topics[0][0])

	_, ok = f.registry.Handler(events.KindNewBlock)
	assert.False(t, ok)
}

func TestEntityBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.handler(t, events.KindEntityBound)
	log := testutils.ContractBoundLog(testutils.Factory, 7, testutils.TicketContract, 10, 0)

	require.NoError(t, h.ApplyLive(ctx, log, false))
	v, ok := f.field(t, "entity:7", cache.FieldContractAddress)
	require.True(t, ok)
	assert.Equal(t, `"`+contractAddr+`"`, v)
	assert.True(t, f.mr.Exists(cache.ContractKey(testutils.TicketContract)))

	require.NoError(t, h.ApplyLive(ctx, testutils.Removed(log), true))
	assert.False(t, f.mr.Exists("entity:7"))
	assert.False(t, f.mr.Exists(cache.ContractKey(testutils.TicketContract)))

	require.NoError(t, h.ApplyLive(ctx, log, false))
	require.NoError(t, h.ApplyPersistent(ctx, log))
	assert.False(t, f.mr.Exists("entity:7"), "durable write clears the speculative entry")

	id, err := f.store.EntityByContract(ctx, contractAddr)
	require.NoError(t, err)
	assert.Equal(t, "7", id)
}

func TestTokenIssued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.handler(t, events.KindTokenIssued)
	log := testutils.TicketIssuedLog(testutils.TicketContract, testutils.Alice, 5, 11, 1)
	index := cache.OwnerIndexKey(testutils.Alice)

	require.NoError(t, h.ApplyLive(ctx, log, false))
	v, ok := f.field(t, index, ownerField)
	require.True(t, ok)
	assert.JSONEq(t, `{"contract":"`+contractAddr+`","tokenId":"5","owner":"`+cache.Addr(testutils.Alice)+`","block":11,"logIndex":1}`, v)

	require.NoError(t, h.ApplyLive(ctx, testutils.Removed(log), true))
	assert.False(t, f.mr.Exists(index))

	require.NoError(t, h.ApplyLive(ctx, log, false))
	require.NoError(t, h.ApplyPersistent(ctx, log))
	assert.False(t, f.mr.Exists(index))

	tk, err := f.store.Ticket(ctx, contractAddr, "5")
	require.NoError(t, err)
	assert.Equal(t, cache.Addr(testutils.Alice), tk.Owner)
}

func TestTokenTransferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.handler(t, events.KindTokenTransferred)
	issued := testutils.TicketIssuedLog(testutils.TicketContract, testutils.Alice, 5, 11, 1)
	log := testutils.TicketTransferredLog(testutils.TicketContract, testutils.Alice, testutils.Bob, 5, 12, 0)

	require.NoError(t, f.handler(t, events.KindTokenIssued).ApplyLive(ctx, issued, false))
	require.NoError(t, h.ApplyLive(ctx, log, false))

	v, ok := f.field(t, tokenKey, cache.FieldOwner)
	require.True(t, ok)
	assert.Equal(t, `"`+cache.Addr(testutils.Bob)+`"`, v)
	_, ok = f.field(t, cache.OwnerIndexKey(testutils.Bob), ownerField)
	assert.True(t, ok)
	_, ok = f.field(t, cache.OwnerIndexKey(testutils.Alice), ownerField)
	assert.True(t, ok, "the sender's provisional entry survives the transfer")

	require.NoError(t, h.ApplyLive(ctx, testutils.Removed(log), true))
	_, ok = f.field(t, tokenKey, cache.FieldOwner)
	assert.False(t, ok)
	assert.False(t, f.mr.Exists(cache.OwnerIndexKey(testutils.Bob)))
	_, ok = f.field(t, cache.OwnerIndexKey(testutils.Alice), ownerField)
	assert.True(t, ok, "a retracted transfer leaves the sender's provisional ticket")

	// Persisting before the ticket exists in the store fails and leaves the cache alone.
	require.NoError(t, h.ApplyLive(ctx, log, false))
	err := h.ApplyPersistent(ctx, log)
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
	_, ok = f.field(t, tokenKey, cache.FieldOwner)
	assert.True(t, ok)

	require.NoError(t, f.handler(t, events.KindTokenIssued).ApplyPersistent(ctx, issued))
	require.NoError(t, h.ApplyPersistent(ctx, log))
	_, ok = f.field(t, tokenKey, cache.FieldOwner)
	assert.False(t, ok)
	assert.False(t, f.mr.Exists(cache.OwnerIndexKey(testutils.Bob)))

	tk, err := f.store.Ticket(ctx, contractAddr, "5")
	require.NoError(t, err)
	assert.Equal(t, cache.Addr(testutils.Bob), tk.Owner)
}

func TestSaleParametersChanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.handler(t, events.KindSaleParametersChanged)
	bound := testutils.ContractBoundLog(testutils.Factory, 7, testutils.TicketContract, 10, 0)
	log := testutils.SaleParametersLog(testutils.TicketContract, big.NewInt(1500), big.NewInt(300), 100, 200, 20, 2)

	// Unknown contract: nothing to resolve.
	assert.ErrorIs(t, h.ApplyLive(ctx, log, false), store.ErrEntityNotFound)

	// A speculative binding is enough for a speculative update.
	require.NoError(t, f.handler(t, events.KindEntityBound).ApplyLive(ctx, bound, false))
	require.NoError(t, h.ApplyLive(ctx, log, false))
	v, ok := f.field(t, "entity:7", cache.FieldPrice)
	require.True(t, ok)
	assert.Equal(t, `"1500"`, v)
	v, _ = f.field(t, "entity:7", cache.FieldSaleEnd)
	assert.Equal(t, `200`, v)

	// But not for a durable one.
	assert.ErrorIs(t, h.ApplyPersistent(ctx, log), store.ErrEntityNotFound)

	require.NoError(t, h.ApplyLive(ctx, testutils.Removed(log), true))
	assert.False(t, f.mr.Exists("entity:7"))

	require.NoError(t, f.handler(t, events.KindEntityBound).ApplyPersistent(ctx, bound))
	require.NoError(t, h.ApplyLive(ctx, log, false))
	require.NoError(t, h.ApplyPersistent(ctx, log))
	assert.False(t, f.mr.Exists("entity:7"))

	e, err := f.store.Entity(ctx, "7")
	require.NoError(t, err)
	require.NotNil(t, e.Sale)
	assert.Equal(t, "1500", e.Sale.Price)
	assert.Equal(t, "300", e.Sale.Supply)
	assert.Equal(t, uint64(100), e.Sale.SaleStart)
}

func TestTokenConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := f.handler(t, events.KindTokenConsumed)
	log := testutils.TicketUsedLog(testutils.TicketContract, 5, 13, 0)

	require.NoError(t, h.ApplyLive(ctx, log, false))
	v, ok := f.field(t, tokenKey, cache.FieldUsed)
	require.True(t, ok)
	assert.Equal(t, "true", v)

	require.NoError(t, h.ApplyLive(ctx, testutils.Removed(log), true))
	assert.False(t, f.mr.Exists(tokenKey))

	require.NoError(t, f.handler(t, events.KindTokenIssued).ApplyPersistent(ctx,
		testutils.TicketIssuedLog(testutils.TicketContract, testutils.Alice, 5, 11, 1)))
	require.NoError(t, h.ApplyLive(ctx, log, false))
	require.NoError(t, h.ApplyPersistent(ctx, log))
	assert.False(t, f.mr.Exists(tokenKey))

	tk, err := f.store.Ticket(ctx, contractAddr, "5")
	require.NoError(t, err)
	assert.True(t, tk.Used)
}

func TestPersistentIgnoresRemovedFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	log := testutils.Removed(testutils.TicketIssuedLog(testutils.TicketContract, testutils.Alice, 5, 11, 1))
	require.NoError(t, f.handler(t, events.KindTokenIssued).ApplyPersistent(ctx, log))

	_, err := f.store.Ticket(ctx, contractAddr, "5")
	assert.NoError(t, err)
}

func TestMalformedLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wrong := testutils.TicketUsedLog(testutils.TicketContract, 5, 13, 0)
	for _, kind := range []events.Kind{events.KindEntityBound, events.KindTokenIssued, events.KindTokenTransferred, events.KindSaleParametersChanged} {
		h := f.handler(t, kind)
		assert.ErrorIs(t, h.ApplyPersistent(ctx, wrong), contracts.ErrMalformedLog, kind)
		assert.ErrorIs(t, h.ApplyLive(ctx, wrong, false), contracts.ErrMalformedLog, kind)
	}
}
