package store_test

import (
	"context"
	"testing"

	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	contractA = "0x71c4000000000000000000000000000000000002"
	contractB = "0x71c4000000000000000000000000000000000009"
	alice     = "0xa11ce00000000000000000000000000000000003"
	bob       = "0xb0b0000000000000000000000000000000000004"
	carol     = "0xca70100000000000000000000000000000000005"
)

func at(block uint64, index uint) store.Position {
	return store.Position{Block: block, Index: index}
}

// runStoreSuite exercises the behavior every Store implementation shares.
// newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("BindContractIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		b := store.Binding{EntityID: "1", Contract: contractA, At: at(10, 0)}
		require.NoError(t, s.BindContract(ctx, b))
		require.NoError(t, s.BindContract(ctx, b))

		id, err := s.EntityByContract(ctx, contractA)
		require.NoError(t, err)
		assert.Equal(t, "1", id)

		e, err := s.Entity(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, contractA, e.Contract)
		assert.Equal(t, at(10, 0), e.BoundAt)
		assert.Nil(t, e.Sale)

		_, err = s.EntityByContract(ctx, contractB)
		assert.ErrorIs(t, err, store.ErrEntityNotFound)
	})

	t.Run("BindContractRejectsTakenContract", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.BindContract(ctx, store.Binding{EntityID: "1", Contract: contractA, At: at(10, 0)}))
		err := s.BindContract(ctx, store.Binding{EntityID: "2", Contract: contractA, At: at(11, 0)})
		assert.ErrorIs(t, err, store.ErrContractTaken)
	})

	t.Run("TicketLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.InsertTicket(ctx, store.Ticket{Contract: contractA, TokenID: "5", Owner: alice, IssuedAt: at(11, 1)}))
		require.NoError(t, s.InsertTicket(ctx, store.Ticket{Contract: contractA, TokenID: "5", Owner: carol, IssuedAt: at(11, 1)}))

		tk, err := s.Ticket(ctx, contractA, "5")
		require.NoError(t, err)
		assert.Equal(t, alice, tk.Owner, "second insert must not overwrite")
		assert.Equal(t, at(11, 1), tk.OwnerAt)

		require.NoError(t, s.TransferTicket(ctx, store.Transfer{Contract: contractA, TokenID: "5", From: alice, To: bob, At: at(12, 0)}))
		require.NoError(t, s.MarkTicketUsed(ctx, contractA, "5"))

		tk, err = s.Ticket(ctx, contractA, "5")
		require.NoError(t, err)
		assert.Equal(t, bob, tk.Owner)
		assert.True(t, tk.Used)
		assert.Equal(t, at(12, 0), tk.OwnerAt)

		owned, err := s.TicketsByOwner(ctx, bob)
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, "5", owned[0].TokenID)

		owned, err = s.TicketsByOwner(ctx, alice)
		require.NoError(t, err)
		assert.Empty(t, owned)
	})

	t.Run("TransferIgnoresOlderPositions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.InsertTicket(ctx, store.Ticket{Contract: contractA, TokenID: "1", Owner: alice, IssuedAt: at(1, 0)}))
		require.NoError(t, s.TransferTicket(ctx, store.Transfer{Contract: contractA, TokenID: "1", From: bob, To: carol, At: at(3, 0)}))
		require.NoError(t, s.TransferTicket(ctx, store.Transfer{Contract: contractA, TokenID: "1", From: alice, To: bob, At: at(2, 4)}))
		require.NoError(t, s.TransferTicket(ctx, store.Transfer{Contract: contractA, TokenID: "1", From: bob, To: carol, At: at(3, 0)}))

		tk, err := s.Ticket(ctx, contractA, "1")
		require.NoError(t, err)
		assert.Equal(t, carol, tk.Owner)
		assert.Equal(t, at(3, 0), tk.OwnerAt)
	})

	t.Run("MissingTicket", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.TransferTicket(ctx, store.Transfer{Contract: contractA, TokenID: "404", To: bob, At: at(1, 0)})
		assert.ErrorIs(t, err, store.ErrTicketNotFound)
		assert.ErrorIs(t, s.MarkTicketUsed(ctx, contractA, "404"), store.ErrTicketNotFound)
		_, err = s.Ticket(ctx, contractA, "404")
		assert.ErrorIs(t, err, store.ErrTicketNotFound)
	})

	t.Run("SaleParametersLatestWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.UpdateSaleParameters(ctx, store.SaleUpdate{EntityID: "9", Sale: store.Sale{Price: "1", At: at(1, 0)}})
		assert.ErrorIs(t, err, store.ErrEntityNotFound)

		require.NoError(t, s.BindContract(ctx, store.Binding{EntityID: "9", Contract: contractB, At: at(1, 0)}))
		newer := store.Sale{Price: "200", Supply: "50", SaleStart: 100, SaleEnd: 200, At: at(5, 2)}
		older := store.Sale{Price: "100", Supply: "10", SaleStart: 1, SaleEnd: 2, At: at(4, 0)}
		require.NoError(t, s.UpdateSaleParameters(ctx, store.SaleUpdate{EntityID: "9", Sale: newer}))
		require.NoError(t, s.UpdateSaleParameters(ctx, store.SaleUpdate{EntityID: "9", Sale: older}))

		e, err := s.Entity(ctx, "9")
		require.NoError(t, err)
		require.NotNil(t, e.Sale)
		assert.Equal(t, newer, *e.Sale)
	})
}
