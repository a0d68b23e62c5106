package tests

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/purchasekit/purchasekit/billing"
	"github.com/purchasekit/purchasekit/journal"
)

func RunStoreTests(t *testing.T, s journal.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s journal.Store){
		testJournalStore_HappyPath,
		testJournalStore_Ordering,
		testJournalStore_Purge,
	} {
		tf(t, s)
		teardown()
	}
}

func newEntry(productID string) *journal.Entry {
	return &journal.Entry{
		ID: uuid.NewString(),
		Purchase: &billing.Purchase{
			ID:            uuid.NewString(),
			ProductID:     productID,
			Token:         uuid.NewString(),
			State:         billing.PurchaseStatePurchased,
			Platform:      billing.PlatformMemory,
			TransactionAt: time.Now().UnixMilli(),
			Quantity:      1,
		},
		CreatedAt: time.Now(),
	}
}

func testJournalStore_HappyPath(t *testing.T, store journal.Store) {
	ctx := context.Background()

	expected := newEntry("coin_100")

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, store.Append(ctx, expected))
	require.Equal(t, journal.ErrExists, store.Append(ctx, expected))

	pending, err = store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, expected.ID, pending[0].ID)
	require.Equal(t, expected.Purchase.ProductID, pending[0].Purchase.ProductID)
	require.Equal(t, expected.Purchase.Token, pending[0].Purchase.Token)
	require.Equal(t, expected.Purchase.State, pending[0].Purchase.State)
	require.False(t, pending[0].Delivered)

	require.Equal(t, journal.ErrNotFound, store.MarkDelivered(ctx, uuid.NewString()))
	require.NoError(t, store.MarkDelivered(ctx, expected.ID))

	pending, err = store.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func testJournalStore_Ordering(t *testing.T, store journal.Store) {
	ctx := context.Background()

	// Identical timestamps: append order must hold even when entries land
	// in the same millisecond.
	base := time.Now().Add(-time.Minute)
	var ids []string
	for i := 0; i < 5; i++ {
		entry := newEntry("coin_100")
		entry.CreatedAt = base
		require.NoError(t, store.Append(ctx, entry))
		ids = append(ids, entry.ID)
	}

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	for i, entry := range pending {
		require.Equal(t, ids[i], entry.ID)
	}
}

func testJournalStore_Purge(t *testing.T, store journal.Store) {
	ctx := context.Background()

	delivered := newEntry("coin_100")
	delivered.CreatedAt = time.Now().Add(-time.Hour)
	undelivered := newEntry("coin_500")
	undelivered.CreatedAt = time.Now().Add(-time.Hour)
	fresh := newEntry("sub_monthly")

	require.NoError(t, store.Append(ctx, delivered))
	require.NoError(t, store.Append(ctx, undelivered))
	require.NoError(t, store.Append(ctx, fresh))
	require.NoError(t, store.MarkDelivered(ctx, delivered.ID))
	require.NoError(t, store.MarkDelivered(ctx, fresh.ID))

	// Only delivered entries older than the cutoff go away.
	removed, err := store.PurgeDelivered(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, undelivered.ID, pending[0].ID)
}
