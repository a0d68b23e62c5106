package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsEntitled(t *testing.T) {
	now := time.Now()

	autoRenewing := &Purchase{State: PurchaseStatePurchased, AutoRenewing: true}
	require.True(t, IsEntitled(autoRenewing, now))

	unexpired := &Purchase{
		State:     PurchaseStatePurchased,
		ExpiresAt: now.Add(time.Hour).UnixMilli(),
	}
	require.True(t, IsEntitled(unexpired, now))

	expired := &Purchase{
		State:     PurchaseStatePurchased,
		ExpiresAt: now.Add(-time.Hour).UnixMilli(),
	}
	require.False(t, IsEntitled(expired, now))

	pending := &Purchase{State: PurchaseStatePending, AutoRenewing: true}
	require.False(t, IsEntitled(pending, now))

	noExpiry := &Purchase{State: PurchaseStatePurchased}
	require.False(t, IsEntitled(noExpiry, now))
}

func TestPurchaseFilter(t *testing.T) {
	p := &Purchase{ProductID: "sub_monthly"}

	require.True(t, PurchaseFilter{}.Matches(p, ProductKindSubscription))
	require.True(t, PurchaseFilter{Kind: ProductKindSubscription}.Matches(p, ProductKindSubscription))
	require.False(t, PurchaseFilter{Kind: ProductKindOneTime}.Matches(p, ProductKindSubscription))
	require.True(t, PurchaseFilter{ProductIDs: []string{"sub_monthly"}}.Matches(p, ProductKindSubscription))
	require.False(t, PurchaseFilter{ProductIDs: []string{"other"}}.Matches(p, ProductKindSubscription))
}

func TestPurchaseClone(t *testing.T) {
	original := &Purchase{ID: "t1", ProductID: "coin_100", Token: "tok"}
	cloned := original.Clone()
	cloned.Token = "changed"
	require.Equal(t, "tok", original.Token)
}

func TestErrorClassification(t *testing.T) {
	err := NewErrorf(CodeItemAlreadyOwned, "sku %s already owned", "coin_100")
	require.True(t, IsCode(err, CodeItemAlreadyOwned))
	require.Contains(t, err.Error(), "ITEM_ALREADY_OWNED")

	wrapped := AsError(err)
	require.Same(t, err, wrapped)

	generic := AsError(errors.New("sdk exploded"))
	require.Equal(t, CodeUnknown, generic.Code)
	require.Equal(t, "sdk exploded", generic.Message)

	require.Nil(t, AsError(nil))
}
