package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/purchasekit/purchasekit/billing"
	"github.com/purchasekit/purchasekit/billing/tests"
)

func testCatalog() []*billing.Product {
	return []*billing.Product{
		{ID: "coin_100", Kind: billing.ProductKindOneTime, Title: "100 Coins", Currency: "USD", RawPrice: 0.99, DisplayPrice: "$0.99"},
		{ID: "sub_monthly", Kind: billing.ProductKindSubscription, Title: "Monthly", Currency: "USD", RawPrice: 4.99, DisplayPrice: "$4.99"},
	}
}

func TestMemoryAdapter(t *testing.T) {
	adapter := NewAdapter(zaptest.NewLogger(t), testCatalog())

	teardown := func() {
		adapter.mu.Lock()
		adapter.purchases = make(map[string]*billing.Purchase)
		adapter.finalizeCalls = make(map[string]int)
		adapter.decide = func(*billing.PurchaseRequest) Decision { return DecisionApprove }
		adapter.connected = false
		adapter.mu.Unlock()
	}

	tests.RunAdapterTests(t, tests.Harness{
		Adapter:         adapter,
		OneTimeSKU:      "coin_100",
		SubscriptionSKU: "sub_monthly",
		UnknownSKU:      "missing_sku",
		ScriptOutcome: func(cancel bool) {
			decision := DecisionApprove
			if cancel {
				decision = DecisionCancel
			}
			adapter.SetDecision(func(*billing.PurchaseRequest) Decision { return decision })
		},
	}, teardown)
}

func TestMemoryAdapter_DeferredPurchaseIsPending(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter(zaptest.NewLogger(t), testCatalog())
	require.NoError(t, adapter.Connect(ctx))

	adapter.SetDecision(func(*billing.PurchaseRequest) Decision { return DecisionDefer })
	purchase, err := adapter.Purchase(ctx, &billing.PurchaseRequest{SKUs: []string{"coin_100"}})
	require.NoError(t, err)
	require.Equal(t, billing.PurchaseStatePending, purchase.State)

	result, err := adapter.VerifyNative(ctx, purchase)
	require.NoError(t, err)
	require.Equal(t, billing.EntitlementPending, result.Entitlement)
}

func TestMemoryAdapter_DoublePurchaseOfOwnedItem(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter(zaptest.NewLogger(t), testCatalog())
	require.NoError(t, adapter.Connect(ctx))

	_, err := adapter.Purchase(ctx, &billing.PurchaseRequest{SKUs: []string{"coin_100"}})
	require.NoError(t, err)

	_, err = adapter.Purchase(ctx, &billing.PurchaseRequest{SKUs: []string{"coin_100"}})
	require.True(t, billing.IsCode(err, billing.CodeItemAlreadyOwned))
}

func TestMemoryAdapter_ConsumeAllowsRepurchase(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter(zaptest.NewLogger(t), testCatalog())
	require.NoError(t, adapter.Connect(ctx))

	purchase, err := adapter.Purchase(ctx, &billing.PurchaseRequest{SKUs: []string{"coin_100"}})
	require.NoError(t, err)
	require.NoError(t, adapter.FinalizeTransaction(ctx, purchase, true))

	result, err := adapter.VerifyNative(ctx, purchase)
	require.NoError(t, err)
	require.Equal(t, billing.EntitlementConsumed, result.Entitlement)

	_, err = adapter.Purchase(ctx, &billing.PurchaseRequest{SKUs: []string{"coin_100"}})
	require.NoError(t, err)
}

func TestMemoryAdapter_ExpiredSubscriptionNotActive(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter(zaptest.NewLogger(t), testCatalog())
	require.NoError(t, adapter.Connect(ctx))

	adapter.SeedPurchase(&billing.Purchase{
		ProductID:     "sub_monthly",
		Token:         "expired-token",
		State:         billing.PurchaseStatePurchased,
		Platform:      billing.PlatformMemory,
		TransactionAt: time.Now().Add(-48 * time.Hour).UnixMilli(),
		ExpiresAt:     time.Now().Add(-24 * time.Hour).UnixMilli(),
	})

	subs, err := adapter.QueryActiveSubscriptions(ctx, []string{"sub_monthly"})
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestMemoryAdapter_AlternativeBilling(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter(zaptest.NewLogger(t), testCatalog())
	require.NoError(t, adapter.Connect(ctx))
	ext := adapter.Extensions()

	var events []billing.Event
	adapter.SetSink(billing.EventSinkFunc(func(e billing.Event) {
		events = append(events, e)
	}))

	available, err := ext.AlternativeBillingAvailable(ctx)
	require.NoError(t, err)
	require.False(t, available)

	_, err = ext.CreateAlternativeBillingToken(ctx)
	require.True(t, billing.IsCode(err, billing.CodeFeatureNotSupported))

	adapter.SetAlternativeBilling(true)

	available, err = ext.AlternativeBillingAvailable(ctx)
	require.NoError(t, err)
	require.True(t, available)

	shown, err := ext.ShowAlternativeBillingDialog(ctx)
	require.NoError(t, err)
	require.True(t, shown)

	token, err := ext.CreateAlternativeBillingToken(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// The dialog reports the user's billing choice; minting the token
	// reports the developer-provided billing payload.
	require.Len(t, events, 2)
	require.Equal(t, billing.EventUserChoiceBilling, events[0].Kind)
	require.Equal(t, billing.EventDeveloperProvidedBilling, events[1].Kind)
	require.Equal(t, token, events[1].Data["externalTransactionToken"])
}

func TestMemoryAdapter_PromotedProductEvent(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter(zaptest.NewLogger(t), testCatalog())
	require.NoError(t, adapter.Connect(ctx))

	var events []billing.Event
	adapter.SetSink(billing.EventSinkFunc(func(e billing.Event) {
		events = append(events, e)
	}))

	adapter.SetPromotedProduct("coin_100")
	require.Len(t, events, 1)
	require.Equal(t, billing.EventPromotedProduct, events[0].Kind)
	require.Equal(t, "coin_100", events[0].ProductID)

	productID, err := adapter.Extensions().PromotedProduct(ctx)
	require.NoError(t, err)
	require.Equal(t, "coin_100", productID)
}

func TestMemoryAdapter_ExternalPurchaseLinks(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter(zaptest.NewLogger(t), testCatalog())
	require.NoError(t, adapter.Connect(ctx))

	require.NoError(t, adapter.Extensions().PresentExternalPurchaseLink(ctx, "https://example.com/buy"))
	require.Equal(t, []string{"https://example.com/buy"}, adapter.ExternalPurchaseLinks())
}
