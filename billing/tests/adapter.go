package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/purchasekit/purchasekit/billing"
)

// Harness wires one adapter under test into the shared conformance suite.
// ScriptOutcome arms the next purchase flow; adapters whose flow is driven by
// a live user cannot run this suite.
type Harness struct {
	Adapter billing.Adapter

	// OneTimeSKU and SubscriptionSKU name catalog entries the adapter can
	// sell. UnknownSKU must not exist in the catalog.
	OneTimeSKU      string
	SubscriptionSKU string
	UnknownSKU      string

	// ScriptOutcome arms the next purchase flow to approve or cancel.
	ScriptOutcome func(cancel bool)
}

func RunAdapterTests(t *testing.T, h Harness, teardown func()) {
	for _, tf := range []func(t *testing.T, h Harness){
		testAdapter_CatalogOmitsUnknownSKUs,
		testAdapter_PurchaseHappyPath,
		testAdapter_CancelIsTyped,
		testAdapter_FinalizeIsIdempotent,
		testAdapter_ForgedTokenIsInauthentic,
		testAdapter_SubscriptionLifecycle,
		testAdapter_UnsupportedExtensionsFailClosed,
	} {
		tf(t, h)
		teardown()
	}
}

func testAdapter_CatalogOmitsUnknownSKUs(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Adapter.Connect(ctx))
	defer h.Adapter.Disconnect(ctx)

	products, err := h.Adapter.FetchCatalog(ctx, []string{h.OneTimeSKU, h.UnknownSKU}, billing.ProductKindAll)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, h.OneTimeSKU, products[0].ID)

	products, err = h.Adapter.FetchCatalog(ctx, []string{h.OneTimeSKU}, billing.ProductKindSubscription)
	require.NoError(t, err)
	require.Empty(t, products)
}

func testAdapter_PurchaseHappyPath(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Adapter.Connect(ctx))
	defer h.Adapter.Disconnect(ctx)

	h.ScriptOutcome(false)
	purchase, err := h.Adapter.Purchase(ctx, &billing.PurchaseRequest{SKUs: []string{h.OneTimeSKU}})
	require.NoError(t, err)
	require.Equal(t, h.OneTimeSKU, purchase.ProductID)
	require.NotEmpty(t, purchase.Token)
	require.Equal(t, billing.PurchaseStatePurchased, purchase.State)
	require.False(t, purchase.Finalized)

	result, err := h.Adapter.VerifyNative(ctx, purchase)
	require.NoError(t, err)
	require.True(t, result.Verified)
	require.Equal(t, billing.EntitlementEntitled, result.Entitlement)

	owned, err := h.Adapter.QueryPurchases(ctx, billing.PurchaseFilter{})
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, purchase.Token, owned[0].Token)
}

func testAdapter_CancelIsTyped(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Adapter.Connect(ctx))
	defer h.Adapter.Disconnect(ctx)

	h.ScriptOutcome(true)
	_, err := h.Adapter.Purchase(ctx, &billing.PurchaseRequest{SKUs: []string{h.OneTimeSKU}})
	require.True(t, billing.IsCode(err, billing.CodeUserCancelled))

	owned, err := h.Adapter.QueryPurchases(ctx, billing.PurchaseFilter{})
	require.NoError(t, err)
	require.Empty(t, owned)
}

func testAdapter_FinalizeIsIdempotent(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Adapter.Connect(ctx))
	defer h.Adapter.Disconnect(ctx)

	h.ScriptOutcome(false)
	purchase, err := h.Adapter.Purchase(ctx, &billing.PurchaseRequest{SKUs: []string{h.OneTimeSKU}})
	require.NoError(t, err)

	require.NoError(t, h.Adapter.FinalizeTransaction(ctx, purchase, true))
	require.NoError(t, h.Adapter.FinalizeTransaction(ctx, purchase, true))
}

func testAdapter_ForgedTokenIsInauthentic(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Adapter.Connect(ctx))
	defer h.Adapter.Disconnect(ctx)

	result, err := h.Adapter.VerifyNative(ctx, &billing.Purchase{
		ProductID: h.OneTimeSKU,
		Token:     "forged-token",
	})
	require.NoError(t, err)
	require.False(t, result.Verified)
	require.Equal(t, billing.EntitlementInauthentic, result.Entitlement)
}

func testAdapter_SubscriptionLifecycle(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Adapter.Connect(ctx))
	defer h.Adapter.Disconnect(ctx)

	h.ScriptOutcome(false)
	purchase, err := h.Adapter.Purchase(ctx, &billing.PurchaseRequest{
		SKUs: []string{h.SubscriptionSKU},
		Kind: billing.ProductKindSubscription,
	})
	require.NoError(t, err)
	require.True(t, billing.IsEntitled(purchase, time.Now()))

	subs, err := h.Adapter.QueryActiveSubscriptions(ctx, []string{h.SubscriptionSKU})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, h.SubscriptionSKU, subs[0].ProductID)

	subs, err = h.Adapter.QueryActiveSubscriptions(ctx, []string{h.UnknownSKU})
	require.NoError(t, err)
	require.Empty(t, subs)
}

func testAdapter_UnsupportedExtensionsFailClosed(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Adapter.Connect(ctx))
	defer h.Adapter.Disconnect(ctx)

	ext := h.Adapter.Extensions()

	// Exercise the full extension surface: every call either succeeds or
	// fails with the typed capability error, never anything else.
	checks := []func() error{
		func() error { return ext.AcknowledgeToken(ctx, h.OneTimeSKU, "missing-token") },
		func() error { return ext.ConsumeToken(ctx, h.OneTimeSKU, "missing-token") },
		func() error { _, err := ext.Storefront(ctx); return err },
		func() error { _, err := ext.DeepLinkToSubscriptions(ctx, h.SubscriptionSKU); return err },
		func() error { _, err := ext.AlternativeBillingAvailable(ctx); return err },
		func() error { _, err := ext.ShowAlternativeBillingDialog(ctx); return err },
		func() error { _, err := ext.CreateAlternativeBillingToken(ctx); return err },
		func() error { return ext.PresentExternalPurchaseLink(ctx, "https://example.com/buy") },
		func() error { _, err := ext.PromotedProduct(ctx); return err },
	}
	for i, check := range checks {
		err := check()
		if err == nil {
			continue
		}
		typed := billing.AsError(err)
		require.NotNil(t, typed, "extension %d", i)
	}
}
