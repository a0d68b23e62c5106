// Package playstore adapts the Google Play Developer API to the shared
// billing capability surface. The purchase UI itself runs on-device; a
// billing.UserFlow bridges the dialog and reports the purchase token, which
// this adapter then verifies and normalizes server-side.
package playstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/purchasekit/purchasekit/billing"
	"github.com/purchasekit/purchasekit/localization"
)

const (
	// purchaseState values reported by Purchases.Products.Get.
	purchaseStatePurchased = 0
	purchaseStateCanceled  = 1
	purchaseStatePending   = 2

	consumptionStateConsumed = 1

	subscriptionsDeepLink = "https://play.google.com/store/account/subscriptions?sku=%s&package=%s"
)

type Config struct {
	// PackageName is the Android app's package name.
	PackageName string

	// ServiceAccountJSON is the contents of a service account key file.
	ServiceAccountJSON []byte

	// Locale used when formatting display prices. Defaults to English.
	Locale language.Tag
}

type Adapter struct {
	log    *zap.Logger
	config Config
	flow   billing.UserFlow

	mu        sync.Mutex
	svc       *androidpublisher.Service
	sink      billing.EventSink
	known     map[string]*billing.Purchase // by token, everything seen this session
	kinds     map[string]billing.ProductKind
	finalized map[string]bool
}

func NewAdapter(log *zap.Logger, config Config, flow billing.UserFlow) *Adapter {
	if config.Locale == (language.Tag{}) {
		config.Locale = language.English
	}
	return &Adapter{
		log:       log,
		config:    config,
		flow:      flow,
		known:     make(map[string]*billing.Purchase),
		kinds:     make(map[string]billing.ProductKind),
		finalized: make(map[string]bool),
	}
}

func (a *Adapter) Platform() billing.Platform {
	return billing.PlatformPlayStore
}

func (a *Adapter) Connect(ctx context.Context) error {
	svc, err := androidpublisher.NewService(ctx, option.WithCredentialsJSON(a.config.ServiceAccountJSON))
	if err != nil {
		return billing.WrapError(billing.CodeStoreUnavailable, err, "failed to create android publisher client")
	}

	a.mu.Lock()
	a.svc = svc
	a.mu.Unlock()

	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.svc = nil
	a.mu.Unlock()
	return nil
}

func (a *Adapter) service() (*androidpublisher.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.svc == nil {
		return nil, billing.NewError(billing.CodeStoreUnavailable, "play store connection is down")
	}
	return a.svc, nil
}

func (a *Adapter) FetchCatalog(ctx context.Context, skus []string, kind billing.ProductKind) ([]*billing.Product, error) {
	svc, err := a.service()
	if err != nil {
		return nil, err
	}

	listing, err := svc.Inappproducts.List(a.config.PackageName).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "failed to list in-app products")
	}

	wanted := make(map[string]bool, len(skus))
	for _, sku := range skus {
		wanted[sku] = true
	}

	var out []*billing.Product
	for _, entry := range listing.Inappproduct {
		// SKUs absent from the console catalog are omitted, never errored.
		if !wanted[entry.Sku] {
			continue
		}

		product := a.normalizeProduct(entry)
		if kind != billing.ProductKindAll && product.Kind != kind {
			continue
		}

		a.mu.Lock()
		a.kinds[product.ID] = product.Kind
		a.mu.Unlock()

		out = append(out, product)
	}
	return out, nil
}

func (a *Adapter) normalizeProduct(entry *androidpublisher.InAppProduct) *billing.Product {
	product := &billing.Product{
		ID:   entry.Sku,
		Kind: billing.ProductKindOneTime,
	}
	if entry.SubscriptionPeriod != "" {
		product.Kind = billing.ProductKindSubscription
	}

	if listing, ok := entry.Listings[entry.DefaultLanguage]; ok {
		product.Title = listing.Title
		product.Description = listing.Description
	}

	if entry.DefaultPrice != nil {
		product.Currency = entry.DefaultPrice.Currency
		micros, err := strconv.ParseInt(entry.DefaultPrice.PriceMicros, 10, 64)
		if err != nil {
			a.log.Warn("Unparseable price micros",
				zap.String("sku", entry.Sku),
				zap.String("price_micros", entry.DefaultPrice.PriceMicros),
			)
		} else {
			product.RawPrice = float64(micros) / 1e6
			product.DisplayPrice = localization.FormatMicros(a.config.Locale, entry.DefaultPrice.Currency, micros)
		}
	}

	return product
}

func (a *Adapter) Purchase(ctx context.Context, req *billing.PurchaseRequest) (*billing.Purchase, error) {
	if _, err := a.service(); err != nil {
		return nil, err
	}

	result, err := a.flow.LaunchPurchase(ctx, req)
	if err != nil {
		return nil, billing.AsError(err)
	}
	if result.Cancelled {
		return nil, billing.NewError(billing.CodeUserCancelled, "user dismissed the purchase dialog")
	}

	sku := req.SKUs[0]
	purchase, err := a.fetchPurchase(ctx, sku, result.Token, req.Kind)
	if err != nil {
		return nil, err
	}
	purchase.ObfuscatedAccountID = firstNonEmpty(purchase.ObfuscatedAccountID, req.ObfuscatedAccountID)
	purchase.ObfuscatedProfileID = firstNonEmpty(purchase.ObfuscatedProfileID, req.ObfuscatedProfileID)

	a.remember(purchase)

	return purchase.Clone(), nil
}

// fetchPurchase pulls the authoritative purchase record for a token the
// device flow reported.
func (a *Adapter) fetchPurchase(ctx context.Context, sku, token string, kind billing.ProductKind) (*billing.Purchase, error) {
	if kind == billing.ProductKindSubscription || a.knownKind(sku) == billing.ProductKindSubscription {
		return a.fetchSubscriptionPurchase(ctx, sku, token)
	}
	return a.fetchProductPurchase(ctx, sku, token)
}

func (a *Adapter) fetchProductPurchase(ctx context.Context, sku, token string) (*billing.Purchase, error) {
	svc, err := a.service()
	if err != nil {
		return nil, err
	}

	record, err := svc.Purchases.Products.Get(a.config.PackageName, sku, token).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "failed to look up product purchase")
	}

	purchase := &billing.Purchase{
		ID:                  record.OrderId,
		ProductID:           sku,
		Token:               token,
		Platform:            billing.PlatformPlayStore,
		TransactionAt:       record.PurchaseTimeMillis,
		Quantity:            max(record.Quantity, 1),
		Finalized:           record.AcknowledgementState == 1 || record.ConsumptionState == consumptionStateConsumed,
		ObfuscatedAccountID: record.ObfuscatedExternalAccountId,
		ObfuscatedProfileID: record.ObfuscatedExternalProfileId,
	}

	switch record.PurchaseState {
	case purchaseStatePurchased:
		purchase.State = billing.PurchaseStatePurchased
	case purchaseStatePending:
		purchase.State = billing.PurchaseStatePending
	case purchaseStateCanceled:
		purchase.State = billing.PurchaseStateFailed
	default:
		purchase.State = billing.PurchaseStateUnspecified
	}

	return purchase, nil
}

func (a *Adapter) fetchSubscriptionPurchase(ctx context.Context, sku, token string) (*billing.Purchase, error) {
	svc, err := a.service()
	if err != nil {
		return nil, err
	}

	record, err := svc.Purchases.Subscriptions.Get(a.config.PackageName, sku, token).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "failed to look up subscription purchase")
	}

	purchase := &billing.Purchase{
		ID:                  record.OrderId,
		ProductID:           sku,
		Token:               token,
		Platform:            billing.PlatformPlayStore,
		TransactionAt:       record.StartTimeMillis,
		Quantity:            1,
		Finalized:           record.AcknowledgementState == 1,
		AutoRenewing:        record.AutoRenewing,
		ExpiresAt:           record.ExpiryTimeMillis,
		ObfuscatedAccountID: record.ObfuscatedExternalAccountId,
		ObfuscatedProfileID: record.ObfuscatedExternalProfileId,
	}

	if record.ExpiryTimeMillis > 0 && time.UnixMilli(record.ExpiryTimeMillis).After(time.Now()) {
		purchase.State = billing.PurchaseStatePurchased
	} else {
		purchase.State = billing.PurchaseStateUnspecified
	}

	a.mu.Lock()
	a.kinds[sku] = billing.ProductKindSubscription
	a.mu.Unlock()

	return purchase, nil
}

func (a *Adapter) FinalizeTransaction(ctx context.Context, purchase *billing.Purchase, consumable bool) error {
	a.mu.Lock()
	if a.finalized[purchase.Token] {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	svc, err := a.service()
	if err != nil {
		return err
	}

	if consumable {
		err = svc.Purchases.Products.Consume(a.config.PackageName, purchase.ProductID, purchase.Token).Context(ctx).Do()
	} else if a.knownKind(purchase.ProductID) == billing.ProductKindSubscription {
		err = svc.Purchases.Subscriptions.Acknowledge(
			a.config.PackageName, purchase.ProductID, purchase.Token,
			&androidpublisher.SubscriptionPurchasesAcknowledgeRequest{},
		).Context(ctx).Do()
	} else {
		err = svc.Purchases.Products.Acknowledge(
			a.config.PackageName, purchase.ProductID, purchase.Token,
			&androidpublisher.ProductPurchasesAcknowledgeRequest{},
		).Context(ctx).Do()
	}
	if err != nil {
		// The store reports a repeated acknowledge/consume as a conflict;
		// that is the idempotent no-op case.
		if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 409 {
			a.markFinalized(purchase.Token)
			return nil
		}
		return classify(err, "failed to finalize purchase")
	}

	a.markFinalized(purchase.Token)
	return nil
}

func (a *Adapter) markFinalized(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.finalized[token] = true
	if known, ok := a.known[token]; ok {
		known.Finalized = true
	}
}

// QueryPurchases refreshes every purchase this session has seen. The Play
// Developer API has no user-scoped listing; tokens arrive through flows and
// developer notifications.
func (a *Adapter) QueryPurchases(ctx context.Context, filter billing.PurchaseFilter) ([]*billing.Purchase, error) {
	a.mu.Lock()
	snapshot := make([]*billing.Purchase, 0, len(a.known))
	for _, purchase := range a.known {
		snapshot = append(snapshot, purchase.Clone())
	}
	a.mu.Unlock()

	var out []*billing.Purchase
	for _, stale := range snapshot {
		refreshed, err := a.fetchPurchase(ctx, stale.ProductID, stale.Token, a.knownKind(stale.ProductID))
		if err != nil {
			if billing.IsCode(err, billing.CodeItemNotOwned) {
				continue
			}
			return nil, err
		}
		a.remember(refreshed)

		if filter.Matches(refreshed, a.knownKind(refreshed.ProductID)) {
			out = append(out, refreshed.Clone())
		}
	}
	return out, nil
}

func (a *Adapter) QueryActiveSubscriptions(ctx context.Context, ids []string) ([]*billing.ActiveSubscription, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	purchases, err := a.QueryPurchases(ctx, billing.PurchaseFilter{Kind: billing.ProductKindSubscription})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var out []*billing.ActiveSubscription
	for _, purchase := range purchases {
		if len(wanted) > 0 && !wanted[purchase.ProductID] {
			continue
		}
		if !billing.IsEntitled(purchase, now) {
			continue
		}
		out = append(out, &billing.ActiveSubscription{
			ProductID:      purchase.ProductID,
			Purchase:       purchase,
			AutoRenewing:   purchase.AutoRenewing,
			ExpiresAt:      purchase.ExpiresAt,
			WillExpireSoon: !purchase.AutoRenewing && purchase.ExpiresAt > 0 && time.UnixMilli(purchase.ExpiresAt).Before(now.Add(24*time.Hour)),
		})
	}
	return out, nil
}

func (a *Adapter) VerifyNative(ctx context.Context, purchase *billing.Purchase) (*billing.VerificationResult, error) {
	refreshed, err := a.fetchPurchase(ctx, purchase.ProductID, purchase.Token, a.knownKind(purchase.ProductID))
	if err != nil {
		if billing.IsCode(err, billing.CodeItemNotOwned) {
			// The store does not know this token: authoritative rejection.
			return &billing.VerificationResult{Entitlement: billing.EntitlementInauthentic}, nil
		}
		return nil, err
	}

	result := &billing.VerificationResult{Verified: true}
	switch {
	case refreshed.State == billing.PurchaseStatePending:
		result.Entitlement = billing.EntitlementPending
	case refreshed.State == billing.PurchaseStateFailed:
		result.Entitlement = billing.EntitlementCanceled
	case refreshed.ExpiresAt > 0 && time.UnixMilli(refreshed.ExpiresAt).Before(time.Now()):
		result.Entitlement = billing.EntitlementExpired
	case refreshed.Finalized && a.knownKind(refreshed.ProductID) == billing.ProductKindOneTime:
		result.Entitlement = billing.EntitlementConsumed
	case refreshed.State == billing.PurchaseStatePurchased:
		result.Entitlement = billing.EntitlementEntitled
	default:
		result.Verified = false
		result.Entitlement = billing.EntitlementInauthentic
	}
	return result, nil
}

func (a *Adapter) SetSink(sink billing.EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

func (a *Adapter) Extensions() billing.Extensions {
	return &extensions{adapter: a}
}

func (a *Adapter) remember(purchase *billing.Purchase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.known[purchase.Token] = purchase.Clone()
}

func (a *Adapter) knownKind(sku string) billing.ProductKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.kinds[sku]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// classify converts a Play Developer API failure into a typed error.
func classify(err error, message string) error {
	if apiErr, ok := err.(*googleapi.Error); ok {
		switch {
		case apiErr.Code == 404 || apiErr.Code == 410:
			return billing.WrapError(billing.CodeItemNotOwned, err, message)
		case apiErr.Code == 409:
			return billing.WrapError(billing.CodeItemAlreadyOwned, err, message)
		case apiErr.Code >= 500:
			return billing.WrapError(billing.CodeStoreUnavailable, err, message)
		case apiErr.Code == 429:
			return billing.WrapError(billing.CodeStoreUnavailable, err, message)
		default:
			return billing.WrapError(billing.CodeUnknown, err, message)
		}
	}
	return billing.WrapError(billing.CodeNetworkError, errors.Wrap(err, message), message)
}

type extensions struct {
	billing.UnsupportedExtensions

	adapter *Adapter
}

func (e *extensions) AcknowledgeToken(ctx context.Context, productID, token string) error {
	return e.adapter.FinalizeTransaction(ctx, &billing.Purchase{ProductID: productID, Token: token}, false)
}

func (e *extensions) ConsumeToken(ctx context.Context, productID, token string) error {
	return e.adapter.FinalizeTransaction(ctx, &billing.Purchase{ProductID: productID, Token: token}, true)
}

func (e *extensions) DeepLinkToSubscriptions(ctx context.Context, productID string) (string, error) {
	return fmt.Sprintf(subscriptionsDeepLink, productID, e.adapter.config.PackageName), nil
}
