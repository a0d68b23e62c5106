package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/purchasekit/purchasekit/billing"
)

// Decision scripts the simulated user's reaction to a purchase dialog.
type Decision uint8

const (
	DecisionApprove Decision = iota
	DecisionCancel
	DecisionDefer // purchase lands in pending state
	DecisionFail
)

// DecisionFunc picks the outcome for one purchase flow.
type DecisionFunc func(req *billing.PurchaseRequest) Decision

// Adapter simulates a store backend in memory. It implements the full
// capability surface, tracks underlying finalize calls for idempotence
// assertions, and lets tests push asynchronous store events.
type Adapter struct {
	log *zap.Logger

	mu            sync.Mutex
	connected     bool
	catalog       map[string]*billing.Product
	purchases     map[string]*billing.Purchase // by token
	finalizeCalls map[string]int
	sink          billing.EventSink
	decide        DecisionFunc
	storefront    string
	promoted      string
	altBilling    bool
	externalLinks []string
}

func NewAdapter(log *zap.Logger, catalog []*billing.Product) *Adapter {
	byID := make(map[string]*billing.Product, len(catalog))
	for _, product := range catalog {
		byID[product.ID] = product
	}
	return &Adapter{
		log:           log,
		catalog:       byID,
		purchases:     make(map[string]*billing.Purchase),
		finalizeCalls: make(map[string]int),
		decide:        func(*billing.PurchaseRequest) Decision { return DecisionApprove },
		storefront:    "USA",
	}
}

func (a *Adapter) Platform() billing.Platform {
	return billing.PlatformMemory
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Adapter) FetchCatalog(ctx context.Context, skus []string, kind billing.ProductKind) ([]*billing.Product, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil, billing.NewError(billing.CodeStoreUnavailable, "store connection is down")
	}

	// Unknown SKUs are omitted, never errored.
	var out []*billing.Product
	for _, sku := range skus {
		product, ok := a.catalog[sku]
		if !ok {
			continue
		}
		if kind != billing.ProductKindAll && product.Kind != kind {
			continue
		}
		out = append(out, product.Clone())
	}
	return out, nil
}

func (a *Adapter) Purchase(ctx context.Context, req *billing.PurchaseRequest) (*billing.Purchase, error) {
	a.mu.Lock()

	if !a.connected {
		a.mu.Unlock()
		return nil, billing.NewError(billing.CodeStoreUnavailable, "store connection is down")
	}

	sku := req.SKUs[0]
	product, ok := a.catalog[sku]
	if !ok {
		a.mu.Unlock()
		return nil, billing.NewErrorf(billing.CodeInvalidArgument, "unknown sku %s", sku)
	}

	if product.Kind == billing.ProductKindOneTime {
		for _, existing := range a.purchases {
			if existing.ProductID == sku && existing.State == billing.PurchaseStatePurchased && !existing.Finalized {
				a.mu.Unlock()
				return nil, billing.NewErrorf(billing.CodeItemAlreadyOwned, "sku %s has an unconsumed purchase", sku)
			}
		}
	}

	decide := a.decide
	a.mu.Unlock()

	// The simulated user decision runs outside the lock, like a real store
	// dialog: the flow may outlive a disconnect, and a user already at the
	// acceptance stage still completes the transaction.
	switch decide(req) {
	case DecisionCancel:
		return nil, billing.NewError(billing.CodeUserCancelled, "user dismissed the purchase dialog")
	case DecisionFail:
		return nil, billing.NewError(billing.CodeStoreUnavailable, "simulated store failure")
	case DecisionDefer:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.mintPurchaseLocked(product, req, billing.PurchaseStatePending).Clone(), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mintPurchaseLocked(product, req, billing.PurchaseStatePurchased).Clone(), nil
}

func (a *Adapter) mintPurchaseLocked(product *billing.Product, req *billing.PurchaseRequest, state billing.PurchaseState) *billing.Purchase {
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	purchase := &billing.Purchase{
		ID:                  uuid.NewString(),
		ProductID:           product.ID,
		Token:               fmt.Sprintf("memtok-%s", uuid.NewString()),
		State:               state,
		Platform:            billing.PlatformMemory,
		TransactionAt:       time.Now().UnixMilli(),
		Quantity:            quantity,
		ObfuscatedAccountID: req.ObfuscatedAccountID,
		ObfuscatedProfileID: req.ObfuscatedProfileID,
	}
	if product.Kind == billing.ProductKindSubscription {
		purchase.AutoRenewing = true
		purchase.ExpiresAt = time.Now().Add(24 * time.Hour).UnixMilli()
	}
	a.purchases[purchase.Token] = purchase
	return purchase
}

func (a *Adapter) FinalizeTransaction(ctx context.Context, purchase *billing.Purchase, consumable bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, ok := a.purchases[purchase.Token]
	if !ok {
		return billing.NewErrorf(billing.CodeItemNotOwned, "no purchase for token")
	}
	if stored.Finalized {
		// Idempotent: no second underlying call.
		return nil
	}

	a.finalizeCalls[purchase.Token]++
	stored.Finalized = true
	if consumable {
		// Consumed purchases unlock repurchase of one-time products.
		stored.State = billing.PurchaseStateUnspecified
	}
	return nil
}

func (a *Adapter) QueryPurchases(ctx context.Context, filter billing.PurchaseFilter) ([]*billing.Purchase, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil, billing.NewError(billing.CodeStoreUnavailable, "store connection is down")
	}

	var out []*billing.Purchase
	for _, purchase := range a.purchases {
		kind := billing.ProductKindOneTime
		if product, ok := a.catalog[purchase.ProductID]; ok {
			kind = product.Kind
		}
		if filter.Matches(purchase, kind) {
			out = append(out, purchase.Clone())
		}
	}
	return out, nil
}

func (a *Adapter) QueryActiveSubscriptions(ctx context.Context, ids []string) ([]*billing.ActiveSubscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return nil, billing.NewError(billing.CodeStoreUnavailable, "store connection is down")
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	now := time.Now()
	var out []*billing.ActiveSubscription
	for _, purchase := range a.purchases {
		product, ok := a.catalog[purchase.ProductID]
		if !ok || product.Kind != billing.ProductKindSubscription {
			continue
		}
		if len(wanted) > 0 && !wanted[purchase.ProductID] {
			continue
		}
		if !billing.IsEntitled(purchase, now) {
			continue
		}
		out = append(out, &billing.ActiveSubscription{
			ProductID:      purchase.ProductID,
			Purchase:       purchase.Clone(),
			AutoRenewing:   purchase.AutoRenewing,
			ExpiresAt:      purchase.ExpiresAt,
			WillExpireSoon: !purchase.AutoRenewing && purchase.ExpiresAt > 0 && purchase.ExpiresTime().Before(now.Add(24*time.Hour)),
		})
	}
	return out, nil
}

func (a *Adapter) VerifyNative(ctx context.Context, purchase *billing.Purchase) (*billing.VerificationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, ok := a.purchases[purchase.Token]
	if !ok {
		return &billing.VerificationResult{Entitlement: billing.EntitlementInauthentic}, nil
	}

	result := &billing.VerificationResult{Verified: true}
	switch {
	case stored.State == billing.PurchaseStatePending:
		result.Entitlement = billing.EntitlementPending
	case stored.Finalized && stored.State == billing.PurchaseStateUnspecified:
		result.Entitlement = billing.EntitlementConsumed
	case stored.ExpiresAt > 0 && stored.ExpiresTime().Before(time.Now()) && !stored.AutoRenewing:
		result.Entitlement = billing.EntitlementExpired
	case stored.State == billing.PurchaseStatePurchased:
		result.Entitlement = billing.EntitlementEntitled
	default:
		result.Entitlement = billing.EntitlementCanceled
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

// SetDecision scripts the next purchase flows. Safe to call between flows.
func (a *Adapter) SetDecision(decide DecisionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decide = decide
}

// SeedPurchase installs a pre-existing purchase, e.g. an expired
// subscription, without running a flow.
func (a *Adapter) SeedPurchase(purchase *billing.Purchase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.purchases[purchase.Token] = purchase.Clone()
}

// FinalizeCallCount reports how many underlying consume/acknowledge calls a
// token has seen. Idempotent finalization keeps this at one.
func (a *Adapter) FinalizeCallCount(token string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalizeCalls[token]
}

// SetAlternativeBilling toggles the simulated alternative billing capability.
func (a *Adapter) SetAlternativeBilling(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.altBilling = enabled
}

// ExternalPurchaseLinks reports every URL presented through the external
// purchase link extension, in presentation order.
func (a *Adapter) ExternalPurchaseLinks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.externalLinks))
	copy(out, a.externalLinks)
	return out
}

// SetPromotedProduct configures the product surfaced by the promoted-product
// extension and announces it to the sink, the way a store sheet surfaces a
// promoted listing.
func (a *Adapter) SetPromotedProduct(productID string) {
	a.mu.Lock()
	a.promoted = productID
	a.mu.Unlock()

	a.Emit(billing.Event{
		Kind:      billing.EventPromotedProduct,
		ProductID: productID,
	})
}

// Emit pushes an asynchronous store event to the attached sink, simulating
// out-of-band store notifications such as pending purchases resolving.
func (a *Adapter) Emit(e billing.Event) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()

	if sink == nil {
		a.log.Debug("Dropping store event without sink", zap.String("kind", e.Kind.String()))
		return
	}
	sink.OnStoreEvent(e)
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

func (e *extensions) Storefront(ctx context.Context) (string, error) {
	e.adapter.mu.Lock()
	defer e.adapter.mu.Unlock()
	return e.adapter.storefront, nil
}

func (e *extensions) PromotedProduct(ctx context.Context) (string, error) {
	e.adapter.mu.Lock()
	defer e.adapter.mu.Unlock()
	if e.adapter.promoted == "" {
		return "", billing.NewError(billing.CodeItemNotOwned, "no promoted product configured")
	}
	return e.adapter.promoted, nil
}

func (e *extensions) AlternativeBillingAvailable(ctx context.Context) (bool, error) {
	e.adapter.mu.Lock()
	defer e.adapter.mu.Unlock()
	return e.adapter.altBilling, nil
}

func (e *extensions) ShowAlternativeBillingDialog(ctx context.Context) (bool, error) {
	e.adapter.mu.Lock()
	enabled := e.adapter.altBilling
	e.adapter.mu.Unlock()

	if !enabled {
		return false, billing.NewError(billing.CodeFeatureNotSupported, "alternative billing is not enabled")
	}

	// The simulated user always picks the developer's billing option.
	e.adapter.Emit(billing.Event{
		Kind: billing.EventUserChoiceBilling,
		Data: map[string]any{"choice": "developer"},
	})
	return true, nil
}

func (e *extensions) CreateAlternativeBillingToken(ctx context.Context) (string, error) {
	e.adapter.mu.Lock()
	enabled := e.adapter.altBilling
	e.adapter.mu.Unlock()

	if !enabled {
		return "", billing.NewError(billing.CodeFeatureNotSupported, "alternative billing is not enabled")
	}

	token := "altbilltok-" + uuid.NewString()
	e.adapter.Emit(billing.Event{
		Kind: billing.EventDeveloperProvidedBilling,
		Data: map[string]any{"externalTransactionToken": token},
	})
	return token, nil
}

func (e *extensions) PresentExternalPurchaseLink(ctx context.Context, url string) error {
	e.adapter.mu.Lock()
	defer e.adapter.mu.Unlock()
	e.adapter.externalLinks = append(e.adapter.externalLinks, url)
	return nil
}
