// Package appstore adapts the App Store Server API to the shared billing
// capability surface. StoreKit runs the purchase UI on-device; a
// billing.UserFlow reports the transaction identifier, which this adapter
// resolves and verifies against the server API.
package appstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/devsisters/go-applereceipt"
	"github.com/devsisters/go-applereceipt/applepki"
	"go.uber.org/zap"

	"github.com/purchasekit/purchasekit/billing"
)

const (
	productionBaseURL = "https://api.storekit.itunes.apple.com"
	sandboxBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"

	subscriptionsDeepLink = "https://apps.apple.com/account/subscriptions"

	apiErrorTransactionNotFound = 4040010
)

type Config struct {
	// IssuerID, KeyID and PrivateKeyPEM identify an App Store Connect API
	// key authorized for the In-App Purchase role.
	IssuerID      string
	KeyID         string
	PrivateKeyPEM []byte

	// BundleID is the app's bundle identifier, e.g. "com.example.app".
	BundleID string

	// Sandbox routes calls to the sandbox environment.
	Sandbox bool

	// BaseURL overrides the API endpoint. Tests only.
	BaseURL string

	// Catalog holds the product definitions for this app. StoreKit resolves
	// product metadata on-device; the server API has no catalog endpoint, so
	// the host supplies the catalog it ships.
	Catalog []*billing.Product

	// DefaultStorefront is reported until a transaction reveals the user's
	// actual storefront.
	DefaultStorefront string
}

type Adapter struct {
	log    *zap.Logger
	config Config
	flow   billing.UserFlow

	baseURL string

	mu         sync.Mutex
	tokens     *tokenSource
	httpClient *http.Client
	sink       billing.EventSink
	catalog    map[string]*billing.Product
	known      map[string]*billing.Purchase // by original transaction id
	finalized  map[string]bool
	storefront string
	promoted   string
}

func NewAdapter(log *zap.Logger, config Config, flow billing.UserFlow) *Adapter {
	baseURL := config.BaseURL
	if baseURL == "" {
		if config.Sandbox {
			baseURL = sandboxBaseURL
		} else {
			baseURL = productionBaseURL
		}
	}

	catalog := make(map[string]*billing.Product, len(config.Catalog))
	for _, product := range config.Catalog {
		catalog[product.ID] = product
	}

	return &Adapter{
		log:        log,
		config:     config,
		flow:       flow,
		baseURL:    baseURL,
		catalog:    catalog,
		known:      make(map[string]*billing.Purchase),
		finalized:  make(map[string]bool),
		storefront: config.DefaultStorefront,
	}
}

func (a *Adapter) Platform() billing.Platform {
	return billing.PlatformAppStore
}

func (a *Adapter) Connect(ctx context.Context) error {
	tokens, err := newTokenSource(a.config.IssuerID, a.config.KeyID, a.config.BundleID, a.config.PrivateKeyPEM)
	if err != nil {
		return billing.WrapError(billing.CodeInvalidArgument, err, "invalid app store credentials")
	}

	a.mu.Lock()
	a.tokens = tokens
	a.httpClient = &http.Client{Timeout: 30 * time.Second}
	a.mu.Unlock()

	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.tokens = nil
	a.httpClient = nil
	a.mu.Unlock()
	return nil
}

func (a *Adapter) FetchCatalog(ctx context.Context, skus []string, kind billing.ProductKind) ([]*billing.Product, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tokens == nil {
		return nil, billing.NewError(billing.CodeStoreUnavailable, "app store connection is down")
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
	if _, _, err := a.session(); err != nil {
		return nil, err
	}

	result, err := a.flow.LaunchPurchase(ctx, req)
	if err != nil {
		return nil, billing.AsError(err)
	}
	if result.Cancelled {
		return nil, billing.NewError(billing.CodeUserCancelled, "user dismissed the purchase sheet")
	}

	payload, err := a.fetchTransaction(ctx, result.TransactionID)
	if err != nil {
		return nil, err
	}
	if payload.BundleID != a.config.BundleID {
		return nil, billing.NewErrorf(billing.CodeInvalidArgument, "transaction belongs to bundle %s", payload.BundleID)
	}

	purchase := payload.purchase()
	a.remember(payload, purchase)

	return purchase.Clone(), nil
}

// FinalizeTransaction records the finish locally. StoreKit finishes
// transactions on-device; the server API has no acknowledge call.
func (a *Adapter) FinalizeTransaction(ctx context.Context, purchase *billing.Purchase, consumable bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.finalized[purchase.Token] = true
	if known, ok := a.known[purchase.Token]; ok {
		known.Finalized = true
	}
	return nil
}

// QueryPurchases pages the transaction history of every original transaction
// this session has seen.
func (a *Adapter) QueryPurchases(ctx context.Context, filter billing.PurchaseFilter) ([]*billing.Purchase, error) {
	a.mu.Lock()
	originals := make([]string, 0, len(a.known))
	for original := range a.known {
		originals = append(originals, original)
	}
	a.mu.Unlock()

	seen := make(map[string]bool)
	var out []*billing.Purchase
	for _, original := range originals {
		payloads, err := a.fetchHistory(ctx, original)
		if err != nil {
			if billing.IsCode(err, billing.CodeItemNotOwned) {
				continue
			}
			return nil, err
		}
		for _, payload := range payloads {
			if seen[payload.TransactionID] {
				continue
			}
			seen[payload.TransactionID] = true

			purchase := payload.purchase()
			a.remember(payload, purchase)

			if filter.Matches(purchase, payload.kind()) {
				out = append(out, purchase.Clone())
			}
		}
	}
	return out, nil
}

func (a *Adapter) QueryActiveSubscriptions(ctx context.Context, ids []string) ([]*billing.ActiveSubscription, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	a.mu.Lock()
	originals := make([]string, 0, len(a.known))
	for original, purchase := range a.known {
		if a.catalogKind(purchase.ProductID) == billing.ProductKindSubscription || purchase.ExpiresAt > 0 {
			originals = append(originals, original)
		}
	}
	a.mu.Unlock()

	now := time.Now()
	var out []*billing.ActiveSubscription
	for _, original := range originals {
		statuses, err := a.fetchSubscriptionStatuses(ctx, original)
		if err != nil {
			if billing.IsCode(err, billing.CodeItemNotOwned) {
				continue
			}
			return nil, err
		}
		for _, status := range statuses {
			payload, err := decodeTransaction(status.SignedTransactionInfo)
			if err != nil {
				return nil, err
			}
			if len(wanted) > 0 && !wanted[payload.ProductID] {
				continue
			}

			active := status.Status == subscriptionStatusActive || status.Status == subscriptionStatusGracePeriod
			if !active {
				continue
			}

			purchase := payload.purchase()
			a.remember(payload, purchase)

			out = append(out, &billing.ActiveSubscription{
				ProductID:      payload.ProductID,
				Purchase:       purchase.Clone(),
				AutoRenewing:   purchase.AutoRenewing,
				ExpiresAt:      payload.ExpiresDate,
				WillExpireSoon: !purchase.AutoRenewing && payload.ExpiresDate > 0 && time.UnixMilli(payload.ExpiresDate).Before(now.Add(24*time.Hour)),
			})
		}
	}
	return out, nil
}

// VerifyNative checks a purchase against the store. Purchases carrying a
// transaction identifier are resolved through the server API; otherwise the
// token is treated as a legacy base64 receipt and its signature chain and
// bundle are verified locally.
func (a *Adapter) VerifyNative(ctx context.Context, purchase *billing.Purchase) (*billing.VerificationResult, error) {
	transactionID := purchase.ID
	if transactionID == "" {
		transactionID = purchase.Token
	}

	if looksLikeReceipt(purchase.Token) {
		return a.verifyReceipt(purchase.Token)
	}

	payload, err := a.fetchTransaction(ctx, transactionID)
	if err != nil {
		if billing.IsCode(err, billing.CodeItemNotOwned) {
			return &billing.VerificationResult{Entitlement: billing.EntitlementInauthentic}, nil
		}
		return nil, err
	}
	if payload.BundleID != a.config.BundleID {
		return &billing.VerificationResult{Entitlement: billing.EntitlementInauthentic}, nil
	}

	result := &billing.VerificationResult{Verified: true}
	switch {
	case payload.revoked():
		result.Entitlement = billing.EntitlementCanceled
	case payload.expired(time.Now()):
		result.Entitlement = billing.EntitlementExpired
	default:
		result.Entitlement = billing.EntitlementEntitled
	}
	return result, nil
}

func (a *Adapter) verifyReceipt(encoded string) (*billing.VerificationResult, error) {
	receipt, err := applereceipt.DecodeBase64(encoded, applepki.CertPool())
	if err != nil {
		return &billing.VerificationResult{Entitlement: billing.EntitlementInauthentic}, nil
	}
	if receipt.BundleIdentifier != a.config.BundleID {
		return &billing.VerificationResult{Entitlement: billing.EntitlementInauthentic}, nil
	}
	return &billing.VerificationResult{
		Verified:    true,
		Entitlement: billing.EntitlementEntitled,
	}, nil
}

func (a *Adapter) SetSink(sink billing.EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

func (a *Adapter) Extensions() billing.Extensions {
	return &extensions{adapter: a}
}

// SetPromotedProduct registers the promoted product the host surfaced from
// the store sheet and pushes it to the sink.
func (a *Adapter) SetPromotedProduct(productID string) {
	a.mu.Lock()
	a.promoted = productID
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		sink.OnStoreEvent(billing.Event{
			Kind:      billing.EventPromotedProduct,
			ProductID: productID,
		})
	}
}

func (a *Adapter) remember(payload *transactionPayload, purchase *billing.Purchase) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if payload.Storefront != "" {
		a.storefront = payload.Storefront
	}
	if a.finalized[purchase.Token] {
		purchase.Finalized = true
	}
	a.known[payload.OriginalTransactionID] = purchase.Clone()
}

func (a *Adapter) catalogKind(productID string) billing.ProductKind {
	if product, ok := a.catalog[productID]; ok {
		return product.Kind
	}
	return billing.ProductKindAll
}

func (a *Adapter) session() (*tokenSource, *http.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tokens == nil || a.httpClient == nil {
		return nil, nil, billing.NewError(billing.CodeStoreUnavailable, "app store connection is down")
	}
	return a.tokens, a.httpClient, nil
}

func (a *Adapter) fetchTransaction(ctx context.Context, transactionID string) (*transactionPayload, error) {
	var body struct {
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	}
	url := fmt.Sprintf("%s/inApps/v1/transactions/%s", a.baseURL, transactionID)
	if err := a.get(ctx, url, &body); err != nil {
		return nil, err
	}
	return decodeTransaction(body.SignedTransactionInfo)
}

func (a *Adapter) fetchHistory(ctx context.Context, transactionID string) ([]*transactionPayload, error) {
	var out []*transactionPayload
	revision := ""
	for {
		var body struct {
			Revision           string   `json:"revision"`
			HasMore            bool     `json:"hasMore"`
			SignedTransactions []string `json:"signedTransactions"`
		}
		url := fmt.Sprintf("%s/inApps/v1/history/%s", a.baseURL, transactionID)
		if revision != "" {
			url += "?revision=" + revision
		}
		if err := a.get(ctx, url, &body); err != nil {
			return nil, err
		}

		for _, signed := range body.SignedTransactions {
			payload, err := decodeTransaction(signed)
			if err != nil {
				return nil, err
			}
			out = append(out, payload)
		}

		if !body.HasMore {
			return out, nil
		}
		revision = body.Revision
	}
}

type subscriptionStatus struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	Status                int    `json:"status"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

func (a *Adapter) fetchSubscriptionStatuses(ctx context.Context, transactionID string) ([]*subscriptionStatus, error) {
	var body struct {
		Data []struct {
			SubscriptionGroupID string                `json:"subscriptionGroupIdentifier"`
			LastTransactions    []*subscriptionStatus `json:"lastTransactions"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/inApps/v1/subscriptions/%s", a.baseURL, transactionID)
	if err := a.get(ctx, url, &body); err != nil {
		return nil, err
	}

	var out []*subscriptionStatus
	for _, group := range body.Data {
		out = append(out, group.LastTransactions...)
	}
	return out, nil
}

func (a *Adapter) get(ctx context.Context, url string, out any) error {
	tokens, client, err := a.session()
	if err != nil {
		return err
	}

	bearer, err := tokens.Token()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return billing.WrapError(billing.CodeUnknown, err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := client.Do(req)
	if err != nil {
		return billing.WrapError(billing.CodeNetworkError, err, "app store request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return billing.WrapError(billing.CodeNetworkError, err, "failed to read app store response")
	}

	if resp.StatusCode != http.StatusOK {
		return classifyResponse(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return billing.WrapError(billing.CodeUnknown, err, "malformed app store response")
	}
	return nil
}

func classifyResponse(status int, raw []byte) error {
	var apiErr struct {
		ErrorCode    int    `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	_ = json.Unmarshal(raw, &apiErr)

	message := apiErr.ErrorMessage
	if message == "" {
		message = fmt.Sprintf("app store responded with status %d", status)
	}

	switch {
	case status == http.StatusNotFound || apiErr.ErrorCode == apiErrorTransactionNotFound:
		return billing.NewError(billing.CodeItemNotOwned, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return billing.NewError(billing.CodeStoreUnavailable, message)
	case status == http.StatusTooManyRequests || status >= 500:
		return billing.NewError(billing.CodeStoreUnavailable, message)
	default:
		return billing.NewError(billing.CodeUnknown, message)
	}
}

// looksLikeReceipt distinguishes a legacy base64 receipt blob from a
// transaction identifier. Receipts are PKCS#7 envelopes, far longer than any
// transaction id, and never purely numeric.
func looksLikeReceipt(token string) bool {
	return len(token) > 256
}

type extensions struct {
	billing.UnsupportedExtensions

	adapter *Adapter
}

func (e *extensions) Storefront(ctx context.Context) (string, error) {
	e.adapter.mu.Lock()
	defer e.adapter.mu.Unlock()
	if e.adapter.storefront == "" {
		return "", billing.NewError(billing.CodeItemNotOwned, "storefront not known yet")
	}
	return e.adapter.storefront, nil
}

func (e *extensions) DeepLinkToSubscriptions(ctx context.Context, productID string) (string, error) {
	return subscriptionsDeepLink, nil
}

func (e *extensions) PromotedProduct(ctx context.Context) (string, error) {
	e.adapter.mu.Lock()
	defer e.adapter.mu.Unlock()
	if e.adapter.promoted == "" {
		return "", billing.NewError(billing.CodeItemNotOwned, "no promoted product pending")
	}
	return e.adapter.promoted, nil
}
