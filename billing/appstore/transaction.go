package appstore

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/purchasekit/purchasekit/billing"
)

// Transaction product types as reported in signed transaction payloads.
const (
	typeConsumable       = "Consumable"
	typeNonConsumable    = "Non-Consumable"
	typeAutoRenewable    = "Auto-Renewable Subscription"
	typeNonRenewable     = "Non-Renewing Subscription"
	ownershipTypeFamily  = "FAMILY_SHARED"
	revocationRefund     = 0
	revocationOtherIssue = 1
)

// Subscription statuses reported by the subscription statuses endpoint.
const (
	subscriptionStatusActive       = 1
	subscriptionStatusExpired      = 2
	subscriptionStatusBillingRetry = 3
	subscriptionStatusGracePeriod  = 4
	subscriptionStatusRevoked      = 5
)

// transactionPayload is the decoded body of a signed transaction JWS.
type transactionPayload struct {
	jwt.RegisteredClaims

	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	WebOrderLineItemID    string `json:"webOrderLineItemId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	SubscriptionGroupID   string `json:"subscriptionGroupIdentifier"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	Quantity              int64  `json:"quantity"`
	Type                  string `json:"type"`
	AppAccountToken       string `json:"appAccountToken"`
	InAppOwnershipType    string `json:"inAppOwnershipType"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int   `json:"revocationReason"`
	Storefront            string `json:"storefront"`
	Environment           string `json:"environment"`
}

// decodeTransaction extracts the payload of a signed transaction without
// verifying the chain. The payload arrives over an authenticated TLS channel
// from the store itself.
func decodeTransaction(signed string) (*transactionPayload, error) {
	var payload transactionPayload
	if _, _, err := jwt.NewParser().ParseUnverified(signed, &payload); err != nil {
		return nil, billing.WrapError(billing.CodeUnknown, err, "malformed signed transaction")
	}
	return &payload, nil
}

func (p *transactionPayload) kind() billing.ProductKind {
	if p.Type == typeAutoRenewable || p.Type == typeNonRenewable {
		return billing.ProductKindSubscription
	}
	return billing.ProductKindOneTime
}

func (p *transactionPayload) revoked() bool {
	return p.RevocationDate > 0 || p.RevocationReason != nil
}

func (p *transactionPayload) expired(now time.Time) bool {
	return p.ExpiresDate > 0 && time.UnixMilli(p.ExpiresDate).Before(now)
}

// purchase normalizes a transaction payload onto the shared purchase shape.
func (p *transactionPayload) purchase() *billing.Purchase {
	purchase := &billing.Purchase{
		ID:                  p.TransactionID,
		ProductID:           p.ProductID,
		Token:               p.OriginalTransactionID,
		Platform:            billing.PlatformAppStore,
		TransactionAt:       p.PurchaseDate,
		Quantity:            max(p.Quantity, 1),
		ExpiresAt:           p.ExpiresDate,
		ObfuscatedAccountID: p.AppAccountToken,
	}

	now := time.Now()
	switch {
	case p.revoked():
		purchase.State = billing.PurchaseStateFailed
	case p.expired(now):
		purchase.State = billing.PurchaseStateUnspecified
	default:
		purchase.State = billing.PurchaseStatePurchased
	}
	if p.kind() == billing.ProductKindSubscription && !p.expired(now) && !p.revoked() {
		purchase.AutoRenewing = p.Type == typeAutoRenewable
	}

	return purchase
}
