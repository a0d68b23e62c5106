package billing

import "time"

type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventConnected
	EventDisconnected
	EventPurchaseUpdated
	EventPurchaseError
	EventCatalogFetched
	EventUserChoiceBilling
	EventDeveloperProvidedBilling
	EventPromotedProduct
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPurchaseUpdated:
		return "purchase_updated"
	case EventPurchaseError:
		return "purchase_error"
	case EventCatalogFetched:
		return "catalog_fetched"
	case EventUserChoiceBilling:
		return "user_choice_billing"
	case EventDeveloperProvidedBilling:
		return "developer_provided_billing"
	case EventPromotedProduct:
		return "promoted_product"
	default:
		return "unknown"
	}
}

// Event is one asynchronous notification pushed to listeners. Only the
// fields relevant to the kind are populated.
type Event struct {
	ID   string
	Kind EventKind
	At   time.Time

	Purchase  *Purchase  // EventPurchaseUpdated
	Err       *Error     // EventPurchaseError, EventCatalogFetched partial failure
	Products  []*Product // EventCatalogFetched
	ProductID string     // EventPromotedProduct

	// Data carries store-specific payloads for user-choice and
	// developer-provided billing notifications.
	Data map[string]any
}

// Entitlement is the normalized verification verdict.
type Entitlement uint8

const (
	EntitlementUnknown Entitlement = iota
	EntitlementEntitled
	EntitlementPending
	EntitlementExpired
	EntitlementInauthentic
	EntitlementConsumed
	EntitlementCanceled
)

func (e Entitlement) String() string {
	switch e {
	case EntitlementEntitled:
		return "entitled"
	case EntitlementPending:
		return "pending"
	case EntitlementExpired:
		return "expired"
	case EntitlementInauthentic:
		return "inauthentic"
	case EntitlementConsumed:
		return "consumed"
	case EntitlementCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// VerificationResult is the normalized outcome of a verification call.
// Verified false with EntitlementInauthentic is an authoritative rejection;
// an unreachable backend never produces it and instead fails with
// CodeVerificationUnavailable.
type VerificationResult struct {
	Verified    bool
	Entitlement Entitlement
	Raw         map[string]any
}
