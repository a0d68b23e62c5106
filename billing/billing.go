package billing

import "time"

// Platform tags which store backend produced a purchase.
type Platform uint8

const (
	PlatformUnknown Platform = iota
	PlatformPlayStore
	PlatformAppStore
	PlatformMemory
)

func (p Platform) String() string {
	switch p {
	case PlatformPlayStore:
		return "playstore"
	case PlatformAppStore:
		return "appstore"
	case PlatformMemory:
		return "memory"
	default:
		return "unknown"
	}
}

type ProductKind uint8

const (
	ProductKindAll ProductKind = iota
	ProductKindOneTime
	ProductKindSubscription
)

func (k ProductKind) String() string {
	switch k {
	case ProductKindOneTime:
		return "one_time"
	case ProductKindSubscription:
		return "subscription"
	default:
		return "all"
	}
}

type PurchaseState uint8

const (
	PurchaseStateUnspecified PurchaseState = iota
	PurchaseStatePurchased
	PurchaseStatePending
	PurchaseStateFailed
)

func (s PurchaseState) String() string {
	switch s {
	case PurchaseStatePurchased:
		return "purchased"
	case PurchaseStatePending:
		return "pending"
	case PurchaseStateFailed:
		return "failed"
	default:
		return "unspecified"
	}
}

// Product is a catalog entry. Immutable once returned; the client does not
// cache catalogs, callers may.
type Product struct {
	ID           string
	Title        string
	Description  string
	DisplayPrice string
	RawPrice     float64
	Currency     string
	Kind         ProductKind
}

func (p *Product) Clone() *Product {
	cloned := *p
	return &cloned
}

// Purchase is the normalized transaction record shared by every adapter.
// Token is opaque and platform-specific (a Play purchase token or an App
// Store transaction identifier). Finalized generalizes Play's acknowledged /
// consumed and App Store's finished states.
type Purchase struct {
	ID                  string
	ProductID           string
	Token               string
	State               PurchaseState
	Platform            Platform
	TransactionAt       int64 // epoch millis
	Quantity            int64
	Finalized           bool
	AutoRenewing        bool
	ExpiresAt           int64 // epoch millis, subscriptions only, 0 when unknown
	ObfuscatedAccountID string
	ObfuscatedProfileID string
}

func (p *Purchase) Clone() *Purchase {
	cloned := *p
	return &cloned
}

// ExpiresTime returns the entitlement expiry, or the zero time when the
// store did not report one.
func (p *Purchase) ExpiresTime() time.Time {
	if p.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.ExpiresAt)
}

// ActiveSubscription is a derived view over subscription purchases that are
// currently entitled. Computed per query, never persisted.
type ActiveSubscription struct {
	ProductID      string
	Purchase       *Purchase
	AutoRenewing   bool
	ExpiresAt      int64
	WillExpireSoon bool
}

// IsEntitled reports whether a purchase grants an active subscription
// entitlement at the given instant.
func IsEntitled(p *Purchase, now time.Time) bool {
	if p.State != PurchaseStatePurchased {
		return false
	}
	if p.AutoRenewing {
		return true
	}
	return p.ExpiresAt > 0 && p.ExpiresTime().After(now)
}

// PurchaseFilter narrows QueryPurchases results. Zero value matches
// everything.
type PurchaseFilter struct {
	Kind       ProductKind
	ProductIDs []string
}

func (f PurchaseFilter) matchesProduct(id string) bool {
	if len(f.ProductIDs) == 0 {
		return true
	}
	for _, candidate := range f.ProductIDs {
		if candidate == id {
			return true
		}
	}
	return false
}

// Matches applies the filter against a purchase whose product kind is known
// to the adapter.
func (f PurchaseFilter) Matches(p *Purchase, kind ProductKind) bool {
	if f.Kind != ProductKindAll && f.Kind != kind {
		return false
	}
	return f.matchesProduct(p.ProductID)
}
