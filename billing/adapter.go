package billing

import "context"

// Adapter is the uniform capability surface over one underlying store
// backend. Exactly one session owns an adapter instance at a time; adapters
// are not safe for sharing across sessions.
//
// Every method that reaches the store backend takes a context and may
// suspend for the duration of a network or user-interaction round trip.
type Adapter interface {
	Platform() Platform

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// FetchCatalog resolves catalog entries for the requested SKUs. SKUs
	// unknown to the store are omitted from the result; the call fails only
	// when the backend itself does.
	FetchCatalog(ctx context.Context, skus []string, kind ProductKind) ([]*Product, error)

	// Purchase runs one purchase flow to completion. A user dismissing the
	// store dialog is reported as a CodeUserCancelled error value, never as
	// a nil result.
	Purchase(ctx context.Context, req *PurchaseRequest) (*Purchase, error)

	// FinalizeTransaction consumes (consumable) or acknowledges
	// (non-consumable, subscription) a purchase. Finalizing an already
	// finalized purchase is a no-op success.
	FinalizeTransaction(ctx context.Context, purchase *Purchase, consumable bool) error

	QueryPurchases(ctx context.Context, filter PurchaseFilter) ([]*Purchase, error)
	QueryActiveSubscriptions(ctx context.Context, ids []string) ([]*ActiveSubscription, error)

	// VerifyNative performs the store's own receipt/token verification.
	VerifyNative(ctx context.Context, purchase *Purchase) (*VerificationResult, error)

	// SetSink registers the destination for asynchronous store events.
	// Passing nil detaches the previous sink. Events raised while no sink
	// is attached are dropped.
	SetSink(sink EventSink)

	Extensions() Extensions
}

// EventSink receives asynchronous events raised by an adapter, in the order
// the underlying store raised them.
type EventSink interface {
	OnStoreEvent(e Event)
}

// EventSinkFunc is an adapter to allow the use of ordinary functions as
// EventSinks.
type EventSinkFunc func(Event)

func (f EventSinkFunc) OnStoreEvent(e Event) {
	f(e)
}

// UserFlow bridges the store's native purchase UI. LaunchPurchase blocks
// until the user completes or dismisses the dialog and returns the token the
// store minted for the transaction.
type UserFlow interface {
	LaunchPurchase(ctx context.Context, req *PurchaseRequest) (*FlowResult, error)
}

type FlowResult struct {
	Cancelled     bool
	Token         string
	TransactionID string
}

// UserFlowFunc is an adapter to allow the use of ordinary functions as
// UserFlows.
type UserFlowFunc func(ctx context.Context, req *PurchaseRequest) (*FlowResult, error)

func (f UserFlowFunc) LaunchPurchase(ctx context.Context, req *PurchaseRequest) (*FlowResult, error) {
	return f(ctx, req)
}

// Extensions exposes store-specific operations outside the shared capability
// set. Adapters embed UnsupportedExtensions and override what their store
// can do; everything else fails with CodeFeatureNotSupported.
type Extensions interface {
	AcknowledgeToken(ctx context.Context, productID, token string) error
	ConsumeToken(ctx context.Context, productID, token string) error
	Storefront(ctx context.Context) (string, error)
	DeepLinkToSubscriptions(ctx context.Context, productID string) (string, error)
	AlternativeBillingAvailable(ctx context.Context) (bool, error)
	ShowAlternativeBillingDialog(ctx context.Context) (bool, error)
	CreateAlternativeBillingToken(ctx context.Context) (string, error)
	PresentExternalPurchaseLink(ctx context.Context, url string) error
	PromotedProduct(ctx context.Context) (string, error)
}

// UnsupportedExtensions fails every extension with CodeFeatureNotSupported.
type UnsupportedExtensions struct{}

func (UnsupportedExtensions) AcknowledgeToken(context.Context, string, string) error {
	return NewError(CodeFeatureNotSupported, "acknowledge is not supported by this store")
}

func (UnsupportedExtensions) ConsumeToken(context.Context, string, string) error {
	return NewError(CodeFeatureNotSupported, "consume is not supported by this store")
}

func (UnsupportedExtensions) Storefront(context.Context) (string, error) {
	return "", NewError(CodeFeatureNotSupported, "storefront query is not supported by this store")
}

func (UnsupportedExtensions) DeepLinkToSubscriptions(context.Context, string) (string, error) {
	return "", NewError(CodeFeatureNotSupported, "subscription deep link is not supported by this store")
}

func (UnsupportedExtensions) AlternativeBillingAvailable(context.Context) (bool, error) {
	return false, NewError(CodeFeatureNotSupported, "alternative billing is not supported by this store")
}

func (UnsupportedExtensions) ShowAlternativeBillingDialog(context.Context) (bool, error) {
	return false, NewError(CodeFeatureNotSupported, "alternative billing is not supported by this store")
}

func (UnsupportedExtensions) CreateAlternativeBillingToken(context.Context) (string, error) {
	return "", NewError(CodeFeatureNotSupported, "alternative billing is not supported by this store")
}

func (UnsupportedExtensions) PresentExternalPurchaseLink(context.Context, string) error {
	return NewError(CodeFeatureNotSupported, "external purchase links are not supported by this store")
}

func (UnsupportedExtensions) PromotedProduct(context.Context) (string, error) {
	return "", NewError(CodeFeatureNotSupported, "promoted products are not supported by this store")
}
