// Package verify normalizes purchase verification over pluggable backends.
// The local backend uses the store's own verification call; the remote
// backend posts the receipt to an external verification service.
package verify

import (
	"context"

	"github.com/purchasekit/purchasekit/billing"
)

// Backend selects which verifier a session uses.
type Backend uint8

const (
	BackendLocal Backend = iota
	BackendRemote
)

func (b Backend) String() string {
	if b == BackendRemote {
		return "remote"
	}
	return "local"
}

// Verifier checks one purchase and returns the normalized verdict.
//
// A failure to reach the backend is a CodeVerificationUnavailable error,
// never an EntitlementInauthentic result: "could not verify" and "verified
// and invalid" must stay distinguishable.
type Verifier interface {
	Verify(ctx context.Context, purchase *billing.Purchase) (*billing.VerificationResult, error)
}
