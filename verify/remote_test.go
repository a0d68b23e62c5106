package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/purchasekit/purchasekit/billing"
)

func testPurchase() *billing.Purchase {
	return &billing.Purchase{
		ID:        "txn-1",
		ProductID: "coin_100",
		Token:     "tok-1",
		State:     billing.PurchaseStatePurchased,
		Platform:  billing.PlatformMemory,
		Quantity:  1,
	}
}

func TestRemoteVerifier_UnreachableBackend(t *testing.T) {
	verifier := NewRemoteVerifier(zaptest.NewLogger(t), RemoteConfig{
		Endpoint: "http://127.0.0.1:1/verify",
	})

	_, err := verifier.Verify(context.Background(), testPurchase())
	require.Error(t, err)
	require.True(t, billing.IsCode(err, billing.CodeVerificationUnavailable))
	// Never a false authoritative rejection.
	require.False(t, billing.IsCode(err, billing.CodeUnknown))
}

func TestRemoteVerifier_AuthoritativeRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"valid":false,"state":"inauthentic"}`))
	}))
	defer server.Close()

	verifier := NewRemoteVerifier(zaptest.NewLogger(t), RemoteConfig{Endpoint: server.URL})

	result, err := verifier.Verify(context.Background(), testPurchase())
	require.NoError(t, err)
	require.False(t, result.Verified)
	require.Equal(t, billing.EntitlementInauthentic, result.Entitlement)
}

func TestRemoteVerifier_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"valid":true,"state":"entitled"}`))
	}))
	defer server.Close()

	verifier := NewRemoteVerifier(zaptest.NewLogger(t), RemoteConfig{Endpoint: server.URL})

	result, err := verifier.Verify(context.Background(), testPurchase())
	require.NoError(t, err)
	require.True(t, result.Verified)
	require.Equal(t, billing.EntitlementEntitled, result.Entitlement)
	require.Equal(t, int32(3), calls.Load())
}

func TestRemoteVerifier_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	verifier := NewRemoteVerifier(zaptest.NewLogger(t), RemoteConfig{Endpoint: server.URL})

	_, err := verifier.Verify(context.Background(), testPurchase())
	require.True(t, billing.IsCode(err, billing.CodeVerificationUnavailable))
	require.Equal(t, int32(remoteMaxRetries+1), calls.Load())
}

func TestRemoteVerifier_BadCredentialsAreUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	verifier := NewRemoteVerifier(zaptest.NewLogger(t), RemoteConfig{Endpoint: server.URL, APIKey: "bad"})

	_, err := verifier.Verify(context.Background(), testPurchase())
	require.True(t, billing.IsCode(err, billing.CodeVerificationUnavailable))
}

func TestRemoteVerifier_StateMapping(t *testing.T) {
	for state, entitlement := range map[string]billing.Entitlement{
		"entitled":  billing.EntitlementEntitled,
		"pending":   billing.EntitlementPending,
		"expired":   billing.EntitlementExpired,
		"consumed":  billing.EntitlementConsumed,
		"canceled":  billing.EntitlementCanceled,
		"cancelled": billing.EntitlementCanceled,
	} {
		require.Equal(t, entitlement, parseEntitlement(state), "state %q", state)
	}
	require.Equal(t, billing.EntitlementUnknown, parseEntitlement("something_else"))
}
