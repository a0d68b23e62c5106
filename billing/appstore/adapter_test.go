package appstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/purchasekit/purchasekit/billing"
)

const testBundleID = "com.example.app"

func testPrivateKeyPEM(t *testing.T) []byte {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// signTransaction mints a JWS carrying the given transaction fields. The
// adapter decodes payloads without chain verification, so any signing key
// works.
func signTransaction(t *testing.T, fields map[string]any) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(fields))
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}

func newConnectedAdapter(t *testing.T, baseURL string, flow billing.UserFlow) *Adapter {
	adapter := NewAdapter(zaptest.NewLogger(t), Config{
		IssuerID:      "issuer-id",
		KeyID:         "key-id",
		BundleID:      testBundleID,
		PrivateKeyPEM: testPrivateKeyPEM(t),
		BaseURL:       baseURL,
		Catalog: []*billing.Product{
			{ID: "coin_100", Kind: billing.ProductKindOneTime, Title: "100 Coins", Currency: "USD", RawPrice: 1.99, DisplayPrice: "$1.99"},
			{ID: "sub_monthly", Kind: billing.ProductKindSubscription, Title: "Monthly", Currency: "USD", RawPrice: 4.99, DisplayPrice: "$4.99"},
		},
	}, flow)
	require.NoError(t, adapter.Connect(context.Background()))
	return adapter
}

func TestTokenSource_MintAndCache(t *testing.T) {
	ts, err := newTokenSource("issuer-id", "key-id", testBundleID, testPrivateKeyPEM(t))
	require.NoError(t, err)

	bearer, err := ts.Token()
	require.NoError(t, err)

	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	segments := strings.Split(bearer, ".")
	require.Len(t, segments, 3)
	rawHeader, err := jwt.NewParser().DecodeSegment(segments[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rawHeader, &header))
	require.Equal(t, "ES256", header.Alg)
	require.Equal(t, "key-id", header.Kid)

	var claims jwt.MapClaims
	_, _, err = jwt.NewParser().ParseUnverified(bearer, &claims)
	require.NoError(t, err)
	require.Equal(t, "issuer-id", claims["iss"])
	require.Equal(t, tokenAudience, claims["aud"])
	require.Equal(t, testBundleID, claims["bid"])

	again, err := ts.Token()
	require.NoError(t, err)
	require.Equal(t, bearer, again)
}

func TestTokenSource_RejectsBadKey(t *testing.T) {
	_, err := newTokenSource("issuer-id", "key-id", testBundleID, []byte("not a key"))
	require.Error(t, err)
}

func TestAdapter_PurchaseResolvesTransaction(t *testing.T) {
	ctx := context.Background()

	signed := signTransaction(t, map[string]any{
		"transactionId":         "2000001",
		"originalTransactionId": "2000001",
		"bundleId":              testBundleID,
		"productId":             "coin_100",
		"purchaseDate":          time.Now().UnixMilli(),
		"quantity":              1,
		"type":                  "Consumable",
		"appAccountToken":       "acct-42",
		"storefront":            "USA",
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inApps/v1/transactions/2000001", r.URL.Path)
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		json.NewEncoder(w).Encode(map[string]string{"signedTransactionInfo": signed})
	}))
	defer server.Close()

	flow := billing.UserFlowFunc(func(ctx context.Context, req *billing.PurchaseRequest) (*billing.FlowResult, error) {
		return &billing.FlowResult{TransactionID: "2000001"}, nil
	})
	adapter := newConnectedAdapter(t, server.URL, flow)

	purchase, err := adapter.Purchase(ctx, &billing.PurchaseRequest{SKUs: []string{"coin_100"}})
	require.NoError(t, err)
	require.Equal(t, "2000001", purchase.ID)
	require.Equal(t, "coin_100", purchase.ProductID)
	require.Equal(t, billing.PurchaseStatePurchased, purchase.State)
	require.Equal(t, billing.PlatformAppStore, purchase.Platform)
	require.Equal(t, "acct-42", purchase.ObfuscatedAccountID)

	storefront, err := adapter.Extensions().Storefront(ctx)
	require.NoError(t, err)
	require.Equal(t, "USA", storefront)
}

func TestAdapter_PurchaseRejectsForeignBundle(t *testing.T) {
	signed := signTransaction(t, map[string]any{
		"transactionId":         "3000001",
		"originalTransactionId": "3000001",
		"bundleId":              "com.other.app",
		"productId":             "coin_100",
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"signedTransactionInfo": signed})
	}))
	defer server.Close()

	flow := billing.UserFlowFunc(func(ctx context.Context, req *billing.PurchaseRequest) (*billing.FlowResult, error) {
		return &billing.FlowResult{TransactionID: "3000001"}, nil
	})
	adapter := newConnectedAdapter(t, server.URL, flow)

	_, err := adapter.Purchase(context.Background(), &billing.PurchaseRequest{SKUs: []string{"coin_100"}})
	require.True(t, billing.IsCode(err, billing.CodeInvalidArgument))
}

func TestAdapter_PurchaseCancelled(t *testing.T) {
	flow := billing.UserFlowFunc(func(ctx context.Context, req *billing.PurchaseRequest) (*billing.FlowResult, error) {
		return &billing.FlowResult{Cancelled: true}, nil
	})
	adapter := newConnectedAdapter(t, "http://127.0.0.1:1", flow)

	_, err := adapter.Purchase(context.Background(), &billing.PurchaseRequest{SKUs: []string{"coin_100"}})
	require.True(t, billing.IsCode(err, billing.CodeUserCancelled))
}

func TestAdapter_VerifyNative(t *testing.T) {
	ctx := context.Background()

	entitled := signTransaction(t, map[string]any{
		"transactionId":         "100",
		"originalTransactionId": "100",
		"bundleId":              testBundleID,
		"productId":             "sub_monthly",
		"type":                  "Auto-Renewable Subscription",
		"expiresDate":           time.Now().Add(time.Hour).UnixMilli(),
	})
	expired := signTransaction(t, map[string]any{
		"transactionId":         "101",
		"originalTransactionId": "101",
		"bundleId":              testBundleID,
		"productId":             "sub_monthly",
		"type":                  "Auto-Renewable Subscription",
		"expiresDate":           time.Now().Add(-time.Hour).UnixMilli(),
	})
	revoked := signTransaction(t, map[string]any{
		"transactionId":         "102",
		"originalTransactionId": "102",
		"bundleId":              testBundleID,
		"productId":             "coin_100",
		"type":                  "Consumable",
		"revocationDate":        time.Now().UnixMilli(),
		"revocationReason":      0,
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var signed string
		switch r.URL.Path {
		case "/inApps/v1/transactions/100":
			signed = entitled
		case "/inApps/v1/transactions/101":
			signed = expired
		case "/inApps/v1/transactions/102":
			signed = revoked
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"errorCode": apiErrorTransactionNotFound})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"signedTransactionInfo": signed})
	}))
	defer server.Close()

	adapter := newConnectedAdapter(t, server.URL, nil)

	for _, tc := range []struct {
		transactionID string
		verified      bool
		entitlement   billing.Entitlement
	}{
		{"100", true, billing.EntitlementEntitled},
		{"101", true, billing.EntitlementExpired},
		{"102", true, billing.EntitlementCanceled},
		{"999", false, billing.EntitlementInauthentic},
	} {
		result, err := adapter.VerifyNative(ctx, &billing.Purchase{ID: tc.transactionID})
		require.NoError(t, err, tc.transactionID)
		require.Equal(t, tc.verified, result.Verified, tc.transactionID)
		require.Equal(t, tc.entitlement, result.Entitlement, tc.transactionID)
	}
}

func TestAdapter_QueryPurchasesPagesHistory(t *testing.T) {
	ctx := context.Background()

	first := signTransaction(t, map[string]any{
		"transactionId":         "100",
		"originalTransactionId": "100",
		"bundleId":              testBundleID,
		"productId":             "coin_100",
		"type":                  "Consumable",
		"purchaseDate":          time.Now().UnixMilli(),
	})
	second := signTransaction(t, map[string]any{
		"transactionId":         "101",
		"originalTransactionId": "100",
		"bundleId":              testBundleID,
		"productId":             "coin_100",
		"type":                  "Consumable",
		"purchaseDate":          time.Now().UnixMilli(),
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inApps/v1/history/100", r.URL.Path)
		if r.URL.Query().Get("revision") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"revision":           "rev-1",
				"hasMore":            true,
				"signedTransactions": []string{first},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"hasMore":            false,
			"signedTransactions": []string{second},
		})
	}))
	defer server.Close()

	adapter := newConnectedAdapter(t, server.URL, nil)
	adapter.remember(&transactionPayload{OriginalTransactionID: "100"}, &billing.Purchase{Token: "100", ProductID: "coin_100"})

	purchases, err := adapter.QueryPurchases(ctx, billing.PurchaseFilter{})
	require.NoError(t, err)
	require.Len(t, purchases, 2)
}

func TestAdapter_QueryActiveSubscriptions(t *testing.T) {
	ctx := context.Background()

	active := signTransaction(t, map[string]any{
		"transactionId":         "200",
		"originalTransactionId": "200",
		"bundleId":              testBundleID,
		"productId":             "sub_monthly",
		"type":                  "Auto-Renewable Subscription",
		"expiresDate":           time.Now().Add(30 * 24 * time.Hour).UnixMilli(),
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inApps/v1/subscriptions/200", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"subscriptionGroupIdentifier": "group1",
				"lastTransactions": []map[string]any{{
					"originalTransactionId": "200",
					"status":                subscriptionStatusActive,
					"signedTransactionInfo": active,
				}},
			}},
		})
	}))
	defer server.Close()

	adapter := newConnectedAdapter(t, server.URL, nil)
	adapter.remember(&transactionPayload{OriginalTransactionID: "200"}, &billing.Purchase{Token: "200", ProductID: "sub_monthly"})

	subs, err := adapter.QueryActiveSubscriptions(ctx, nil)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "sub_monthly", subs[0].ProductID)
	require.True(t, subs[0].AutoRenewing)
}

func TestAdapter_FetchCatalogFromConfig(t *testing.T) {
	adapter := newConnectedAdapter(t, "http://127.0.0.1:1", nil)

	products, err := adapter.FetchCatalog(context.Background(), []string{"coin_100", "missing_sku"}, billing.ProductKindAll)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, "coin_100", products[0].ID)
}

func TestAdapter_ServerNotificationEmitsUpdate(t *testing.T) {
	adapter := newConnectedAdapter(t, "http://127.0.0.1:1", nil)

	var received []billing.Event
	adapter.SetSink(billing.EventSinkFunc(func(e billing.Event) {
		received = append(received, e)
	}))

	transaction := signTransaction(t, map[string]any{
		"transactionId":         "300",
		"originalTransactionId": "300",
		"bundleId":              testBundleID,
		"productId":             "sub_monthly",
		"type":                  "Auto-Renewable Subscription",
		"expiresDate":           time.Now().Add(30 * 24 * time.Hour).UnixMilli(),
	})
	signedPayload := signTransaction(t, map[string]any{
		"notificationType": "DID_RENEW",
		"notificationUUID": "uuid-1",
		"data": map[string]any{
			"bundleId":              testBundleID,
			"signedTransactionInfo": transaction,
		},
	})
	body, err := json.Marshal(map[string]string{"signedPayload": signedPayload})
	require.NoError(t, err)

	require.NoError(t, adapter.HandleServerNotification(context.Background(), body))
	require.Len(t, received, 1)
	require.Equal(t, billing.EventPurchaseUpdated, received[0].Kind)
	require.Equal(t, "sub_monthly", received[0].Purchase.ProductID)
	require.True(t, received[0].Purchase.AutoRenewing)
}

func TestAdapter_ServerNotificationValidation(t *testing.T) {
	ctx := context.Background()
	adapter := newConnectedAdapter(t, "http://127.0.0.1:1", nil)

	err := adapter.HandleServerNotification(ctx, []byte("not json"))
	require.True(t, billing.IsCode(err, billing.CodeInvalidArgument))

	testPayload := signTransaction(t, map[string]any{"notificationType": "TEST"})
	body, _ := json.Marshal(map[string]string{"signedPayload": testPayload})
	require.NoError(t, adapter.HandleServerNotification(ctx, body))

	foreign := signTransaction(t, map[string]any{
		"notificationType": "DID_RENEW",
		"data":             map[string]any{"bundleId": "com.other.app"},
	})
	body, _ = json.Marshal(map[string]string{"signedPayload": foreign})
	err = adapter.HandleServerNotification(ctx, body)
	require.True(t, billing.IsCode(err, billing.CodeInvalidArgument))
}

func TestClassifyResponse(t *testing.T) {
	for _, tc := range []struct {
		status   int
		body     string
		expected billing.Code
	}{
		{http.StatusNotFound, `{"errorCode":4040010}`, billing.CodeItemNotOwned},
		{http.StatusUnauthorized, ``, billing.CodeStoreUnavailable},
		{http.StatusTooManyRequests, ``, billing.CodeStoreUnavailable},
		{http.StatusInternalServerError, ``, billing.CodeStoreUnavailable},
		{http.StatusBadRequest, ``, billing.CodeUnknown},
	} {
		err := classifyResponse(tc.status, []byte(tc.body))
		require.True(t, billing.IsCode(err, tc.expected), fmt.Sprintf("status %d", tc.status))
	}
}

func TestAdapter_PromotedProductEvent(t *testing.T) {
	adapter := newConnectedAdapter(t, "http://127.0.0.1:1", nil)

	var events []billing.Event
	adapter.SetSink(billing.EventSinkFunc(func(e billing.Event) {
		events = append(events, e)
	}))

	adapter.SetPromotedProduct("coin_100")
	require.Len(t, events, 1)
	require.Equal(t, billing.EventPromotedProduct, events[0].Kind)
	require.Equal(t, "coin_100", events[0].ProductID)

	productID, err := adapter.Extensions().PromotedProduct(context.Background())
	require.NoError(t, err)
	require.Equal(t, "coin_100", productID)
}

func TestAdapter_DisconnectedOperationsFail(t *testing.T) {
	adapter := NewAdapter(zaptest.NewLogger(t), Config{BundleID: testBundleID}, nil)

	_, err := adapter.FetchCatalog(context.Background(), []string{"coin_100"}, billing.ProductKindAll)
	require.True(t, billing.IsCode(err, billing.CodeStoreUnavailable))
}
