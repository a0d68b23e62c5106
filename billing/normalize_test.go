package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePurchaseRequest_AliasPrecedence(t *testing.T) {
	// Both the current-name and a legacy-name field populated with different
	// values: the current name wins, deterministically.
	for i := 0; i < 10; i++ {
		req, err := NormalizePurchaseRequest(map[string]any{
			"skus":       []any{"coin_100"},
			"productIds": []any{"coin_500"},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"coin_100"}, req.SKUs)
	}

	req, err := NormalizePurchaseRequest(map[string]any{
		"purchase_token":      "legacy",
		"obfuscatedAccountId": "acct-1",
		"accountId":           "acct-legacy",
	})
	require.Error(t, err) // no SKUs
	require.Nil(t, req)
}

func TestNormalizePurchaseRequest_LegacyScalarSKU(t *testing.T) {
	req, err := NormalizePurchaseRequest(map[string]any{
		"sku":  "coin_100",
		"type": "inapp",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"coin_100"}, req.SKUs)
	require.Equal(t, ProductKindOneTime, req.Kind)
}

func TestNormalizePurchaseRequest_EmptyCurrentNameFallsBack(t *testing.T) {
	req, err := NormalizePurchaseRequest(map[string]any{
		"skus":                   []any{"sub_monthly"},
		"offerToken":             "",
		"subscriptionOfferToken": "offer-abc",
	})
	require.NoError(t, err)
	require.Equal(t, "offer-abc", req.OfferToken)
}

func TestNormalizePurchaseRequest_UnknownFieldsIgnored(t *testing.T) {
	req, err := NormalizePurchaseRequest(map[string]any{
		"skus":         []any{"coin_100"},
		"somethingNew": "ignored",
		"nested":       map[string]any{"a": 1},
		"quantity":     float64(3),
		"obsoleteFlag": true,
		"profileId":    "prof-9",
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), req.Quantity)
	require.Equal(t, "prof-9", req.ObfuscatedProfileID)
}

func TestNormalizePurchaseRequest_ZeroSKUsFailsFast(t *testing.T) {
	_, err := NormalizePurchaseRequest(map[string]any{"skus": []any{}})
	require.True(t, IsCode(err, CodeInvalidArgument))
}

func TestNormalizeFinalizeRequest(t *testing.T) {
	req, err := NormalizeFinalizeRequest(map[string]any{
		"productId":     "coin_100",
		"token":         "tok-3",
		"purchaseToken": "tok-1",
		"isConsumable":  true,
	})
	require.NoError(t, err)
	require.Equal(t, "tok-1", req.Token)
	require.True(t, req.Consumable)

	_, err = NormalizeFinalizeRequest(map[string]any{"productId": "coin_100"})
	require.True(t, IsCode(err, CodeInvalidArgument))
}

func TestNormalizeFetchRequest_Kinds(t *testing.T) {
	for alias, kind := range map[string]ProductKind{
		"inapp":        ProductKindOneTime,
		"one_time":     ProductKindOneTime,
		"subs":         ProductKindSubscription,
		"subscription": ProductKindSubscription,
		"all":          ProductKindAll,
		"":             ProductKindAll,
	} {
		req, err := NormalizeFetchRequest(map[string]any{
			"skus": []any{"x"},
			"type": alias,
		})
		require.NoError(t, err)
		require.Equal(t, kind, req.Kind, "alias %q", alias)
	}
}

func TestDecodePurchaseRequest(t *testing.T) {
	req, err := DecodePurchaseRequest([]byte(`{"skus":["coin_100"],"quantity":2}`))
	require.NoError(t, err)
	require.Equal(t, []string{"coin_100"}, req.SKUs)
	require.Equal(t, int64(2), req.Quantity)

	_, err = DecodePurchaseRequest([]byte(`[1,2,3]`))
	require.True(t, IsCode(err, CodeInvalidArgument))
}
