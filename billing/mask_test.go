package billing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskSensitive(t *testing.T) {
	require.Equal(t, "", MaskSensitive(""))
	require.Equal(t, "****", MaskSensitive("short"))
	require.Equal(t, "****", MaskSensitive("123456"))
	require.Equal(t, "opaq****", MaskSensitive("opaque-purchase-token"))

	// The bulk of the secret never survives masking.
	masked := MaskSensitive("opaque-purchase-token")
	require.NotContains(t, masked, "purchase-token")
}

func TestMaskPayload(t *testing.T) {
	raw := map[string]any{
		"productId":     "coin_100",
		"purchaseToken": "opaque-purchase-token",
		"receiptData":   "base64-receipt-blob",
		"api_key":       "super-secret-key",
		"quantity":      2,
	}

	masked := MaskPayload(raw)
	require.Equal(t, "coin_100", masked["productId"])
	require.Equal(t, "opaq****", masked["purchaseToken"])
	require.Equal(t, "base****", masked["receiptData"])
	require.Equal(t, "supe****", masked["api_key"])
	require.Equal(t, 2, masked["quantity"])

	// The input map is left untouched.
	require.Equal(t, "opaque-purchase-token", raw["purchaseToken"])
}
