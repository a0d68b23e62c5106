package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutcomeMap_ThreeShapes(t *testing.T) {
	purchase := &Purchase{ID: "t1", ProductID: "coin_100", Token: "tok", State: PurchaseStatePurchased}

	ok := OutcomeMap(purchase, nil)
	require.Equal(t, "ok", ok["status"])
	require.Equal(t, "coin_100", ok["purchase"].(map[string]any)["productId"])

	cancelled := OutcomeMap(nil, NewError(CodeUserCancelled, "dismissed"))
	require.Equal(t, "cancelled", cancelled["status"])
	require.NotContains(t, cancelled, "error")
	require.NotContains(t, cancelled, "purchase")

	failed := OutcomeMap(nil, NewError(CodeStoreUnavailable, "backend down"))
	require.Equal(t, "error", failed["status"])
	require.Equal(t, "STORE_UNAVAILABLE", failed["error"].(map[string]any)["code"])
}

func TestEventMap_OnlyRelevantFields(t *testing.T) {
	at := time.Now()

	e := Event{
		ID:       "ev1",
		Kind:     EventPurchaseUpdated,
		At:       at,
		Purchase: &Purchase{ProductID: "sub_monthly"},
	}
	encoded := e.Map()
	require.Equal(t, "ev1", encoded["id"])
	require.Equal(t, "purchase_updated", encoded["kind"])
	require.Equal(t, at.UnixMilli(), encoded["at"])
	require.Contains(t, encoded, "purchase")
	require.NotContains(t, encoded, "products")
	require.NotContains(t, encoded, "error")

	catalog := Event{
		ID:       "ev2",
		Kind:     EventCatalogFetched,
		At:       at,
		Products: []*Product{{ID: "coin_100"}},
	}
	encoded = catalog.Map()
	require.Len(t, encoded["products"], 1)
	require.NotContains(t, encoded, "purchase")
}
