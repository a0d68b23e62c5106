package playstore

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/purchasekit/purchasekit/billing"
)

// Subscription notification types that affect entitlement.
const (
	subscriptionRecovered = 1
	subscriptionRenewed   = 2
	subscriptionCanceled  = 3
	subscriptionPurchased = 4
	subscriptionRevoked   = 12
	subscriptionExpired   = 13
)

// DeveloperNotification is the decoded payload of a Pub/Sub real-time
// developer notification message.
type DeveloperNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	EventTimeMillis            string                      `json:"eventTimeMillis"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification,omitempty"`
	TestNotification           *TestNotification           `json:"testNotification,omitempty"`
}

type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

type SubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

type TestNotification struct {
	Version string `json:"version"`
}

// HandleDeveloperNotification refreshes the purchase named by a developer
// notification and pushes the updated state into the event sink. The raw
// bytes are the decoded Pub/Sub message data.
func (a *Adapter) HandleDeveloperNotification(ctx context.Context, raw []byte) error {
	var notification DeveloperNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return billing.WrapError(billing.CodeInvalidArgument, err, "malformed developer notification")
	}

	if notification.TestNotification != nil {
		a.log.Debug("Received test notification")
		return nil
	}
	if notification.PackageName != a.config.PackageName {
		return billing.NewErrorf(billing.CodeInvalidArgument, "notification for unexpected package %s", notification.PackageName)
	}

	var sku, token string
	var kind billing.ProductKind
	switch {
	case notification.OneTimeProductNotification != nil:
		sku = notification.OneTimeProductNotification.SKU
		token = notification.OneTimeProductNotification.PurchaseToken
		kind = billing.ProductKindOneTime
	case notification.SubscriptionNotification != nil:
		sku = notification.SubscriptionNotification.SubscriptionID
		token = notification.SubscriptionNotification.PurchaseToken
		kind = billing.ProductKindSubscription
	default:
		a.log.Debug("Developer notification carried no purchase payload")
		return nil
	}

	purchase, err := a.fetchPurchase(ctx, sku, token, kind)
	if err != nil {
		if billing.IsCode(err, billing.CodeItemNotOwned) {
			a.log.Warn("Notification for unknown purchase token",
				zap.String("sku", sku),
				zap.String("token", billing.MaskSensitive(token)),
			)
			return nil
		}
		return err
	}
	a.remember(purchase)

	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink.OnStoreEvent(billing.Event{
			Kind:     billing.EventPurchaseUpdated,
			Purchase: purchase.Clone(),
		})
	}
	return nil
}
