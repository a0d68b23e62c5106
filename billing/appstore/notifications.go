package appstore

import (
	"context"
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/purchasekit/purchasekit/billing"
)

// V2 notification types that carry a transaction.
const (
	notificationSubscribed         = "SUBSCRIBED"
	notificationDidRenew           = "DID_RENEW"
	notificationDidFailToRenew     = "DID_FAIL_TO_RENEW"
	notificationExpired            = "EXPIRED"
	notificationRefund             = "REFUND"
	notificationRevoke             = "REVOKE"
	notificationOneTimeCharge      = "ONE_TIME_CHARGE"
	notificationRenewalStatus      = "DID_CHANGE_RENEWAL_STATUS"
	notificationRenewalPref        = "DID_CHANGE_RENEWAL_PREF"
	notificationGracePeriodExpired = "GRACE_PERIOD_EXPIRED"
	notificationTest               = "TEST"
)

// notificationPayload is the decoded body of a V2 signedPayload JWS.
type notificationPayload struct {
	jwt.RegisteredClaims

	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		AppAppleID            int64  `json:"appAppleId"`
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
}

// HandleServerNotification decodes a V2 server notification and pushes the
// carried transaction into the event sink as a purchase update. The raw bytes
// are the request body Apple posts, i.e. `{"signedPayload": "..."}`.
func (a *Adapter) HandleServerNotification(ctx context.Context, raw []byte) error {
	var envelope struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.SignedPayload == "" {
		return billing.NewError(billing.CodeInvalidArgument, "malformed server notification")
	}

	var payload notificationPayload
	if _, _, err := jwt.NewParser().ParseUnverified(envelope.SignedPayload, &payload); err != nil {
		return billing.WrapError(billing.CodeInvalidArgument, err, "malformed notification payload")
	}

	if payload.NotificationType == notificationTest {
		a.log.Debug("Received test notification")
		return nil
	}
	if payload.Data.BundleID != a.config.BundleID {
		return billing.NewErrorf(billing.CodeInvalidArgument, "notification for unexpected bundle %s", payload.Data.BundleID)
	}
	if payload.Data.SignedTransactionInfo == "" {
		a.log.Debug("Notification carried no transaction",
			zap.String("notification_type", payload.NotificationType),
		)
		return nil
	}

	transaction, err := decodeTransaction(payload.Data.SignedTransactionInfo)
	if err != nil {
		return err
	}

	purchase := transaction.purchase()
	a.remember(transaction, purchase)

	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		a.log.Debug("Dropping notification without sink",
			zap.String("notification_type", payload.NotificationType),
		)
		return nil
	}

	sink.OnStoreEvent(billing.Event{
		Kind:     billing.EventPurchaseUpdated,
		Purchase: purchase.Clone(),
	})
	return nil
}
