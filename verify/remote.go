package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/purchasekit/purchasekit/billing"
)

const (
	defaultRemoteTimeout = 10 * time.Second
	remoteMaxRetries     = 3
	remoteRetryInterval  = 100 * time.Millisecond
)

// RemoteConfig configures the external verification endpoint.
type RemoteConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// RemoteVerifier posts receipts to an external verification service. It
// retries transient failures a bounded number of times before reporting
// CodeVerificationUnavailable; an authoritative rejection from the service
// is returned as a result, not an error.
type RemoteVerifier struct {
	log        *zap.Logger
	config     RemoteConfig
	httpClient *http.Client
}

func NewRemoteVerifier(log *zap.Logger, config RemoteConfig) Verifier {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultRemoteTimeout
	}
	return &RemoteVerifier{
		log:        log,
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	Platform      string `json:"platform"`
	ProductID     string `json:"productId"`
	PurchaseToken string `json:"purchaseToken"`
	TransactionID string `json:"transactionId,omitempty"`
	Quantity      int64  `json:"quantity,omitempty"`
}

type remoteResponse struct {
	Valid bool           `json:"valid"`
	State string         `json:"state"`
	Extra map[string]any `json:"extra"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, purchase *billing.Purchase) (*billing.VerificationResult, error) {
	payload, err := json.Marshal(&remoteRequest{
		Platform:      purchase.Platform.String(),
		ProductID:     purchase.ProductID,
		PurchaseToken: purchase.Token,
		TransactionID: purchase.ID,
		Quantity:      purchase.Quantity,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error serializing verification request")
	}

	var parsed remoteResponse
	operation := func() error {
		return v.post(ctx, payload, &parsed)
	}

	retryPolicy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(remoteRetryInterval),
		), remoteMaxRetries),
		ctx,
	)

	if err := backoff.Retry(operation, retryPolicy); err != nil {
		// Permanent errors come back already classified.
		if typed, ok := err.(*billing.Error); ok {
			return nil, typed
		}
		v.log.Debug("Verification backend unreachable", zap.Error(err))
		return nil, billing.WrapError(billing.CodeVerificationUnavailable, err, "verification backend unreachable")
	}

	result := &billing.VerificationResult{
		Verified:    parsed.Valid,
		Entitlement: parseEntitlement(parsed.State),
		Raw:         parsed.Extra,
	}
	if !result.Verified && result.Entitlement == billing.EntitlementUnknown {
		result.Entitlement = billing.EntitlementInauthentic
	}
	return result, nil
}

func (v *RemoteVerifier) post(ctx context.Context, payload []byte, out *remoteResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(billing.WrapError(billing.CodeInvalidArgument, err, "invalid verification endpoint"))
	}
	req.Header.Set("Content-Type", "application/json")
	if v.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.config.APIKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "error posting verification request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return errors.Errorf("verification backend returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Misconfigured credentials are not an authoritative verdict on the
		// receipt.
		return backoff.Permanent(billing.NewErrorf(billing.CodeVerificationUnavailable, "verification backend rejected credentials (%d)", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return backoff.Permanent(billing.NewErrorf(billing.CodeUnknown, "verification backend returned %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(billing.WrapError(billing.CodeUnknown, err, "malformed verification response"))
	}
	return nil
}

func parseEntitlement(state string) billing.Entitlement {
	switch state {
	case "entitled":
		return billing.EntitlementEntitled
	case "pending":
		return billing.EntitlementPending
	case "expired":
		return billing.EntitlementExpired
	case "inauthentic":
		return billing.EntitlementInauthentic
	case "consumed":
		return billing.EntitlementConsumed
	case "canceled", "cancelled":
		return billing.EntitlementCanceled
	default:
		return billing.EntitlementUnknown
	}
}
