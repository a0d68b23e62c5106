package verify

import (
	"context"

	"go.uber.org/zap"

	"github.com/purchasekit/purchasekit/billing"
)

// LocalVerifier forwards verification to the platform adapter's native
// receipt/token check.
type LocalVerifier struct {
	log     *zap.Logger
	adapter billing.Adapter
}

func NewLocalVerifier(log *zap.Logger, adapter billing.Adapter) Verifier {
	return &LocalVerifier{
		log:     log,
		adapter: adapter,
	}
}

func (v *LocalVerifier) Verify(ctx context.Context, purchase *billing.Purchase) (*billing.VerificationResult, error) {
	result, err := v.adapter.VerifyNative(ctx, purchase)
	if err != nil {
		typed := billing.AsError(err)
		if typed.Code == billing.CodeNetworkError || typed.Code == billing.CodeStoreUnavailable {
			return nil, billing.WrapError(billing.CodeVerificationUnavailable, err, "store verification unreachable")
		}
		return nil, typed
	}

	v.log.Debug("Native verification completed",
		zap.String("product_id", purchase.ProductID),
		zap.String("entitlement", result.Entitlement.String()),
	)

	return result, nil
}
