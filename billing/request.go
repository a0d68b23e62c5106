package billing

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PurchaseRequest is the canonical request for one purchase flow. Boundary
// payloads with legacy field aliases are decoded by the normalizer; code
// inside the module only ever sees this shape.
type PurchaseRequest struct {
	SKUs                []string `json:"skus" validate:"required,min=1,dive,required"`
	Kind                ProductKind
	Quantity            int64  `json:"quantity" validate:"omitempty,gte=1"`
	OfferToken          string `json:"offerToken"`
	ObfuscatedAccountID string `json:"obfuscatedAccountId"`
	ObfuscatedProfileID string `json:"obfuscatedProfileId"`
}

// Validate is the fail-fast gate run before any adapter call.
func (r *PurchaseRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return WrapError(CodeInvalidArgument, err, "invalid purchase request")
	}
	return nil
}

// FetchRequest is the canonical catalog request.
type FetchRequest struct {
	SKUs []string `json:"skus" validate:"required,min=1,dive,required"`
	Kind ProductKind
}

func (r *FetchRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return WrapError(CodeInvalidArgument, err, "invalid fetch request")
	}
	return nil
}

// FinalizeRequest is the canonical acknowledge/consume request.
type FinalizeRequest struct {
	ProductID  string `json:"productId" validate:"required"`
	Token      string `json:"purchaseToken" validate:"required"`
	Consumable bool   `json:"consumable"`
}

func (r *FinalizeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return WrapError(CodeInvalidArgument, err, "invalid finalize request")
	}
	return nil
}

// VerifyRequest is the canonical verification request.
type VerifyRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Token     string `json:"purchaseToken" validate:"required"`
	Receipt   string `json:"receipt"`
}

func (r *VerifyRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return WrapError(CodeInvalidArgument, err, "invalid verify request")
	}
	return nil
}
