package billing

import (
	"encoding/json"
	"strings"
)

// Boundary payloads accumulated field-name aliases over several API
// generations. Each alias list is the documented precedence order: the first
// key carrying a non-empty value wins. Unknown keys are ignored.
var (
	skuListAliases    = []string{"skus", "productIds", "product_ids", "ids"}
	skuAliases        = []string{"sku", "productId", "product_id"}
	tokenAliases      = []string{"purchaseToken", "purchase_token", "token"}
	offerTokenAliases = []string{"offerToken", "subscriptionOfferToken", "offer_token"}
	accountAliases    = []string{"obfuscatedAccountId", "obfuscated_account_id", "accountId"}
	profileAliases    = []string{"obfuscatedProfileId", "obfuscated_profile_id", "profileId"}
	kindAliases       = []string{"type", "productType", "kind"}
	receiptAliases    = []string{"receipt", "receiptData", "transactionReceipt"}
	quantityAliases   = []string{"quantity", "qty"}
	consumableAliases = []string{"consumable", "isConsumable"}
)

// NormalizePurchaseRequest produces the canonical purchase request from a
// raw boundary payload, validating it before any adapter is involved.
func NormalizePurchaseRequest(raw map[string]any) (*PurchaseRequest, error) {
	req := &PurchaseRequest{
		SKUs:                firstStringList(raw, skuListAliases, skuAliases),
		Kind:                parseKind(firstString(raw, kindAliases)),
		Quantity:            firstInt(raw, quantityAliases),
		OfferToken:          firstString(raw, offerTokenAliases),
		ObfuscatedAccountID: firstString(raw, accountAliases),
		ObfuscatedProfileID: firstString(raw, profileAliases),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func NormalizeFetchRequest(raw map[string]any) (*FetchRequest, error) {
	req := &FetchRequest{
		SKUs: firstStringList(raw, skuListAliases, skuAliases),
		Kind: parseKind(firstString(raw, kindAliases)),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func NormalizeFinalizeRequest(raw map[string]any) (*FinalizeRequest, error) {
	req := &FinalizeRequest{
		ProductID:  firstString(raw, skuAliases),
		Token:      firstString(raw, tokenAliases),
		Consumable: firstBool(raw, consumableAliases),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func NormalizeVerifyRequest(raw map[string]any) (*VerifyRequest, error) {
	req := &VerifyRequest{
		ProductID: firstString(raw, skuAliases),
		Token:     firstString(raw, tokenAliases),
		Receipt:   firstString(raw, receiptAliases),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// DecodePurchaseRequest is the JSON entry point for hosts that hand the
// payload over as raw bytes.
func DecodePurchaseRequest(payload []byte) (*PurchaseRequest, error) {
	raw, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	return NormalizePurchaseRequest(raw)
}

func DecodeFetchRequest(payload []byte) (*FetchRequest, error) {
	raw, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	return NormalizeFetchRequest(raw)
}

func DecodeFinalizeRequest(payload []byte) (*FinalizeRequest, error) {
	raw, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	return NormalizeFinalizeRequest(raw)
}

func DecodeVerifyRequest(payload []byte) (*VerifyRequest, error) {
	raw, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	return NormalizeVerifyRequest(raw)
}

func decodeObject(payload []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, WrapError(CodeInvalidArgument, err, "request payload is not a JSON object")
	}
	return raw, nil
}

func parseKind(value string) ProductKind {
	switch strings.ToLower(value) {
	case "inapp", "in-app", "one_time", "onetime":
		return ProductKindOneTime
	case "subs", "subscription", "subscriptions":
		return ProductKindSubscription
	default:
		return ProductKindAll
	}
}

func firstString(raw map[string]any, aliases []string) string {
	for _, key := range aliases {
		if value, ok := raw[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// firstStringList resolves list-valued aliases first, then falls back to
// single-valued legacy aliases wrapped as a one-element list.
func firstStringList(raw map[string]any, listAliases, scalarAliases []string) []string {
	for _, key := range listAliases {
		values, ok := raw[key].([]any)
		if !ok {
			continue
		}
		var out []string
		for _, v := range values {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if single := firstString(raw, scalarAliases); single != "" {
		return []string{single}
	}
	return nil
}

func firstInt(raw map[string]any, aliases []string) int64 {
	for _, key := range aliases {
		switch value := raw[key].(type) {
		case float64:
			if value != 0 {
				return int64(value)
			}
		case int64:
			if value != 0 {
				return value
			}
		case int:
			if value != 0 {
				return int64(value)
			}
		}
	}
	return 0
}

func firstBool(raw map[string]any, aliases []string) bool {
	for _, key := range aliases {
		if value, ok := raw[key].(bool); ok {
			return value
		}
	}
	return false
}
