package billing

// Boundary encoding: every payload crossing to a host is a structured
// object. Outcomes that are "no result, not an error" (user cancellation)
// keep their own shape and are never collapsed into an error or a null.

func (p *Product) Map() map[string]any {
	return map[string]any{
		"id":           p.ID,
		"title":        p.Title,
		"description":  p.Description,
		"displayPrice": p.DisplayPrice,
		"rawPrice":     p.RawPrice,
		"currency":     p.Currency,
		"type":         p.Kind.String(),
	}
}

func (p *Purchase) Map() map[string]any {
	return map[string]any{
		"id":                  p.ID,
		"productId":           p.ProductID,
		"purchaseToken":       p.Token,
		"state":               p.State.String(),
		"platform":            p.Platform.String(),
		"transactionDate":     p.TransactionAt,
		"quantity":            p.Quantity,
		"isAcknowledged":      p.Finalized,
		"autoRenewing":        p.AutoRenewing,
		"expiryDate":          p.ExpiresAt,
		"obfuscatedAccountId": p.ObfuscatedAccountID,
		"obfuscatedProfileId": p.ObfuscatedProfileID,
	}
}

func (e *Error) Map() map[string]any {
	return map[string]any{
		"code":    e.Code.String(),
		"message": e.Message,
	}
}

// OutcomeMap encodes a purchase-flow result for the boundary. The three
// shapes, success, cancellation and failure, are mutually distinguishable by
// their "status" field.
func OutcomeMap(purchase *Purchase, err error) map[string]any {
	if err == nil {
		return map[string]any{
			"status":   "ok",
			"purchase": purchase.Map(),
		}
	}
	typed := AsError(err)
	if typed.Code == CodeUserCancelled {
		return map[string]any{"status": "cancelled"}
	}
	return map[string]any{
		"status": "error",
		"error":  typed.Map(),
	}
}

func (e Event) Map() map[string]any {
	out := map[string]any{
		"id":   e.ID,
		"kind": e.Kind.String(),
		"at":   e.At.UnixMilli(),
	}
	if e.Purchase != nil {
		out["purchase"] = e.Purchase.Map()
	}
	if e.Err != nil {
		out["error"] = e.Err.Map()
	}
	if e.Products != nil {
		products := make([]map[string]any, 0, len(e.Products))
		for _, p := range e.Products {
			products = append(products, p.Map())
		}
		out["products"] = products
	}
	if e.ProductID != "" {
		out["productId"] = e.ProductID
	}
	if e.Data != nil {
		out["data"] = e.Data
	}
	return out
}
