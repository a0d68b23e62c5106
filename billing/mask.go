package billing

import "strings"

// MaskSensitive redacts a secret-bearing value for logs, keeping a short
// prefix for correlation. Tokens, receipts and keys must never be logged in
// clear, including at debug level.
func MaskSensitive(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 6 {
		return "****"
	}
	return value[:4] + strings.Repeat("*", 4)
}

// sensitiveKey reports whether a boundary field name suggests a secret.
func sensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, marker := range []string{"token", "secret", "receipt", "apikey", "api_key", "password"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// MaskPayload returns a copy of a boundary payload with every
// sensitive-named string field redacted. Used before debug-logging raw
// requests.
func MaskPayload(raw map[string]any) map[string]any {
	masked := make(map[string]any, len(raw))
	for key, value := range raw {
		if s, ok := value.(string); ok && sensitiveKey(key) {
			masked[key] = MaskSensitive(s)
			continue
		}
		masked[key] = value
	}
	return masked
}
