package util

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// WritablePath returns the cleaned WRITABLE_PATH environment variable when it is set.
func WritablePath() string {
	for _, key := range []string{"WRITABLE_PATH", "writable_path"} {
		if value, ok := os.LookupEnv(key); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return filepath.Clean(trimmed)
			}
		}
	}
	return ""
}

// HideAPIKey obscures a credential for logging, keeping only a few edge characters.
// Stripe-style keys keep their mode prefix (sk_live_, rk_test_, whsec_) visible.
func HideAPIKey(apiKey string) string {
	prefix := ""
	for _, p := range []string{"sk_live_", "sk_test_", "rk_live_", "rk_test_", "whsec_", "cpb_"} {
		if strings.HasPrefix(apiKey, p) {
			prefix = p
			apiKey = strings.TrimPrefix(apiKey, p)
			break
		}
	}
	switch {
	case len(apiKey) > 8:
		return prefix + apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
	case len(apiKey) > 4:
		return prefix + apiKey[:2] + "..." + apiKey[len(apiKey)-2:]
	case len(apiKey) > 2:
		return prefix + apiKey[:1] + "..." + apiKey[len(apiKey)-1:]
	}
	return prefix + apiKey
}

// MaskSensitiveQuery masks credential-like query parameters within a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart, valuePart, _ := strings.Cut(part, "=")
		decodedKey, errKey := url.QueryUnescape(keyPart)
		if errKey != nil {
			decodedKey = keyPart
		}
		if !shouldMaskQueryParam(decodedKey) {
			continue
		}
		decodedValue, errValue := url.QueryUnescape(valuePart)
		if errValue != nil {
			decodedValue = valuePart
		}
		parts[i] = keyPart + "=" + url.QueryEscape(HideAPIKey(strings.TrimSpace(decodedValue)))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

func shouldMaskQueryParam(key string) bool {
	key = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(key)), "[]")
	if key == "" {
		return false
	}
	if key == "key" || strings.Contains(key, "api-key") || strings.Contains(key, "apikey") || strings.Contains(key, "api_key") {
		return true
	}
	return strings.Contains(key, "token") || strings.Contains(key, "secret")
}
