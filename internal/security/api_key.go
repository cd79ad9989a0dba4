package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// apiKeyPrefix is the prefix used for generated API keys.
const apiKeyPrefix = "cpb_"

// GenerateAPIKey creates a new random API key string.
func GenerateAPIKey() (token string, err error) {
	secret := make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	token = apiKeyPrefix + hex.EncodeToString(secret)
	return token, nil
}

// MaskAPIKey keeps the prefix and last four characters of key.
func MaskAPIKey(key string) string {
	if len(key) <= len(apiKeyPrefix)+8 {
		return apiKeyPrefix + "****"
	}
	return key[:len(apiKeyPrefix)+4] + "****" + key[len(key)-4:]
}
