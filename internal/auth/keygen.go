package auth

import (
	"crypto/rand"
	"fmt"

	"github.com/tokenguard/gateway/internal/models"
)

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateKeyValue returns a fresh key secret: "tk-" + 32 random
// alphanumeric characters.
func GenerateKeyValue() (string, error) {
	body := make([]byte, models.KeyLength-len(models.KeyPrefix))
	if _, err := rand.Read(body); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	for i, b := range body {
		body[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return models.KeyPrefix + string(body), nil
}
