// secret.go generates and verifies the shared secret the completion bot presents
// on the webhook. Only the bcrypt hash is configured on the server.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// SecretLength is the length of the random part of a generated secret in bytes
	SecretLength = 32

	// SecretPrefix marks generated webhook secrets in logs and config diffs
	SecretPrefix = "ddcwh"

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// GenerateSecret creates a new random shared secret.
// Returns: secret (to hand to the bot operator once) and its bcrypt hash (to configure)
func GenerateSecret() (secret string, hash string, err error) {
	randomBytes := make([]byte, SecretLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	secret = fmt.Sprintf("%s_%s", SecretPrefix, base64.RawURLEncoding.EncodeToString(randomBytes))
	hash, err = HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return secret, hash, nil
}

// HashSecret returns the bcrypt hash of secret.
func HashSecret(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("secret must not be empty")
	}
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashBytes), nil
}

// ValidateSecret checks if a provided secret matches the stored hash
func ValidateSecret(provided, storedHash string) bool {
	if provided == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(provided)) == nil
}
