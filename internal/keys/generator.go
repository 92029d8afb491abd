package keys

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ddc-api/keyportal/internal/db/models"
)

const (
	// KeyPrefix starts every issued key.
	KeyPrefix = "ddc"

	// BetaTag follows KeyPrefix on beta-tier keys. Stable keys carry no tag.
	BetaTag = "beta"

	// TokenLength is the number of random characters in a partial key.
	TokenLength = 10

	// Placeholder is the literal suffix of a partial key. It is not a secret; the
	// completion bot replaces it with the real suffix.
	Placeholder = "xxx"

	tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// partialKeyPattern matches both tiers' partial key format.
var partialKeyPattern = regexp.MustCompile(`^ddc-(beta-)?[a-z0-9]{10}-xxx$`)

// IsPartialKey reports whether s has the partial key shape.
func IsPartialKey(s string) bool {
	return partialKeyPattern.MatchString(s)
}

// keyBase returns "ddc-" for stable and "ddc-beta-" for beta.
func keyBase(tier models.Tier) string {
	if tier == models.TierBeta {
		return KeyPrefix + "-" + BetaTag + "-"
	}
	return KeyPrefix + "-"
}

// GeneratePartialKey returns a new partial key for tier:
//
//	stable: ddc-<10 chars>-xxx
//	beta:   ddc-beta-<10 chars>-xxx
func GeneratePartialKey(tier models.Tier) (string, error) {
	return generatePartialKey(rand.Reader, tier)
}

func generatePartialKey(r io.Reader, tier models.Tier) (string, error) {
	if !tier.Valid() {
		return "", ErrInvalidTier
	}
	token, err := randomToken(r, TokenLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate key token: %w", err)
	}
	return keyBase(tier) + token + "-" + Placeholder, nil
}

// randomToken draws n characters uniformly from tokenAlphabet. Bytes at or above the
// largest multiple of the alphabet size are rejected so no character is favored.
func randomToken(r io.Reader, n int) (string, error) {
	const limit = 256 - 256%len(tokenAlphabet)

	var sb strings.Builder
	sb.Grow(n)
	buf := make([]byte, n+n/2)
	for sb.Len() < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			sb.WriteByte(tokenAlphabet[int(b)%len(tokenAlphabet)])
			if sb.Len() == n {
				break
			}
		}
	}
	return sb.String(), nil
}

// completionStem is the part of a partial key the complete key must start with.
func completionStem(partialKey string) string {
	return strings.TrimSuffix(partialKey, Placeholder)
}

// validateCompleteKey checks that completeKey is partialKey with the placeholder
// replaced by a non-empty, non-placeholder suffix.
func validateCompleteKey(partialKey, completeKey string) error {
	stem := completionStem(partialKey)
	if !strings.HasPrefix(completeKey, stem) {
		return ErrCompleteKeyMismatch
	}
	suffix := strings.TrimPrefix(completeKey, stem)
	if suffix == "" || suffix == Placeholder || strings.ContainsAny(suffix, " \t\r\n") {
		return ErrCompleteKeyMismatch
	}
	return nil
}
