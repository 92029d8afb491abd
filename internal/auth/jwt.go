// Package auth - jwt.go issues and verifies the portal's session tokens. A session
// token is an HS256 JWT naming the account that signed in through the identity
// provider; the key endpoints trust it instead of re-running the OIDC flow.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ddc-api/keyportal/internal/db/models"
)

const (
	// DefaultTokenTTL is used when the configured TTL is zero.
	DefaultTokenTTL = 8 * time.Hour
	// DefaultIssuer is the iss claim when none is configured.
	DefaultIssuer = "ddc-portal"

	minSecretLength = 32
)

// ErrMissingSecret is returned outside development mode when no signing secret is configured.
var ErrMissingSecret = errors.New("SECURITY ERROR: DDC_JWT_SECRET is required in production. " +
	"Generate a secure secret with: openssl rand -hex 32")

// Claims represents the session token claims.
type Claims struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Account returns the account the claims were issued for.
func (c *Claims) Account() *models.Account {
	return &models.Account{ID: c.AccountID, Email: c.Email, DisplayName: c.Name}
}

// TokenManager signs and validates session tokens with a shared secret.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// isDevMode checks if we're in development mode
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	nodeEnv := os.Getenv("NODE_ENV")
	ginMode := os.Getenv("GIN_MODE")

	return devMode == "true" || devMode == "1" ||
		nodeEnv == "development" ||
		ginMode == "debug"
}

// generateRandomSecret creates a cryptographically secure random secret
func generateRandomSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a less secure but functional secret
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// NewTokenManager validates the signing secret and returns a manager. In
// development mode an empty secret is replaced with a random one; in production
// it is an error.
func NewTokenManager(secret, issuer string, ttl time.Duration) (*TokenManager, error) {
	if secret == "" {
		if !isDevMode() {
			return nil, ErrMissingSecret
		}
		secret = generateRandomSecret()
		slog.Warn("DDC_JWT_SECRET not set, using auto-generated secret for development; sessions will not persist across restarts")
	} else if len(secret) < minSecretLength {
		slog.Warn("DDC_JWT_SECRET is shorter than recommended", "min_length", minSecretLength)
	}

	if issuer == "" {
		issuer = DefaultIssuer
	}
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}

	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL returns the lifetime of tokens issued by m.
func (m *TokenManager) TTL() time.Duration {
	return m.ttl
}

// Generate creates a session token for an authenticated account.
func (m *TokenManager) Generate(account *models.Account) (string, error) {
	if account == nil || account.ID == "" || account.Email == "" {
		return "", errors.New("account id and email are required")
	}

	now := m.now()
	claims := &Claims{
		AccountID: account.ID,
		Email:     account.Email,
		Name:      account.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   account.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Validate parses and validates a session token.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))

	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if claims.AccountID == "" || claims.Email == "" {
		return nil, errors.New("token is missing account claims")
	}

	return claims, nil
}
