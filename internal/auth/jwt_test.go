package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ddc-api/keyportal/internal/db/models"
)

const testSecret = "test-jwt-secret-that-is-32-chars-!"

func testAccount() *models.Account {
	return &models.Account{ID: "108234567890", Email: "dev@example.com", DisplayName: "Dev"}
}

func TestNewTokenManager(t *testing.T) {
	t.Run("valid secret", func(t *testing.T) {
		m, err := NewTokenManager(testSecret, "", 0)
		if err != nil {
			t.Fatalf("NewTokenManager() unexpected error: %v", err)
		}
		if m.issuer != DefaultIssuer {
			t.Errorf("issuer = %q, want %q", m.issuer, DefaultIssuer)
		}
		if m.TTL() != DefaultTokenTTL {
			t.Errorf("TTL() = %v, want %v", m.TTL(), DefaultTokenTTL)
		}
	})

	t.Run("production mode requires secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "")
		t.Setenv("NODE_ENV", "")
		t.Setenv("GIN_MODE", "release")
		_, err := NewTokenManager("", "", 0)
		if !errors.Is(err, ErrMissingSecret) {
			t.Errorf("NewTokenManager() error = %v, want ErrMissingSecret", err)
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "true")
		m, err := NewTokenManager("", "", 0)
		if err != nil {
			t.Fatalf("NewTokenManager() unexpected error in dev mode: %v", err)
		}
		if len(m.secret) == 0 {
			t.Error("dev mode secret is empty")
		}
	})
}

func TestGenerateAndValidate(t *testing.T) {
	m, err := NewTokenManager(testSecret, "ddc-portal", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager() error: %v", err)
	}

	t.Run("round trip", func(t *testing.T) {
		token, err := m.Generate(testAccount())
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		claims, err := m.Validate(token)
		if err != nil {
			t.Fatalf("Validate() error: %v", err)
		}
		if claims.AccountID != "108234567890" {
			t.Errorf("claims.AccountID = %q", claims.AccountID)
		}
		if claims.Email != "dev@example.com" {
			t.Errorf("claims.Email = %q", claims.Email)
		}
		if claims.Subject != claims.AccountID {
			t.Errorf("claims.Subject = %q, want account id", claims.Subject)
		}
		account := claims.Account()
		if account.DisplayName != "Dev" {
			t.Errorf("Account().DisplayName = %q, want Dev", account.DisplayName)
		}
	})

	t.Run("account without email is refused", func(t *testing.T) {
		if _, err := m.Generate(&models.Account{ID: "x"}); err == nil {
			t.Error("Generate() expected error for account without email")
		}
		if _, err := m.Generate(nil); err == nil {
			t.Error("Generate() expected error for nil account")
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		past := &TokenManager{secret: m.secret, issuer: m.issuer, ttl: time.Hour,
			now: func() time.Time { return time.Now().Add(-2 * time.Hour) }}
		token, err := past.Generate(testAccount())
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		if _, err := m.Validate(token); err == nil {
			t.Error("Validate() expected error for expired token, got nil")
		}
	})

	t.Run("invalid token string", func(t *testing.T) {
		if _, err := m.Validate("not.a.valid.token"); err == nil {
			t.Error("Validate() expected error for garbage token, got nil")
		}
		if _, err := m.Validate(""); err == nil {
			t.Error("Validate() expected error for empty token, got nil")
		}
	})

	t.Run("token signed with different secret is rejected", func(t *testing.T) {
		other, err := NewTokenManager("completely-different-secret-32ch!", "ddc-portal", time.Hour)
		if err != nil {
			t.Fatalf("NewTokenManager() error: %v", err)
		}
		token, err := other.Generate(testAccount())
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		if _, err := m.Validate(token); err == nil {
			t.Error("Validate() expected error for token signed with different secret, got nil")
		}
	})

	t.Run("token from another issuer is rejected", func(t *testing.T) {
		other, _ := NewTokenManager(testSecret, "someone-else", time.Hour)
		token, err := other.Generate(testAccount())
		if err != nil {
			t.Fatalf("Generate() error: %v", err)
		}
		if _, err := m.Validate(token); err == nil {
			t.Error("Validate() expected error for foreign issuer, got nil")
		}
	})

	t.Run("none algorithm is rejected", func(t *testing.T) {
		claims := &Claims{AccountID: "a", Email: "a@example.com",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "ddc-portal",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("SignedString() error: %v", err)
		}
		if _, err := m.Validate(token); err == nil {
			t.Error("Validate() expected error for unsigned token, got nil")
		}
	})
}
