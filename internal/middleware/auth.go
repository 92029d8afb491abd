// Package middleware provides Gin HTTP middleware for session authentication,
// rate limiting, security headers, request IDs, webhook secrets and metrics.
//
// Ordering is enforced in router.go. Security headers and request IDs run on
// every route so they appear on error responses too. On the sign-in routes the
// rate limiter runs before any token handling and keys on the client IP. On the
// key routes auth runs first so the limiter keys on the signed-in account.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ddc-api/keyportal/internal/auth"
	"github.com/ddc-api/keyportal/internal/db/models"
)

const (
	// AccountKey is the gin.Context key holding the *models.Account of the session.
	AccountKey = "account"
	// AccountIDKey is the gin.Context key holding the account ID string.
	AccountIDKey = "account_id"
	// AuthMethodKey records whether the session came from a header or a cookie.
	AuthMethodKey = "auth_method"

	// SessionCookieName is the cookie set by the login callback.
	SessionCookieName = "ddc_session"
)

// TokenValidator is satisfied by *auth.TokenManager.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// sessionToken returns the bearer token or session cookie and how it was supplied.
// A malformed Authorization header is reported as an error message.
func sessionToken(c *gin.Context) (token, method, problem string) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", "", "Authorization header must start with 'Bearer '"
		}
		token = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			return "", "", "Authorization token is empty"
		}
		return token, "bearer", ""
	}
	if cookie, err := c.Cookie(SessionCookieName); err == nil && cookie != "" {
		return cookie, "cookie", ""
	}
	return "", "", "Missing authorization header"
}

// AuthMiddleware requires a valid session token and stores the account in the context.
func AuthMiddleware(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, method, problem := sessionToken(c)
		if problem != "" {
			abortUnauthorized(c, problem)
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			abortUnauthorized(c, "Invalid credentials")
			return
		}

		setAccount(c, claims.Account(), method)
		c.Next()
	}
}

// abortUnauthorized writes the 401 in the {data, error} envelope the API uses.
func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"data":  nil,
		"error": gin.H{"kind": "unauthorized", "message": message, "retryable": false},
	})
}

// OptionalAuthMiddleware - same as AuthMiddleware but doesn't abort if no auth
func OptionalAuthMiddleware(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, method, problem := sessionToken(c)
		if problem == "" {
			if claims, err := tokens.Validate(token); err == nil {
				setAccount(c, claims.Account(), method)
			}
		}
		c.Next()
	}
}

func setAccount(c *gin.Context, account *models.Account, method string) {
	c.Set(AccountKey, account)
	c.Set(AccountIDKey, account.ID)
	c.Set(AuthMethodKey, method)
}

// AccountFromContext returns the authenticated account, if any.
func AccountFromContext(c *gin.Context) (*models.Account, bool) {
	v, exists := c.Get(AccountKey)
	if !exists {
		return nil, false
	}
	account, ok := v.(*models.Account)
	return account, ok && account != nil
}
