// webhook.go provides middleware for authenticating completion bot callbacks.
// The bot sends a shared secret in the X-Completion-Secret header; the server only
// knows its bcrypt hash. This scheme is independent of the session chain and is
// never accepted on browser routes.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddc-api/keyportal/internal/auth"
)

// WebhookSecretHeader carries the bot's shared secret.
const WebhookSecretHeader = "X-Completion-Secret"

// attemptLimiter tracks per-IP failed attempt counts to prevent brute-force
// attacks on the shared secret. Allows webhookMaxFailures per window per IP.
type attemptLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newAttemptLimiter() *attemptLimiter {
	return &attemptLimiter{
		failures: make(map[string][]time.Time),
	}
}

const (
	webhookMaxFailures = 5
	webhookRateWindow  = time.Minute
)

func (rl *attemptLimiter) recent(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-webhookRateWindow)
	recent := make([]time.Time, 0, len(rl.failures[ip]))
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}
	return recent
}

// allow returns true if the IP has not exceeded the failure limit.
func (rl *attemptLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.recent(ip, time.Now())) < webhookMaxFailures
}

// fail records a failed attempt.
func (rl *attemptLimiter) fail(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	rl.failures[ip] = append(rl.recent(ip, now), now)
}

// WebhookSecretMiddleware validates the completion bot's shared secret. It checks that:
//  1. The IP has not failed too often recently (returns 429 if it has).
//  2. The X-Completion-Secret header is present.
//  3. The secret matches secretHash.
//
// On success it calls c.Next(); nothing is stored in the gin context.
func WebhookSecretMiddleware(secretHash string) gin.HandlerFunc {
	limiter := newAttemptLimiter()

	return func(c *gin.Context) {
		// 1. Rate limit check before doing any bcrypt work
		clientIP := c.ClientIP()
		if !limiter.allow(clientIP) {
			slog.Warn("webhook middleware: too many failed attempts", "ip", clientIP)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"data":  nil,
				"error": gin.H{"kind": "rate_limited", "message": "Too many failed attempts. Try again in one minute."},
			})
			return
		}

		// 2. Extract secret
		provided := strings.TrimSpace(c.GetHeader(WebhookSecretHeader))
		if provided == "" {
			limiter.fail(clientIP)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"data":  nil,
				"error": gin.H{"kind": "unauthorized", "message": WebhookSecretHeader + " header required"},
			})
			return
		}

		// 3. Verify against bcrypt hash
		if !auth.ValidateSecret(provided, secretHash) {
			limiter.fail(clientIP)
			slog.Warn("webhook middleware: invalid secret", "ip", clientIP)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"data":  nil,
				"error": gin.H{"kind": "unauthorized", "message": "Invalid webhook secret"},
			})
			return
		}

		c.Next()
	}
}
