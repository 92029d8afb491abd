// auth.go implements Google sign-in: login redirect, OAuth callback, logout and
// the current-account endpoint.
package portal

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/copier"

	"github.com/ddc-api/keyportal/internal/auth"
	"github.com/ddc-api/keyportal/internal/auth/oidc"
	"github.com/ddc-api/keyportal/internal/config"
	"github.com/ddc-api/keyportal/internal/crypto"
	"github.com/ddc-api/keyportal/internal/db/models"
	"github.com/ddc-api/keyportal/internal/middleware"
)

const (
	defaultStateCookieName = "ddc_oauth_state"
	defaultStateTTL        = 10 * time.Minute
	defaultExchangeTimeout = 15 * time.Second
	accountUpsertTimeout   = 5 * time.Second
	authCookiePath         = "/api/v1/auth"
)

// Authenticator is the identity provider. *oidc.OIDCProvider implements it.
type Authenticator interface {
	GetAuthURL(state string) string
	Authenticate(ctx context.Context, code string) (*oidc.UserInfo, error)
}

// AccountStore persists the provider's view of an account.
// *repositories.AccountRepository implements it.
type AccountStore interface {
	UpsertFromProvider(ctx context.Context, account *models.Account) (*models.Account, error)
}

// AccountView is the JSON shape of the signed-in account.
type AccountView struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// oauthState is sealed into the state cookie between login and callback.
type oauthState struct {
	State     string `json:"state"`
	ReturnTo  string `json:"return_to,omitempty"`
	ExpiresAt int64  `json:"expires_at"`
}

// AuthHandlers handles authentication-related endpoints
type AuthHandlers struct {
	cfg      *config.Config
	provider Authenticator
	accounts AccountStore
	tokens   *auth.TokenManager
	cipher   *crypto.TokenCipher
	now      func() time.Time
}

// NewAuthHandlers creates a new AuthHandlers instance. provider is nil when
// sign-in is disabled; login and callback then answer 503.
func NewAuthHandlers(cfg *config.Config, provider Authenticator, accounts AccountStore, tokens *auth.TokenManager, cipher *crypto.TokenCipher) *AuthHandlers {
	return &AuthHandlers{
		cfg:      cfg,
		provider: provider,
		accounts: accounts,
		tokens:   tokens,
		cipher:   cipher,
		now:      time.Now,
	}
}

// generateState generates a random state parameter
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (h *AuthHandlers) stateCookieName() string {
	if name := h.cfg.Auth.Session.StateCookieName; name != "" {
		return name
	}
	return defaultStateCookieName
}

func (h *AuthHandlers) stateTTL() time.Duration {
	if ttl := h.cfg.Auth.Session.StateTTL; ttl > 0 {
		return ttl
	}
	return defaultStateTTL
}

func (h *AuthHandlers) setCookie(c *gin.Context, name, value, path string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.Auth.Session.SecureCookies,
		// Lax so the cookie is sent on the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
	})
}

// safeReturnTo accepts only same-origin relative paths.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return ""
	}
	return raw
}

func (h *AuthHandlers) frontendBase() string {
	return strings.TrimRight(h.cfg.Server.GetFrontendURL(), "/")
}

// @Summary      Initiate Google sign-in
// @Description  Redirects the browser to the identity provider. The CSRF state is sealed into a short-lived cookie.
// @Tags         Authentication
// @Param        return_to  query  string  false  "Relative frontend path to land on after sign-in"
// @Success      302  {object}  string    "Redirects to the provider authorization URL"
// @Failure      503  {object}  Envelope  "Sign-in is not configured"
// @Router       /api/v1/auth/login [get]
// LoginHandler initiates the OAuth login flow
// GET /api/v1/auth/login?return_to=/keys
func (h *AuthHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.provider == nil {
			RespondProblem(c, http.StatusServiceUnavailable, "sign_in_unavailable", "Sign-in is not configured.")
			return
		}

		state, err := generateState()
		if err != nil {
			RespondProblem(c, http.StatusInternalServerError, "internal", "Failed to generate state")
			return
		}

		payload, err := json.Marshal(oauthState{
			State:     state,
			ReturnTo:  safeReturnTo(c.Query("return_to")),
			ExpiresAt: h.now().Add(h.stateTTL()).Unix(),
		})
		if err != nil {
			RespondProblem(c, http.StatusInternalServerError, "internal", "Failed to encode state")
			return
		}
		sealed, err := h.cipher.Seal(string(payload))
		if err != nil {
			slog.Error("failed to seal oauth state", "error", err)
			RespondProblem(c, http.StatusInternalServerError, "internal", "Failed to seal state")
			return
		}

		h.setCookie(c, h.stateCookieName(), sealed, authCookiePath, int(h.stateTTL().Seconds()))
		c.Redirect(http.StatusFound, h.provider.GetAuthURL(state))
	}
}

// readState opens and validates the state cookie against the state query value.
func (h *AuthHandlers) readState(c *gin.Context) (*oauthState, string) {
	sealed, err := c.Cookie(h.stateCookieName())
	if err != nil || sealed == "" {
		return nil, "invalid_state"
	}
	plain, err := h.cipher.Open(sealed)
	if err != nil {
		return nil, "invalid_state"
	}
	var st oauthState
	if err := json.Unmarshal([]byte(plain), &st); err != nil {
		return nil, "invalid_state"
	}
	if subtle.ConstantTimeCompare([]byte(st.State), []byte(c.Query("state"))) != 1 {
		return nil, "invalid_state"
	}
	if h.now().Unix() > st.ExpiresAt {
		return nil, "state_expired"
	}
	return &st, ""
}

// @Summary      OAuth callback handler
// @Description  Exchanges the authorization code, records the account, sets the session cookie and redirects to the frontend. Failures redirect to /auth/callback with error and error_description.
// @Tags         Authentication
// @Param        code   query  string  true  "Authorization code from the provider"
// @Param        state  query  string  true  "State parameter for CSRF validation"
// @Success      302  {object}  string  "Redirects to the frontend"
// @Router       /api/v1/auth/callback [get]
// CallbackHandler handles OAuth callback
// GET /api/v1/auth/callback?code=...&state=...
func (h *AuthHandlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		frontendBase := h.frontendBase()

		callbackError := func(errCode, description string) {
			slog.Warn("sign-in failed", "reason", errCode, "request_id", middleware.RequestID(c))
			target := fmt.Sprintf(
				"%s/auth/callback?error=%s&error_description=%s",
				frontendBase,
				url.QueryEscape(errCode),
				url.QueryEscape(description),
			)
			c.Redirect(http.StatusFound, target)
		}

		if h.provider == nil {
			callbackError("provider_not_configured", "Sign-in is not configured.")
			return
		}

		st, problem := h.readState(c)
		// The state is single use whatever the outcome.
		h.setCookie(c, h.stateCookieName(), "", authCookiePath, -1)
		switch problem {
		case "invalid_state":
			callbackError(problem, "Invalid state parameter. Please try logging in again.")
			return
		case "state_expired":
			callbackError(problem, "Login session expired. Please try logging in again.")
			return
		}

		if providerErr := c.Query("error"); providerErr != "" {
			callbackError(providerErr, "Sign-in was cancelled or refused by the identity provider.")
			return
		}
		code := c.Query("code")
		if code == "" {
			callbackError("missing_code", "The identity provider did not return an authorization code.")
			return
		}

		exchangeTimeout := h.cfg.Auth.OIDC.ExchangeTimeout
		if exchangeTimeout <= 0 {
			exchangeTimeout = defaultExchangeTimeout
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), exchangeTimeout)
		info, err := h.provider.Authenticate(ctx, code)
		cancel()
		if err != nil {
			slog.Warn("oidc authentication failed", "error", err)
			callbackError("authentication_failed", "Google sign-in could not be completed. Please try again.")
			return
		}

		ctx, cancel = context.WithTimeout(c.Request.Context(), accountUpsertTimeout)
		account, err := h.accounts.UpsertFromProvider(ctx, info.Account())
		cancel()
		if err != nil {
			slog.Error("failed to record account", "account_id", info.Subject, "error", err)
			callbackError("account_unavailable", "Your account could not be loaded right now. Please try again.")
			return
		}

		token, err := h.tokens.Generate(account)
		if err != nil {
			slog.Error("failed to issue session token", "account_id", account.ID, "error", err)
			callbackError("session_failed", "Failed to start your session.")
			return
		}
		h.setCookie(c, middleware.SessionCookieName, token, "/", int(h.tokens.TTL().Seconds()))

		slog.Info("account signed in", "account_id", account.ID)
		target := st.ReturnTo
		if target == "" {
			target = "/"
		}
		c.Redirect(http.StatusFound, frontendBase+target)
	}
}

// @Summary      Sign out
// @Description  Clears the session cookie and redirects to the frontend.
// @Tags         Authentication
// @Success      302  {object}  string  "Redirects to the frontend"
// @Router       /api/v1/auth/logout [get]
// LogoutHandler clears the session. Mount it behind OptionalAuthMiddleware.
// GET /api/v1/auth/logout
func (h *AuthHandlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Logout works without a valid session; OptionalAuthMiddleware only names the account.
		if account, ok := middleware.AccountFromContext(c); ok {
			slog.Info("account signed out", "account_id", account.ID, "request_id", middleware.RequestID(c))
		}
		h.setCookie(c, middleware.SessionCookieName, "", "/", -1)
		c.Redirect(http.StatusFound, h.frontendBase()+"/")
	}
}

// @Summary      Get current account
// @Tags         Authentication
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  Envelope  "data: AccountView"
// @Failure      401  {object}  Envelope  "Not signed in"
// @Router       /api/v1/auth/me [get]
// MeHandler returns the signed-in account.
// GET /api/v1/auth/me
func (h *AuthHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := middleware.AccountFromContext(c)
		if !ok {
			RespondProblem(c, http.StatusUnauthorized, "unauthorized", "User not authenticated")
			return
		}
		var view AccountView
		if err := copier.Copy(&view, account); err != nil {
			RespondProblem(c, http.StatusInternalServerError, "internal", "Failed to render account")
			return
		}
		Respond(c, http.StatusOK, view)
	}
}
