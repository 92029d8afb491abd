// Package webhooks handles inbound callbacks from the completion bot. After the bot
// has finished a user's key out of band it posts the complete key here; the handler
// records it through keys.Service so waiting portal sessions are woken. Requests are
// authenticated by middleware.WebhookSecretMiddleware before reaching this package.
package webhooks

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddc-api/keyportal/internal/api/portal"
	"github.com/ddc-api/keyportal/internal/db/models"
	"github.com/ddc-api/keyportal/internal/keys"
	"github.com/ddc-api/keyportal/internal/middleware"
)

const accountLookupTimeout = 5 * time.Second

// AccountLookup resolves the account named in a callback.
// *repositories.AccountRepository implements it.
type AccountLookup interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// CompletionRequest is the callback body.
type CompletionRequest struct {
	AccountID   string `json:"account_id" binding:"required"`
	Tier        string `json:"tier" binding:"required"`
	CompleteKey string `json:"complete_api_key" binding:"required"`
}

// CompletionResponse acknowledges a recorded completion. The key itself is not echoed.
type CompletionResponse struct {
	AccountID string      `json:"account_id"`
	Tier      models.Tier `json:"tier"`
	State     keys.State  `json:"state"`
}

// CompletionHandler records bot completions
type CompletionHandler struct {
	svc      *keys.Service
	accounts AccountLookup
}

// NewCompletionHandler creates a new completion webhook handler
func NewCompletionHandler(svc *keys.Service, accounts AccountLookup) *CompletionHandler {
	return &CompletionHandler{svc: svc, accounts: accounts}
}

// @Summary      Receive key completion
// @Description  Called by the completion bot once it has finished a user's key. Authenticated with the X-Completion-Secret header.
// @Description  Repeating a completion with the same key is a no-op; a different key for an already complete record is rejected.
// @Tags         Webhooks
// @Accept       json
// @Produce      json
// @Param        X-Completion-Secret  header  string             true  "Shared secret"
// @Param        body                 body    CompletionRequest  true  "Completion"
// @Success      200  {object}  portal.Envelope  "data: CompletionResponse"
// @Failure      400  {object}  portal.Envelope  "Malformed body or unknown tier"
// @Failure      401  {object}  portal.Envelope  "Missing or invalid secret"
// @Failure      404  {object}  portal.Envelope  "Unknown account or no partial key to complete"
// @Failure      409  {object}  portal.Envelope  "Already completed with a different key"
// @Failure      422  {object}  portal.Envelope  "Complete key does not extend the partial key"
// @Failure      503  {object}  portal.Envelope  "Key store unavailable; retry"
// @Router       /api/v1/webhooks/completion [post]
// HandleCompletion processes a completion callback
// POST /api/v1/webhooks/completion
func (h *CompletionHandler) HandleCompletion(c *gin.Context) {
	var req CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		portal.RespondProblem(c, http.StatusBadRequest, "invalid_request", "body must contain account_id, tier and complete_api_key")
		return
	}

	tier, err := models.ParseTier(req.Tier)
	if err != nil {
		portal.RespondProblem(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), accountLookupTimeout)
	account, err := h.accounts.GetByID(ctx, strings.TrimSpace(req.AccountID))
	cancel()
	if err != nil {
		slog.Error("completion webhook: failed to load account", "account_id", req.AccountID, "error", err,
			"request_id", middleware.RequestID(c))
		portal.RespondProblem(c, http.StatusServiceUnavailable, string(keys.KindStorageUnavailable), "Account lookup failed; retry later.")
		return
	}
	if account == nil {
		portal.RespondProblem(c, http.StatusNotFound, "unknown_account", "No account with this id has signed in to the portal.")
		return
	}

	record, err := h.svc.Complete(c.Request.Context(), account, tier, req.CompleteKey)
	if err != nil {
		slog.Warn("completion webhook rejected", "account_id", account.ID, "tier", tier, "error", err)
		portal.RespondError(c, err)
		return
	}

	portal.Respond(c, http.StatusOK, CompletionResponse{
		AccountID: account.ID,
		Tier:      tier,
		State:     keys.StateOf(record),
	})
}
