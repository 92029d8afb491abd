// keys.go implements the signed-in account's key endpoints: view, issue, refresh
// and long-poll for completion, one tier at a time.
package portal

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddc-api/keyportal/internal/completion"
	"github.com/ddc-api/keyportal/internal/db/models"
	"github.com/ddc-api/keyportal/internal/keys"
	"github.com/ddc-api/keyportal/internal/middleware"
)

// KeyView is the JSON shape of one (account, tier) slot. DisplayKey is the complete
// key once the bot has completed it, otherwise the partial key; both are empty when
// no record exists.
type KeyView struct {
	Tier               models.Tier `json:"tier"`
	State              keys.State  `json:"state"`
	Name               string      `json:"name,omitempty"`
	DisplayKey         string      `json:"display_key,omitempty"`
	PartialKey         string      `json:"partial_key,omitempty"`
	Complete           bool        `json:"complete"`
	CompletionRequired bool        `json:"completion_required"`
	CompletionLink     string      `json:"completion_link,omitempty"`
	CreatedAt          *time.Time  `json:"created_at,omitempty"`
}

// WaitView is returned by the long-poll endpoint.
type WaitView struct {
	KeyView
	TimedOut bool `json:"timed_out"`
}

// IssueRequest is the body of POST /api/v1/keys/:tier.
type IssueRequest struct {
	Name string `json:"name" binding:"required"`
}

// KeyHandlers serves /api/v1/keys.
type KeyHandlers struct {
	svc     *keys.Service
	broker  completion.Broker
	maxWait time.Duration
}

// NewKeyHandlers creates the key handlers. broker may be nil, in which case
// waiters rely on polling alone.
func NewKeyHandlers(svc *keys.Service, broker completion.Broker, maxWait time.Duration) *KeyHandlers {
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &KeyHandlers{svc: svc, broker: broker, maxWait: maxWait}
}

func (h *KeyHandlers) view(account *models.Account, tier models.Tier, record *models.KeyRecord) KeyView {
	v := KeyView{Tier: tier}
	if record != nil {
		created := record.CreatedAt
		v.Name = record.Name
		v.PartialKey = record.PartialKey
		v.CreatedAt = &created
		v.DisplayKey = keys.DisplayKey(record)
	}
	v.State = keys.StateOf(record)
	v.Complete = keys.IsComplete(record)
	v.CompletionRequired = v.State == keys.StatePartial
	// The bot link is only useful while a partial key is waiting for it.
	if v.CompletionRequired {
		v.CompletionLink = h.svc.CompletionLink(account)
	}
	return v
}

// requestContext resolves the session account and the :tier path parameter,
// writing the error response itself when either is missing.
func requestContext(c *gin.Context) (*models.Account, models.Tier, bool) {
	account, ok := middleware.AccountFromContext(c)
	if !ok {
		RespondProblem(c, http.StatusUnauthorized, "unauthorized", "Sign in to manage your keys.")
		return nil, "", false
	}
	tier, err := models.ParseTier(c.Param("tier"))
	if err != nil {
		RespondProblem(c, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, "", false
	}
	return account, tier, true
}

// @Summary      List keys
// @Description  Returns the signed-in account's key slot for every tier.
// @Tags         Keys
// @Produce      json
// @Success      200  {object}  Envelope  "data: []KeyView"
// @Failure      403  {object}  Envelope  "permission_denied with remediation_url"
// @Failure      503  {object}  Envelope  "storage_unavailable"
// @Router       /api/v1/keys [get]
// ListHandler returns both tiers.
// GET /api/v1/keys
func (h *KeyHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := middleware.AccountFromContext(c)
		if !ok {
			RespondProblem(c, http.StatusUnauthorized, "unauthorized", "Sign in to manage your keys.")
			return
		}

		views := make([]KeyView, 0, len(models.Tiers))
		for _, tier := range models.Tiers {
			record, err := h.svc.Lookup(c.Request.Context(), account, tier)
			if err != nil {
				RespondError(c, err)
				return
			}
			views = append(views, h.view(account, tier, record))
		}
		Respond(c, http.StatusOK, views)
	}
}

// @Summary      Get key
// @Description  Returns the signed-in account's key slot for one tier. A missing record is state no_record, not an error.
// @Tags         Keys
// @Produce      json
// @Param        tier  path  string  true  "stable or beta"
// @Success      200  {object}  Envelope  "data: KeyView"
// @Failure      400  {object}  Envelope  "unknown tier"
// @Failure      403  {object}  Envelope  "permission_denied with remediation_url"
// @Failure      503  {object}  Envelope  "storage_unavailable"
// @Router       /api/v1/keys/{tier} [get]
// GetHandler looks up one tier.
// GET /api/v1/keys/:tier
func (h *KeyHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, tier, ok := requestContext(c)
		if !ok {
			return
		}
		record, err := h.svc.Lookup(c.Request.Context(), account, tier)
		if err != nil {
			RespondError(c, err)
			return
		}
		Respond(c, http.StatusOK, h.view(account, tier, record))
	}
}

// @Summary      Issue key
// @Description  Creates the partial key for the tier, or returns the existing record unchanged. Idempotent and safe under concurrent submits.
// @Tags         Keys
// @Accept       json
// @Produce      json
// @Param        tier  path  string        true  "stable or beta"
// @Param        body  body  IssueRequest  true  "Key name"
// @Success      201  {object}  Envelope  "data: KeyView (newly issued)"
// @Success      200  {object}  Envelope  "data: KeyView (already existed)"
// @Failure      400  {object}  Envelope  "invalid name or tier"
// @Failure      403  {object}  Envelope  "permission_denied with remediation_url"
// @Failure      503  {object}  Envelope  "storage_unavailable"
// @Router       /api/v1/keys/{tier} [post]
// IssueHandler issues a key.
// POST /api/v1/keys/:tier
func (h *KeyHandlers) IssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, tier, ok := requestContext(c)
		if !ok {
			return
		}

		var req IssueRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
			RespondProblem(c, http.StatusBadRequest, "invalid_request", keys.ErrInvalidName.Error())
			return
		}

		record, created, err := h.svc.Issue(c.Request.Context(), account, tier, req.Name)
		if err != nil {
			RespondError(c, err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		Respond(c, status, h.view(account, tier, record))
	}
}

// @Summary      Refresh key
// @Description  Re-reads the tier's record from the store to pick up a completion.
// @Tags         Keys
// @Produce      json
// @Param        tier  path  string  true  "stable or beta"
// @Success      200  {object}  Envelope  "data: KeyView"
// @Router       /api/v1/keys/{tier}/refresh [post]
// RefreshHandler re-reads the record.
// POST /api/v1/keys/:tier/refresh
func (h *KeyHandlers) RefreshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, tier, ok := requestContext(c)
		if !ok {
			return
		}
		record, err := h.svc.Refresh(c.Request.Context(), account, tier)
		if err != nil {
			RespondError(c, err)
			return
		}
		Respond(c, http.StatusOK, h.view(account, tier, record))
	}
}

// parseWait reads ?timeout= as a Go duration or whole seconds, capped at max.
func parseWait(raw string, max time.Duration) (time.Duration, bool) {
	if raw == "" {
		return max, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, false
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, false
	}
	return min(d, max), true
}

// @Summary      Wait for completion
// @Description  Long-polls until the tier's key is completed by the bot or the timeout elapses. Returns the latest state either way.
// @Tags         Keys
// @Produce      json
// @Param        tier     path   string  true   "stable or beta"
// @Param        timeout  query  string  false  "Maximum wait, e.g. 30s (capped by keys.max_wait)"
// @Success      200  {object}  Envelope  "data: WaitView"
// @Router       /api/v1/keys/{tier}/wait [get]
// WaitHandler long-polls for completion.
// GET /api/v1/keys/:tier/wait?timeout=30s
func (h *KeyHandlers) WaitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, tier, ok := requestContext(c)
		if !ok {
			return
		}
		wait, ok := parseWait(c.Query("timeout"), h.maxWait)
		if !ok {
			RespondProblem(c, http.StatusBadRequest, "invalid_request", "timeout must be a positive duration such as 30s")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()

		var wake <-chan struct{}
		if h.broker != nil {
			events, unsubscribe := h.broker.Subscribe(account.ID)
			defer unsubscribe()
			wake = completion.Wake(ctx, events)
		}

		record, err := h.svc.AwaitCompletion(ctx, account, tier, wake)
		if err != nil {
			RespondError(c, err)
			return
		}
		Respond(c, http.StatusOK, WaitView{
			KeyView:  h.view(account, tier, record),
			TimedOut: record != nil && !keys.IsComplete(record),
		})
	}
}
