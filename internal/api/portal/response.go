// Package portal implements the browser-facing HTTP API: Google sign-in and the
// per-tier key endpoints. Every JSON body uses the same envelope,
//
//	{"data": <payload or null>, "error": <ErrorBody or null>}
//
// so the frontend can render a credential, a retry prompt or a remediation
// action from one shape.
package portal

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ddc-api/keyportal/internal/keys"
	"github.com/ddc-api/keyportal/internal/middleware"
)

// storageRetryAfter is the Retry-After hint, in seconds, on storage_unavailable.
const storageRetryAfter = 5

// Envelope is the body of every JSON response.
type Envelope struct {
	Data  interface{} `json:"data"`
	Error *ErrorBody  `json:"error"`
}

// ErrorBody describes a failure. Kind is one of the keys.Kind values or a
// request-level kind such as "invalid_request" or "unauthorized".
type ErrorBody struct {
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	RemediationURL string `json:"remediation_url,omitempty"`
	Code           string `json:"code,omitempty"`
	Retryable      bool   `json:"retryable"`
	RequestID      string `json:"request_id,omitempty"`
}

// Respond writes a success envelope.
func Respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Data: data})
}

// RespondProblem aborts with a request-level error.
func RespondProblem(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, Envelope{Error: &ErrorBody{
		Kind:      kind,
		Message:   message,
		RequestID: middleware.RequestID(c),
	}})
}

// RespondError maps a keys package error to a status and envelope. Driver
// detail stays in the logs; only the normalized message and code are sent.
func RespondError(c *gin.Context, err error) {
	var keyErr *keys.Error
	switch {
	case errors.As(err, &keyErr):
		status := http.StatusServiceUnavailable
		if keyErr.Kind == keys.KindPermissionDenied {
			status = http.StatusForbidden
		} else {
			c.Header("Retry-After", strconv.Itoa(storageRetryAfter))
		}
		c.AbortWithStatusJSON(status, Envelope{Error: &ErrorBody{
			Kind:           string(keyErr.Kind),
			Message:        keyErr.Message,
			RemediationURL: keyErr.RemediationURL,
			Code:           keyErr.Code,
			Retryable:      keyErr.Retryable(),
			RequestID:      middleware.RequestID(c),
		}})
	case errors.Is(err, keys.ErrInvalidName), errors.Is(err, keys.ErrInvalidTier):
		RespondProblem(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, keys.ErrInvalidAccount):
		RespondProblem(c, http.StatusUnauthorized, "unauthorized", "Sign in again to continue.")
	case errors.Is(err, keys.ErrNoRecord):
		RespondProblem(c, http.StatusNotFound, "no_record", err.Error())
	case errors.Is(err, keys.ErrAlreadyCompleted):
		RespondProblem(c, http.StatusConflict, "already_completed", err.Error())
	case errors.Is(err, keys.ErrCompleteKeyMismatch):
		RespondProblem(c, http.StatusUnprocessableEntity, "complete_key_mismatch", err.Error())
	default:
		slog.Error("unhandled key service error", "path", c.FullPath(), "error", err)
		RespondProblem(c, http.StatusInternalServerError, "internal", "Something went wrong. Please try again.")
	}
}
