// errors.go defines the normalized error taxonomy returned by Service. Raw driver
// errors never leave this package; callers see a *Error carrying a Kind, a
// user-facing message, an optional remediation URL and an opaque diagnostic code.
package keys

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/ddc-api/keyportal/internal/db/repositories"
	"github.com/lib/pq"
)

// Kind classifies a credential store failure.
type Kind string

const (
	// KindPermissionDenied means the store rejected the operation because of its
	// access policy. It is user-actionable and carries a remediation URL.
	KindPermissionDenied Kind = "permission_denied"
	// KindStorageUnavailable is a transient connectivity failure. No data was lost.
	KindStorageUnavailable Kind = "storage_unavailable"
	// KindDuplicateIgnored is a lost insert race. Service resolves it by re-lookup
	// and never returns it.
	KindDuplicateIgnored Kind = "duplicate_ignored"
)

// Validation and state errors
var (
	ErrInvalidName         = errors.New("key name must not be empty")
	ErrInvalidTier         = errors.New("unknown key tier")
	ErrInvalidAccount      = errors.New("account must have an id and an email")
	ErrNoRecord            = errors.New("no key record exists for this account and tier")
	ErrAlreadyCompleted    = errors.New("key record is already complete with a different key")
	ErrCompleteKeyMismatch = errors.New("complete key does not extend the issued partial key")
)

// Error is a normalized credential store failure. It is pure data so the
// presentation layer decides how to render the remediation action.
type Error struct {
	Kind           Kind
	Message        string
	RemediationURL string
	// Code is an opaque diagnostic: a Postgres SQLSTATE, "timeout", "conn" or "unknown".
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same request. Both surfaced
// kinds leave the session intact and no partial write behind.
func (e *Error) Retryable() bool {
	return e.Kind == KindPermissionDenied || e.Kind == KindStorageUnavailable
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

const (
	permissionDeniedMessage   = "The key store refused this request because of its access policy. The service account needs read and insert rights on the api key tables."
	storageUnavailableMessage = "The key store is temporarily unreachable. Nothing was changed; please try again."
)

// permissionDeniedCodes are the SQLSTATEs treated as an access-policy rejection:
// insufficient_privilege (also raised by row-level security), invalid_authorization_specification
// and invalid_password.
var permissionDeniedCodes = map[pq.ErrorCode]bool{
	"42501": true,
	"28000": true,
	"28P01": true,
}

// Classify maps any store error to a *Error. A nil err returns nil.
func Classify(err error, remediationURL string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	if errors.Is(err, repositories.ErrDuplicateKey) {
		return &Error{Kind: KindDuplicateIgnored, Code: "23505", Err: err}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case permissionDeniedCodes[pqErr.Code]:
			return &Error{
				Kind:           KindPermissionDenied,
				Message:        permissionDeniedMessage,
				RemediationURL: remediationURL,
				Code:           code,
				Err:            err,
			}
		case code == "23505":
			return &Error{Kind: KindDuplicateIgnored, Code: code, Err: err}
		default:
			// Connection (08), resource (53) and operator (57) classes land here
			// along with anything unrecognized; the SQLSTATE stays as the code.
			return unavailable(code, err)
		}
	}

	return unavailable(connectivityCode(err), err)
}

func unavailable(code string, err error) *Error {
	return &Error{
		Kind:    KindStorageUnavailable,
		Message: storageUnavailableMessage,
		Code:    code,
		Err:     err,
	}
}

// connectivityCode names the transport-level cause of err for diagnostics.
func connectivityCode(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "conn"
	default:
		return "unknown"
	}
}
