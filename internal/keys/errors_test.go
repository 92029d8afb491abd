package keys

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddc-api/keyportal/internal/db/repositories"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	const remediation = "https://docs.example.com/keys/permissions"

	cases := []struct {
		name     string
		err      error
		wantKind Kind
		wantCode string
	}{
		{"insufficient privilege", &pq.Error{Code: "42501"}, KindPermissionDenied, "42501"},
		{"invalid authorization", &pq.Error{Code: "28000"}, KindPermissionDenied, "28000"},
		{"invalid password", &pq.Error{Code: "28P01"}, KindPermissionDenied, "28P01"},
		{"wrapped privilege", fmt.Errorf("insert: %w", &pq.Error{Code: "42501"}), KindPermissionDenied, "42501"},
		{"unique violation", &pq.Error{Code: "23505"}, KindDuplicateIgnored, "23505"},
		{"repository duplicate", repositories.ErrDuplicateKey, KindDuplicateIgnored, "23505"},
		{"connection failure", &pq.Error{Code: "08006"}, KindStorageUnavailable, "08006"},
		{"too many connections", &pq.Error{Code: "53300"}, KindStorageUnavailable, "53300"},
		{"admin shutdown", &pq.Error{Code: "57P01"}, KindStorageUnavailable, "57P01"},
		{"check violation", &pq.Error{Code: "23514"}, KindStorageUnavailable, "23514"},
		{"deadline", context.DeadlineExceeded, KindStorageUnavailable, "timeout"},
		{"canceled", context.Canceled, KindStorageUnavailable, "canceled"},
		{"net timeout", timeoutErr{}, KindStorageUnavailable, "timeout"},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindStorageUnavailable, "network"},
		{"bad conn", driver.ErrBadConn, KindStorageUnavailable, "conn"},
		{"conn done", sql.ErrConnDone, KindStorageUnavailable, "conn"},
		{"eof", io.EOF, KindStorageUnavailable, "conn"},
		{"unknown", errors.New("something odd"), KindStorageUnavailable, "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := Classify(tc.err, remediation)
			require.NotNil(t, e)
			assert.Equal(t, tc.wantKind, e.Kind)
			assert.Equal(t, tc.wantCode, e.Code)
			assert.ErrorIs(t, e, tc.err)
			if tc.wantKind == KindPermissionDenied {
				assert.Equal(t, remediation, e.RemediationURL)
				assert.NotEmpty(t, e.Message)
			} else {
				assert.Empty(t, e.RemediationURL)
			}
		})
	}
}

func TestClassify_NilAndIdempotent(t *testing.T) {
	assert.Nil(t, Classify(nil, ""))

	first := Classify(&pq.Error{Code: "42501"}, "https://x")
	assert.Same(t, first, Classify(first, "https://other"))
}

func TestError_Retryable(t *testing.T) {
	assert.True(t, (&Error{Kind: KindPermissionDenied}).Retryable())
	assert.True(t, (&Error{Kind: KindStorageUnavailable}).Retryable())
	assert.False(t, (&Error{Kind: KindDuplicateIgnored}).Retryable())
}

func TestError_MessageHidesNothingButDriverText(t *testing.T) {
	e := Classify(&pq.Error{Code: "42501", Message: "permission denied for table beta_api_keys"}, "")
	assert.Contains(t, e.Error(), "permission_denied")
	assert.Contains(t, e.Error(), "42501")
	assert.NotContains(t, e.Message, "beta_api_keys", "user-facing message must not carry driver text")
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindStorageUnavailable})
	assert.True(t, IsKind(err, KindStorageUnavailable))
	assert.False(t, IsKind(err, KindPermissionDenied))
	assert.False(t, IsKind(errors.New("plain"), KindStorageUnavailable))
}
