package keys

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddc-api/keyportal/internal/db/models"
)

func TestGeneratePartialKey_Format(t *testing.T) {
	for i := 0; i < 200; i++ {
		stable, err := GeneratePartialKey(models.TierStable)
		require.NoError(t, err)
		assert.Regexp(t, `^ddc-[a-z0-9]{10}-xxx$`, stable)

		beta, err := GeneratePartialKey(models.TierBeta)
		require.NoError(t, err)
		assert.Regexp(t, `^ddc-beta-[a-z0-9]{10}-xxx$`, beta)
	}
}

func TestGeneratePartialKey_UnknownTier(t *testing.T) {
	_, err := GeneratePartialKey(models.Tier("gold"))
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestGeneratePartialKey_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		k, err := GeneratePartialKey(models.TierStable)
		require.NoError(t, err)
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
}

func TestRandomToken_RejectsBiasedBytes(t *testing.T) {
	// 252..255 are rejected; 0 maps to 'a', 35 to '9', 36 wraps to 'a'.
	src := bytes.NewReader(append(
		[]byte{252, 253, 254, 255, 0, 35, 36, 251, 1, 2, 3, 4, 5, 6, 7},
		make([]byte, 64)...,
	))
	tok, err := randomToken(src, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, len(tok))
	assert.True(t, strings.HasPrefix(tok, "a9a"), tok)
}

func TestRandomToken_ShortReader(t *testing.T) {
	_, err := randomToken(bytes.NewReader([]byte{1, 2}), 10)
	assert.Error(t, err)
}

func TestIsPartialKey(t *testing.T) {
	assert.True(t, IsPartialKey("ddc-abcdefghij-xxx"))
	assert.True(t, IsPartialKey("ddc-beta-0123456789-xxx"))
	assert.False(t, IsPartialKey("ddc-beta-0123456789-abc"))
	assert.False(t, IsPartialKey("ddc-ABCDEFGHIJ-xxx"))
	assert.False(t, IsPartialKey("ddc-abc-xxx"))
}

func TestValidateCompleteKey(t *testing.T) {
	partial := "ddc-beta-0123456789-xxx"
	assert.NoError(t, validateCompleteKey(partial, "ddc-beta-0123456789-Zk3p"))
	assert.ErrorIs(t, validateCompleteKey(partial, partial), ErrCompleteKeyMismatch)
	assert.ErrorIs(t, validateCompleteKey(partial, "ddc-beta-0123456789-"), ErrCompleteKeyMismatch)
	assert.ErrorIs(t, validateCompleteKey(partial, "ddc-beta-9999999999-Zk3p"), ErrCompleteKeyMismatch)
}
