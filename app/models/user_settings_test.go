package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndRevokeAPIKey(t *testing.T) {
	us := &UserSettings{UserID: 7}
	assert.False(t, us.HasActiveAPIKey())

	raw, err := us.IssueAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "abf_"))
	assert.True(t, us.HasActiveAPIKey())
	assert.Equal(t, HashAPIKey(raw), us.APIKeyHash)
	assert.Equal(t, raw[:16], us.APIKeyPrefix)
	assert.NotNil(t, us.APIKeyCreatedAt)

	us.RevokeAPIKey()
	assert.False(t, us.HasActiveAPIKey())
	assert.Empty(t, us.APIKeyHash)
	assert.NotNil(t, us.APIKeyRevokedAt)
}

func TestIssueAPIKeyRotates(t *testing.T) {
	us := &UserSettings{UserID: 7}
	first, err := us.IssueAPIKey()
	require.NoError(t, err)
	second, err := us.IssueAPIKey()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, HashAPIKey(second), us.APIKeyHash, "only the newest key verifies")
	assert.NotEqual(t, HashAPIKey(first), us.APIKeyHash)
}

func TestHashAPIKeyNormalizesWhitespace(t *testing.T) {
	assert.Equal(t, HashAPIKey("abf_abc"), HashAPIKey("  abf_abc  "))
	assert.Len(t, HashAPIKey("abf_abc"), 64)
}
