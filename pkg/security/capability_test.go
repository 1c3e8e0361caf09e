package security

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testCapabilityKey = []byte("test_key_32_bytes_long_for_hs256")

func newTestClaims(permissions []string) DelegatedClaims {
	now := time.Now()
	return DelegatedClaims{
		Subject:     "agent-1",
		Vault:       "default",
		Permissions: permissions,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(time.Hour).Unix(),
		ID:          uuid.NewString(),
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	m := NewCapabilityManager()
	claims := newTestClaims([]string{"read", "write"})

	token, err := m.IssueToken(claims, testCapabilityKey)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	validated, err := m.ValidateToken(token, testCapabilityKey)
	require.NoError(t, err)
	require.Equal(t, claims.Subject, validated.Subject)
	require.Equal(t, claims.Permissions, validated.Permissions)
	require.False(t, validated.IsDelegated())
}

func TestValidateTokenCachesResult(t *testing.T) {
	m := NewCapabilityManager()
	claims := newTestClaims([]string{"read"})

	token, err := m.IssueToken(claims, testCapabilityKey)
	require.NoError(t, err)

	_, err = m.ValidateToken(token, testCapabilityKey)
	require.NoError(t, err)
	_, err = m.ValidateToken(token, testCapabilityKey)
	require.NoError(t, err)

	stats := m.CacheStats()
	require.Equal(t, 1, stats.TotalEntries)
	require.Equal(t, 1, stats.ActiveEntries)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	m := NewCapabilityManager()
	claims := newTestClaims([]string{"read"})
	claims.ExpiresAt = time.Now().Add(-time.Minute).Unix()

	token, err := m.IssueToken(claims, testCapabilityKey)
	require.NoError(t, err)

	_, err = m.ValidateToken(token, testCapabilityKey)
	require.Error(t, err)
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	m := NewCapabilityManager()
	claims := newTestClaims([]string{"read"})

	token, err := m.IssueToken(claims, testCapabilityKey)
	require.NoError(t, err)

	_, err = m.ValidateToken(token, []byte("a_completely_different_signing_key"))
	require.Error(t, err)
}

func TestValidateTokenRejectsRevokedDelegation(t *testing.T) {
	m := NewCapabilityManager()
	claims := newTestClaims([]string{"read"})
	claims.Delegation = &Delegation{
		DelegatorJTI: uuid.NewString(),
		Depth:        1,
		MaxDepth:     3,
		Revoked:      true,
	}

	token, err := m.IssueToken(claims, testCapabilityKey)
	require.NoError(t, err)

	_, err = m.ValidateToken(token, testCapabilityKey)
	require.Error(t, err)
}

func TestValidateTokenRejectsExceededDelegationDepth(t *testing.T) {
	m := NewCapabilityManager()
	claims := newTestClaims([]string{"read"})
	claims.Delegation = &Delegation{
		DelegatorJTI: uuid.NewString(),
		Depth:        4,
		MaxDepth:     3,
	}

	token, err := m.IssueToken(claims, testCapabilityKey)
	require.NoError(t, err)

	_, err = m.ValidateToken(token, testCapabilityKey)
	require.Error(t, err)
}

func TestCacheEvictsOldestBeyondMaxSize(t *testing.T) {
	c := newTokenCache(2)
	claims := newTestClaims([]string{"read"})

	c.put("token-a", claims)
	c.put("token-b", claims)
	c.put("token-c", claims)

	_, ok := c.get("token-a")
	require.False(t, ok, "oldest entry should have been evicted")

	_, ok = c.get("token-c")
	require.True(t, ok)

	require.Equal(t, 2, c.stats().TotalEntries)
}

func TestCleanupExpiredTokensRemovesStaleEntries(t *testing.T) {
	m := NewCapabilityManager()
	expired := newTestClaims([]string{"read"})
	expired.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	m.cache.put("expired-token", expired)

	active := newTestClaims([]string{"read"})
	m.cache.put("active-token", active)

	m.CleanupExpiredTokens()

	stats := m.CacheStats()
	require.Equal(t, 1, stats.TotalEntries)
}
