package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Delegation carries the metadata that distinguishes a delegated
// capability token from a directly-issued one: who delegated it, how
// deep the delegation chain has gone, and whether it has since been
// revoked.
type Delegation struct {
	DelegatorJTI     string     `json:"delegator_jti"`
	Depth            int        `json:"depth"`
	MaxDepth         int        `json:"max_depth"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Revoked          bool       `json:"revoked"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// IsValid reports whether the delegation is still usable: not
// revoked and within its allowed depth.
func (d *Delegation) IsValid() bool {
	return d != nil && !d.Revoked && d.Depth <= d.MaxDepth
}

// DelegatedClaims is the JWT payload for an agent capability token:
// the base claims every capability token carries, plus optional
// delegation metadata when the token was minted on another token's
// behalf rather than issued directly by the vault.
type DelegatedClaims struct {
	Subject     string      `json:"sub"`
	Vault       string      `json:"vault"`
	Permissions []string    `json:"permissions"`
	IssuedAt    int64       `json:"iat"`
	ExpiresAt   int64       `json:"exp"`
	ID          string      `json:"jti"`
	Delegation  *Delegation `json:"delegation,omitempty"`
}

// IsDelegated reports whether these claims were issued through
// delegation rather than directly.
func (c *DelegatedClaims) IsDelegated() bool {
	return c.Delegation != nil
}

func (c DelegatedClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}

func (c DelegatedClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c DelegatedClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return nil, nil
}

func (c DelegatedClaims) GetIssuer() (string, error) {
	return c.Vault, nil
}

func (c DelegatedClaims) GetSubject() (string, error) {
	return c.Subject, nil
}

func (c DelegatedClaims) GetAudience() (jwt.ClaimStrings, error) {
	return nil, nil
}

// cacheEntry is one slot in the token cache.
type cacheEntry struct {
	claims   DelegatedClaims
	cachedAt time.Time
}

// TokenCacheStats reports the size and freshness of a CapabilityManager's
// in-memory token cache.
type TokenCacheStats struct {
	TotalEntries   int
	ActiveEntries  int
	ExpiredEntries int
	MaxSize        int
}

// tokenCache is a bounded cache of already-validated tokens, keyed by
// the raw token string, so repeated ValidateToken calls for the same
// bearer token within one process don't re-run signature verification.
// Eviction is oldest-inserted-first once MaxSize is reached.
type tokenCache struct {
	mu          sync.Mutex
	entries     map[string]cacheEntry
	accessOrder []string
	maxSize     int
}

func newTokenCache(maxSize int) *tokenCache {
	return &tokenCache{
		entries: make(map[string]cacheEntry),
		maxSize: maxSize,
	}
}

func (c *tokenCache) get(token string) (DelegatedClaims, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[token]
	if !ok {
		return DelegatedClaims{}, false
	}
	if entry.claims.ExpiresAt < time.Now().Unix() {
		delete(c.entries, token)
		c.accessOrder = removeString(c.accessOrder, token)
		return DelegatedClaims{}, false
	}
	return entry.claims, true
}

func (c *tokenCache) put(token string, claims DelegatedClaims) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[token]; !exists && len(c.entries) >= c.maxSize && len(c.accessOrder) > 0 {
		oldest := c.accessOrder[0]
		c.accessOrder = c.accessOrder[1:]
		delete(c.entries, oldest)
	}

	c.entries[token] = cacheEntry{claims: claims, cachedAt: time.Now()}
	c.accessOrder = append(removeString(c.accessOrder, token), token)
}

func (c *tokenCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Unix()
	for token, entry := range c.entries {
		if entry.claims.ExpiresAt < now {
			delete(c.entries, token)
			c.accessOrder = removeString(c.accessOrder, token)
		}
	}
}

func (c *tokenCache) stats() TokenCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Unix()
	active := 0
	for _, entry := range c.entries {
		if entry.claims.ExpiresAt >= now {
			active++
		}
	}

	return TokenCacheStats{
		TotalEntries:   len(c.entries),
		ActiveEntries:  active,
		ExpiredEntries: len(c.entries) - active,
		MaxSize:        c.maxSize,
	}
}

func removeString(s []string, v string) []string {
	for i, item := range s {
		if item == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// defaultCacheSize matches the Rust generator's default TokenConfig.
const defaultCacheSize = 1000

// CapabilityManager issues and validates delegated capability tokens
// (§10.4). A capability token scopes an agent's access to exactly the
// permissions its config grants; delegation lets one agent hand a
// narrower token to a sub-task without round-tripping through the
// vault.
type CapabilityManager struct {
	cache *tokenCache
}

// NewCapabilityManager creates a manager with the default cache size.
func NewCapabilityManager() *CapabilityManager {
	return &CapabilityManager{cache: newTokenCache(defaultCacheSize)}
}

// IssueToken mints a signed JWT for the given claims.
func (m *CapabilityManager) IssueToken(claims DelegatedClaims, key []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("security: sign capability token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies the token's signature and returns its claims.
// The JWT parser also rejects an expired token; delegation validity is
// not checked. A token that an earlier call verified and cached is
// returned from the cache without verifying it again.
func (m *CapabilityManager) ParseToken(tokenStr string, key []byte) (*DelegatedClaims, error) {
	if cached, ok := m.cache.get(tokenStr); ok {
		return &cached, nil
	}

	claims := &DelegatedClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("security: parse capability token: %w", err)
	}

	m.cache.put(tokenStr, *claims)
	return claims, nil
}

// ValidateToken parses the token and enforces expiry and delegation
// constraints (revocation, delegation expiry, depth). A failure here
// is a SecurityViolation per §10.4.
func (m *CapabilityManager) ValidateToken(tokenStr string, key []byte) (*DelegatedClaims, error) {
	claims, err := m.ParseToken(tokenStr, key)
	if err != nil {
		return nil, err
	}

	if claims.ExpiresAt < time.Now().Unix() {
		return nil, fmt.Errorf("security: capability token expired at %s", time.Unix(claims.ExpiresAt, 0))
	}

	if d := claims.Delegation; d != nil {
		if !d.IsValid() {
			reason := d.RevocationReason
			if reason == "" {
				reason = "delegation is no longer valid"
			}
			return nil, fmt.Errorf("security: delegation revoked: %s", reason)
		}
		if d.ExpiresAt != nil && time.Now().After(*d.ExpiresAt) {
			return nil, fmt.Errorf("security: delegation expired at %s", d.ExpiresAt)
		}
	}

	return claims, nil
}

// CleanupExpiredTokens drops expired entries from the cache.
func (m *CapabilityManager) CleanupExpiredTokens() {
	m.cache.cleanupExpired()
}

// CacheStats reports the manager's token cache occupancy.
func (m *CapabilityManager) CacheStats() TokenCacheStats {
	return m.cache.stats()
}
