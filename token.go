package linguapledge

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Token Storage
// ============================================================================

// TokenStore holds the bearer token for the current session. Its presence or
// absence is the sole authentication signal: an empty token means no session,
// and no REST call or socket connection may be attempted.
type TokenStore interface {
	// Token returns the current bearer token, or "" when logged out.
	Token() string
	// Set replaces the stored token.
	Set(token string)
	// Clear removes the stored token.
	Clear()
}

// MemoryTokenStore is a goroutine-safe in-memory TokenStore.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// NewMemoryTokenStoreWith creates an in-memory token store seeded with token.
func NewMemoryTokenStoreWith(token string) *MemoryTokenStore {
	return &MemoryTokenStore{token: token}
}

func (s *MemoryTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemoryTokenStore) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *MemoryTokenStore) Clear() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// ============================================================================
// Token inspection
// ============================================================================

// TokenExpired reports whether token is a JWT whose exp claim has passed.
// The signature is NOT verified; the server remains the authority. This is
// only a local hint to avoid dialing a socket with a token the backend will
// reject at handshake time.
//
// Tokens without an exp claim, or that do not parse as JWTs at all, are
// treated as not expired.
func TokenExpired(token string, now time.Time) bool {
	if token == "" {
		return true
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
