// Package auth implements bearer-token issuance for the single shared
// password. Tokens are opaque, held in memory, reference-counted by the
// connections using them, and pruned on expiry.
package auth

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// tokenTTL is how long an issued token stays valid.
const tokenTTL = 24 * time.Hour

// pruneInterval is how often expired tokens are removed.
const pruneInterval = time.Minute

type tokenInfo struct {
	created time.Time
	refs    int
}

// TokenStore validates the configured password and tracks issued tokens
// with their creation time behind a mutex.
type TokenStore struct {
	password string
	log      zerolog.Logger

	mu     sync.Mutex
	tokens map[string]*tokenInfo
}

// New returns a TokenStore. An empty password disables authentication:
// CheckPassword and Validate then accept anything.
func New(password string, log zerolog.Logger) *TokenStore {
	return &TokenStore{
		password: password,
		log:      log.With().Str("component", "auth").Logger(),
		tokens:   make(map[string]*tokenInfo),
	}
}

// Required reports whether clients must authenticate.
func (t *TokenStore) Required() bool {
	return t.password != ""
}

// CheckPassword compares in constant time.
func (t *TokenStore) CheckPassword(password string) bool {
	if !t.Required() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(t.password)) == 1
}

// Issue mints and records a fresh bearer token.
func (t *TokenStore) Issue() string {
	token := uuid.NewString()
	t.mu.Lock()
	t.tokens[token] = &tokenInfo{created: time.Now()}
	t.mu.Unlock()
	return token
}

// Validate reports whether the token was issued and has not expired.
// Always true when auth is disabled.
func (t *TokenStore) Validate(token string) bool {
	if !t.Required() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.tokens[token]
	if !ok {
		return false
	}
	if time.Since(info.created) > tokenTTL {
		delete(t.tokens, token)
		return false
	}
	return true
}

// Acquire records that a connection is using the token.
func (t *TokenStore) Acquire(token string) {
	t.mu.Lock()
	if info, ok := t.tokens[token]; ok {
		info.refs++
	}
	t.mu.Unlock()
}

// Release drops one connection's reference. The token itself stays
// valid until it expires, so a quick reconnect can reuse it.
func (t *TokenStore) Release(token string) {
	t.mu.Lock()
	if info, ok := t.tokens[token]; ok && info.refs > 0 {
		info.refs--
	}
	t.mu.Unlock()
}

// PruneLoop removes expired tokens every minute until ctx is done.
func (t *TokenStore) PruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.prune()
		}
	}
}

func (t *TokenStore) prune() {
	now := time.Now()
	t.mu.Lock()
	var removed int
	for token, info := range t.tokens {
		if now.Sub(info.created) > tokenTTL {
			delete(t.tokens, token)
			removed++
		}
	}
	t.mu.Unlock()
	if removed > 0 {
		t.log.Debug().Int("removed", removed).Msg("pruned expired tokens")
	}
}
