package auth

import (
	"sync"
	"time"
)

// cacheTTL bounds how long a verified token is trusted without re-checking the signature. Expiry of the token itself
// still wins when it is sooner.
const cacheTTL = time.Hour

// pruneThreshold is the cache size at which expired entries are swept out during a lookup.
const pruneThreshold = 10000

type cacheEntry struct {
	userID  int64
	expires time.Time
}

// Verifier validates gateway access tokens and caches successful results so that reconnect storms do not pay the
// HMAC cost per frame. Negative results are never cached.
type Verifier struct {
	secret string
	issuer string

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewVerifier creates a Verifier for the given HS256 secret and expected issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secret: secret,
		issuer: issuer,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Verify checks the token and returns the user id it was issued for. Results are cached for up to an hour, capped by
// the token's own expiry.
func (v *Verifier) Verify(token string) (int64, error) {
	now := v.now()

	v.mu.Lock()
	if entry, ok := v.cache[token]; ok {
		if now.Before(entry.expires) {
			v.mu.Unlock()
			return entry.userID, nil
		}
		delete(v.cache, token)
	}
	v.mu.Unlock()

	claims, err := validateAccessTokenAt(token, v.secret, v.issuer, v.now)
	if err != nil {
		return 0, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return 0, err
	}

	expires := now.Add(cacheTTL)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expires) {
		expires = claims.ExpiresAt.Time
	}

	v.mu.Lock()
	if len(v.cache) >= pruneThreshold {
		for k, e := range v.cache {
			if !now.Before(e.expires) {
				delete(v.cache, k)
			}
		}
	}
	v.cache[token] = cacheEntry{userID: userID, expires: expires}
	v.mu.Unlock()

	return userID, nil
}
