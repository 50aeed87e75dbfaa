package cache

import (
	"context"
	"sync"
	"time"

	"dukapos/backend/internal/domain"
)

// TokenCache holds pending full-sync confirmation tokens. Take removes and
// returns the token in one step so a token confirms at most once.
type TokenCache interface {
	Put(ctx context.Context, token *domain.FullSyncToken, ttl time.Duration) error
	Take(ctx context.Context, token string) (*domain.FullSyncToken, bool, error)
}

// MemoryTokenCache is the fallback when Redis is not configured.
type MemoryTokenCache struct {
	mu     sync.Mutex
	tokens map[string]*domain.FullSyncToken
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{tokens: make(map[string]*domain.FullSyncToken)}
}

func (c *MemoryTokenCache) Put(_ context.Context, token *domain.FullSyncToken, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dup := *token
	if dup.ExpiresAt.IsZero() {
		dup.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	c.tokens[token.Token] = &dup
	return nil
}

func (c *MemoryTokenCache) Take(_ context.Context, token string) (*domain.FullSyncToken, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, ok := c.tokens[token]
	if !ok {
		return nil, false, nil
	}
	delete(c.tokens, token)
	if time.Now().UTC().After(stored.ExpiresAt) {
		return nil, false, nil
	}
	return stored, true, nil
}
