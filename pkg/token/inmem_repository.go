package token

import (
	"context"
	"sync"
	"time"

	"github.com/tendant/simple-auth/pkg/dbx"
)

// InMemoryTokenRepository is a TokenRepository for tests and local
// development. The dbx handle is ignored.
type InMemoryTokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewInMemoryTokenRepository creates a new in-memory token repository
func NewInMemoryTokenRepository() *InMemoryTokenRepository {
	return &InMemoryTokenRepository{tokens: make(map[string]Token)}
}

func (r *InMemoryTokenRepository) Create(_ context.Context, _ dbx.DBTX, token Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.OpaqueToken] = token
	return nil
}

func (r *InMemoryTokenRepository) Get(_ context.Context, _ dbx.DBTX, opaqueToken string, onlyValid bool) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.tokens[opaqueToken]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	if onlyValid {
		now := time.Now()
		if now.Before(token.Issued) || !now.Before(token.Expires) {
			return Token{}, ErrTokenNotFound
		}
	}
	return token, nil
}

func (r *InMemoryTokenRepository) Delete(_ context.Context, _ dbx.DBTX, opaqueToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, opaqueToken)
	return nil
}

// Len reports the number of stored tokens.
func (r *InMemoryTokenRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
