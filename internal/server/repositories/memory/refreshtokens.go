package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// RefreshTokenRepository stores refresh token rows in memory.
type RefreshTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]models.RefreshToken
}

func NewRefreshTokenRepository() *RefreshTokenRepository {
	return &RefreshTokenRepository{tokens: make(map[string]models.RefreshToken)}
}

func (r *RefreshTokenRepository) Create(_ context.Context, token *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[token.Token]; ok {
		return fmt.Errorf("%w: refresh token", common.ErrConflict)
	}
	r.tokens[token.Token] = *token
	return nil
}

func (r *RefreshTokenRepository) Consume(_ context.Context, token string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.tokens[token]
	if !ok {
		return nil, common.ErrorNotFound
	}
	delete(r.tokens, token)
	return &rt, nil
}

func (r *RefreshTokenRepository) Delete(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
	return nil
}

func (r *RefreshTokenRepository) deleteWhere(match func(models.RefreshToken) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, rt := range r.tokens {
		if match(rt) {
			delete(r.tokens, k)
		}
	}
}

func (r *RefreshTokenRepository) DeleteExpiredForUser(_ context.Context, userID string, now time.Time) error {
	r.deleteWhere(func(rt models.RefreshToken) bool {
		return rt.UserID == userID && rt.Expired(now)
	})
	return nil
}

func (r *RefreshTokenRepository) DeleteAllForUser(_ context.Context, userID string) error {
	r.deleteWhere(func(rt models.RefreshToken) bool { return rt.UserID == userID })
	return nil
}

func (r *RefreshTokenRepository) DeleteAllExceptLatest(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *models.RefreshToken
	for k := range r.tokens {
		rt := r.tokens[k]
		if rt.UserID != userID {
			continue
		}
		if latest == nil || newer(rt, *latest) {
			latest = &rt
		}
	}
	if latest == nil {
		return nil
	}
	for k, rt := range r.tokens {
		if rt.UserID == userID && k != latest.Token {
			delete(r.tokens, k)
		}
	}
	return nil
}

// newer orders by creation time, breaking ties on the token like the SQL
// repository does.
func newer(a, b models.RefreshToken) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.Token > b.Token
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (r *RefreshTokenRepository) CountForUser(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rt := range r.tokens {
		if rt.UserID == userID {
			n++
		}
	}
	return n, nil
}
