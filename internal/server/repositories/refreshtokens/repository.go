package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Repository stores refresh token rows.
type Repository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	// Consume deletes the row and returns it. Of two concurrent callers only
	// one gets the row; the other sees common.ErrorNotFound.
	Consume(ctx context.Context, token string) (*models.RefreshToken, error)
	Delete(ctx context.Context, token string) error
	DeleteExpiredForUser(ctx context.Context, userID string, now time.Time) error
	DeleteAllForUser(ctx context.Context, userID string) error
	// DeleteAllExceptLatest keeps only the most recently created row.
	DeleteAllExceptLatest(ctx context.Context, userID string) error
	CountForUser(ctx context.Context, userID string) (int, error)
}
