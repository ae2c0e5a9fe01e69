// Package identities declares the storage contract for identity records and
// provides its PostgreSQL implementation.
package identities

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Repository persists identities. Lookups return common.ErrorNotFound when
// nothing matches; unique collisions come back as *common.ConflictError.
type Repository interface {
	Create(ctx context.Context, identity *models.Identity) (*models.Identity, error)

	// Update writes the profile fields: email, display name, google id,
	// avatar, onboarding flag, email verification time and last activity.
	Update(ctx context.Context, identity *models.Identity) error

	FindByID(ctx context.Context, id string) (*models.Identity, error)
	FindByEmail(ctx context.Context, email string) (*models.Identity, error)
	FindByHandle(ctx context.Context, handle string) (*models.Identity, error)
	FindByGoogleID(ctx context.Context, googleID string) (*models.Identity, error)

	TouchLastActive(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id string, passwordHash string, at time.Time) error

	// SetPasswordResetToken overwrites any previous reset token.
	SetPasswordResetToken(ctx context.Context, id string, digest string, expires time.Time) error
	// FindByPasswordResetToken matches only tokens whose expiry is after now.
	FindByPasswordResetToken(ctx context.Context, digest string, now time.Time) (*models.Identity, error)
	// ConsumePasswordResetToken stores the new hash and clears the token in
	// one conditional statement, returning the identity id. A token that
	// was already used or has expired yields common.ErrorNotFound.
	ConsumePasswordResetToken(ctx context.Context, digest string, passwordHash string, now time.Time) (string, error)

	SetEmailVerificationToken(ctx context.Context, id string, digest string, expires time.Time) error
	// ConsumeEmailVerificationToken marks the email verified and clears the
	// token, returning the identity id.
	ConsumeEmailVerificationToken(ctx context.Context, digest string, now time.Time) (string, error)
}
