// Package memory holds in-process implementations of the repositories for
// tests and single-node development runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// IdentityRepository keeps identities in a map keyed by id. Returned values
// are copies; callers never share memory with the store.
type IdentityRepository struct {
	mu   sync.RWMutex
	byID map[string]*models.Identity
}

func NewIdentityRepository() *IdentityRepository {
	return &IdentityRepository{byID: make(map[string]*models.Identity)}
}

func clone(i *models.Identity) *models.Identity {
	c := *i
	return &c
}

// checkUnique must be called with mu held.
func (r *IdentityRepository) checkUnique(i *models.Identity) error {
	for id, other := range r.byID {
		if id == i.ID {
			continue
		}
		switch {
		case i.Email != "" && other.Email == i.Email:
			return common.NewConflictError("email")
		case other.Handle == i.Handle:
			return common.NewConflictError("handle")
		case i.GoogleID != "" && other.GoogleID == i.GoogleID:
			return common.NewConflictError("providerId")
		}
	}
	return nil
}

func (r *IdentityRepository) Create(_ context.Context, identity *models.Identity) (*models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[identity.ID]; ok {
		return nil, common.NewConflictError("id")
	}
	if err := r.checkUnique(identity); err != nil {
		return nil, err
	}
	r.byID[identity.ID] = clone(identity)
	return identity, nil
}

func (r *IdentityRepository) Update(_ context.Context, identity *models.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[identity.ID]
	if !ok {
		return common.ErrorNotFound
	}
	next := clone(cur)
	next.Email = identity.Email
	next.DisplayName = identity.DisplayName
	next.GoogleID = identity.GoogleID
	next.AvatarURL = identity.AvatarURL
	next.OnboardingCompleted = identity.OnboardingCompleted
	next.EmailVerifiedAt = identity.EmailVerifiedAt
	next.LastActiveAt = identity.LastActiveAt
	next.UpdatedAt = identity.UpdatedAt
	if err := r.checkUnique(next); err != nil {
		return err
	}
	r.byID[identity.ID] = next
	return nil
}

func (r *IdentityRepository) find(match func(*models.Identity) bool) (*models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, i := range r.byID {
		if match(i) {
			return clone(i), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *IdentityRepository) FindByID(_ context.Context, id string) (*models.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byID[id]; ok {
		return clone(i), nil
	}
	return nil, common.ErrorNotFound
}

func (r *IdentityRepository) FindByEmail(_ context.Context, email string) (*models.Identity, error) {
	if email == "" {
		return nil, common.ErrorNotFound
	}
	return r.find(func(i *models.Identity) bool { return i.Email == email })
}

func (r *IdentityRepository) FindByHandle(_ context.Context, handle string) (*models.Identity, error) {
	return r.find(func(i *models.Identity) bool { return i.Handle == handle })
}

func (r *IdentityRepository) FindByGoogleID(_ context.Context, googleID string) (*models.Identity, error) {
	if googleID == "" {
		return nil, common.ErrorNotFound
	}
	return r.find(func(i *models.Identity) bool { return i.GoogleID == googleID })
}

func (r *IdentityRepository) FindByPasswordResetToken(_ context.Context, digest string, now time.Time) (*models.Identity, error) {
	return r.find(func(i *models.Identity) bool {
		return resetMatches(i, digest, now)
	})
}

func resetMatches(i *models.Identity, digest string, now time.Time) bool {
	return digest != "" && i.PasswordResetToken == digest &&
		i.PasswordResetExpires != nil && i.PasswordResetExpires.After(now)
}

func verificationMatches(i *models.Identity, digest string, now time.Time) bool {
	return digest != "" && i.EmailVerificationToken == digest &&
		i.EmailVerificationExpires != nil && i.EmailVerificationExpires.After(now)
}

func (r *IdentityRepository) mutate(id string, fn func(*models.Identity)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	fn(i)
	return nil
}

func (r *IdentityRepository) TouchLastActive(_ context.Context, id string, at time.Time) error {
	return r.mutate(id, func(i *models.Identity) { i.LastActiveAt = at })
}

func (r *IdentityRepository) UpdatePassword(_ context.Context, id string, passwordHash string, at time.Time) error {
	return r.mutate(id, func(i *models.Identity) {
		i.PasswordHash = passwordHash
		i.UpdatedAt = at
	})
}

func (r *IdentityRepository) SetPasswordResetToken(_ context.Context, id string, digest string, expires time.Time) error {
	return r.mutate(id, func(i *models.Identity) {
		i.PasswordResetToken = digest
		i.PasswordResetExpires = &expires
	})
}

func (r *IdentityRepository) ConsumePasswordResetToken(_ context.Context, digest string, passwordHash string, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, i := range r.byID {
		if resetMatches(i, digest, now) {
			i.PasswordHash = passwordHash
			i.PasswordResetToken = ""
			i.PasswordResetExpires = nil
			i.UpdatedAt = now
			return id, nil
		}
	}
	return "", common.ErrorNotFound
}

func (r *IdentityRepository) SetEmailVerificationToken(_ context.Context, id string, digest string, expires time.Time) error {
	return r.mutate(id, func(i *models.Identity) {
		i.EmailVerificationToken = digest
		i.EmailVerificationExpires = &expires
	})
}

func (r *IdentityRepository) ConsumeEmailVerificationToken(_ context.Context, digest string, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, i := range r.byID {
		if verificationMatches(i, digest, now) {
			verified := now
			i.EmailVerifiedAt = &verified
			i.EmailVerificationToken = ""
			i.EmailVerificationExpires = nil
			i.UpdatedAt = now
			return id, nil
		}
	}
	return "", common.ErrorNotFound
}
