package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/identities"
	"github.com/google/uuid"
)

const (
	minHandleLength = 3
	// handleSequenceAttempts counts base, base1, base2 ...
	handleSequenceAttempts = 20
	handleRandomAttempts   = 5
	handleRandomBytes      = 3
	fallbackHandleBase     = "user"

	// reconcileAttempts bounds how often a federated first login re-runs
	// after losing a uniqueness race.
	reconcileAttempts = 3
)

// IdentityOptions configure an IdentityService.
type IdentityOptions struct {
	// DefaultAvatarURL is a template; "%s" is replaced by the escaped handle.
	DefaultAvatarURL string
	Now              func() time.Time
	// RandHex returns 2*n random hex characters; defaults to common.MakeRandHexString.
	RandHex func(n int) (string, error)
}

// IdentityService resolves federated logins to local identities and owns
// handle allocation.
type IdentityService struct {
	identities identities.Repository
	logger     logging.Logger
	avatarURL  string
	now        func() time.Time
	randHex    func(n int) (string, error)
}

func NewIdentityService(repo identities.Repository, logger logging.Logger, opts IdentityOptions) *IdentityService {
	s := &IdentityService{
		identities: repo,
		logger:     logger.With("module", "identity"),
		avatarURL:  opts.DefaultAvatarURL,
		now:        opts.Now,
		randHex:    opts.RandHex,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.randHex == nil {
		s.randHex = common.MakeRandHexString
	}
	return s
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// sanitizeHandle lowercases s and keeps ASCII letters and digits only.
func sanitizeHandle(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsHandleAvailable reports whether handle is free, or held only by excludeID.
func (s *IdentityService) IsHandleAvailable(ctx context.Context, handle string, excludeID string) (bool, error) {
	found, err := s.identities.FindByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return true, nil
		}
		return false, err
	}
	return excludeID != "" && found.ID == excludeID, nil
}

// GenerateHandle picks a free handle. The base is the sanitized display name
// when it has at least three characters, otherwise the sanitized local part
// of email ("user" when that is empty). It tries base, base1 ... base19 and
// then up to five random hex suffixes.
func (s *IdentityService) GenerateHandle(ctx context.Context, email, displayName string) (string, error) {
	base := sanitizeHandle(displayName)
	if len(base) < minHandleLength {
		local, _, _ := strings.Cut(email, "@")
		base = sanitizeHandle(local)
		if base == "" {
			base = fallbackHandleBase
		}
	}

	for i := 0; i < handleSequenceAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = base + strconv.Itoa(i)
		}
		ok, err := s.IsHandleAvailable(ctx, candidate, "")
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
	}

	for i := 0; i < handleRandomAttempts; i++ {
		suffix, err := s.randHex(handleRandomBytes)
		if err != nil {
			return "", err
		}
		candidate := base + suffix
		ok, err := s.IsHandleAvailable(ctx, candidate, "")
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no free handle for base %q: %w", base, common.NewConflictError("handle"))
}

func (s *IdentityService) defaultAvatar(handle string) string {
	if s.avatarURL == "" {
		return ""
	}
	return strings.ReplaceAll(s.avatarURL, "%s", url.QueryEscape(handle))
}

// Reconcile finds or creates the identity behind a federated profile. The
// provider id is authoritative: a profile whose email belongs to another
// identity, or to one linked to a different provider id, is a conflict on
// "email". Storage failures surface as common.ErrAuthenticationFailed.
func (s *IdentityService) Reconcile(ctx context.Context, profile models.FederatedProfile) (*models.Identity, error) {
	if profile.ProviderID == "" {
		return nil, common.ErrAuthenticationFailed
	}
	profile.Email = NormalizeEmail(profile.Email)

	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		identity, retry, err := s.reconcileOnce(ctx, profile)
		if err != nil {
			if errors.Is(err, common.ErrConflict) && !retry {
				return nil, err
			}
			if !retry {
				s.logger.Error(ctx, "reconcile failed", "error", err)
				return nil, common.ErrAuthenticationFailed
			}
			s.logger.Debug(ctx, "reconcile lost a uniqueness race", "attempt", attempt, "error", err)
			continue
		}
		return identity, nil
	}
	return nil, common.ErrAuthenticationFailed
}

func (s *IdentityService) lookup(ctx context.Context, find func(context.Context, string) (*models.Identity, error), key string) (*models.Identity, error) {
	if key == "" {
		return nil, nil
	}
	found, err := find(ctx, key)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	return found, err
}

// reconcileOnce reports retry when a concurrent writer took a unique value
// between lookup and write.
func (s *IdentityService) reconcileOnce(ctx context.Context, profile models.FederatedProfile) (*models.Identity, bool, error) {
	byProvider, err := s.lookup(ctx, s.identities.FindByGoogleID, profile.ProviderID)
	if err != nil {
		return nil, false, err
	}
	byEmail, err := s.lookup(ctx, s.identities.FindByEmail, profile.Email)
	if err != nil {
		return nil, false, err
	}

	switch {
	case byProvider != nil && byEmail != nil && byEmail.ID != byProvider.ID:
		return nil, false, common.NewConflictError("email")
	case byProvider == nil && byEmail != nil && byEmail.GoogleID != "" && byEmail.GoogleID != profile.ProviderID:
		return nil, false, common.NewConflictError("email")
	}

	now := s.now()
	if existing := firstNonNil(byProvider, byEmail); existing != nil {
		existing.GoogleID = profile.ProviderID
		if profile.Email != "" {
			existing.Email = profile.Email
		}
		if profile.DisplayName != "" {
			existing.DisplayName = profile.DisplayName
		}
		if profile.AvatarURL != "" {
			existing.AvatarURL = profile.AvatarURL
		}
		if profile.EmailVerified && existing.EmailVerifiedAt == nil {
			existing.EmailVerifiedAt = &now
		}
		existing.LastActiveAt = now
		existing.UpdatedAt = now
		if err := s.identities.Update(ctx, existing); err != nil {
			return nil, errors.Is(err, common.ErrConflict), err
		}
		return existing, false, nil
	}

	handle, err := s.GenerateHandle(ctx, profile.Email, profile.DisplayName)
	if err != nil {
		return nil, false, err
	}
	identity := &models.Identity{
		ID:           uuid.NewString(),
		Email:        profile.Email,
		Handle:       handle,
		DisplayName:  profile.DisplayName,
		GoogleID:     profile.ProviderID,
		AvatarURL:    profile.AvatarURL,
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if identity.AvatarURL == "" {
		identity.AvatarURL = s.defaultAvatar(handle)
	}
	if profile.EmailVerified {
		identity.EmailVerifiedAt = &now
	}

	created, err := s.identities.Create(ctx, identity)
	if err != nil {
		return nil, errors.Is(err, common.ErrConflict), err
	}
	s.logger.Info(ctx, "identity created", "identity_id", created.ID, "method", "google")
	return created, false, nil
}

func firstNonNil(ids ...*models.Identity) *models.Identity {
	for _, i := range ids {
		if i != nil {
			return i
		}
	}
	return nil
}
