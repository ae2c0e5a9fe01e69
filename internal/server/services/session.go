// Package services contains the engine's business logic: sessions,
// federated identity reconciliation and credential recovery.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/identities"
	"github.com/dmitrijs2005/gophauth/internal/server/tokenstore"
	"github.com/google/uuid"
)

const dummyPassword = "gophauth-timing-equaliser"

// ProviderVerifier turns an opaque provider access token into a profile.
type ProviderVerifier interface {
	Verify(ctx context.Context, accessToken string) (*models.FederatedProfile, error)
}

// ResetNotifier delivers password reset tokens. Delivery itself lives
// outside the engine.
type ResetNotifier interface {
	NotifyPasswordReset(ctx context.Context, email, token string) error
}

// SessionDeps are the collaborators of a SessionService. Verifier, Notifier
// and Metrics may be nil.
type SessionDeps struct {
	Identities identities.Repository
	Transactor dbx.Transactor
	Issuer     *auth.TokenIssuer
	Hasher     auth.PasswordHasher
	Store      tokenstore.Store
	Reconciler *IdentityService
	Recovery   *RecoveryService
	Verifier   ProviderVerifier
	Notifier   ResetNotifier
	Logger     logging.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// SessionService is the entry point for every flow that ends in a token pair.
type SessionService struct {
	identities identities.Repository
	tx         dbx.Transactor
	issuer     *auth.TokenIssuer
	hasher     auth.PasswordHasher
	store      tokenstore.Store
	reconciler *IdentityService
	recovery   *RecoveryService
	verifier   ProviderVerifier
	notifier   ResetNotifier
	logger     logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewSessionService(d SessionDeps) *SessionService {
	s := &SessionService{
		identities: d.Identities,
		tx:         d.Transactor,
		issuer:     d.Issuer,
		hasher:     d.Hasher,
		store:      d.Store,
		reconciler: d.Reconciler,
		recovery:   d.Recovery,
		verifier:   d.Verifier,
		notifier:   d.Notifier,
		logger:     d.Logger.With("module", "session"),
		metrics:    d.Metrics,
		now:        d.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *SessionService) internal(ctx context.Context, msg string, err error) error {
	s.logger.Error(ctx, msg, "error", err)
	return common.ErrorInternal
}

// Register creates a password identity and signs it in. Blank email,
// handle or password yield a *common.ValidationError, a password bcrypt
// cannot take yields common.ErrInvalidPassword, and a taken email or handle
// yields a *common.ConflictError naming the field. The identity row and its
// first refresh token are written as one unit.
func (s *SessionService) Register(ctx context.Context, email, handle, displayName, password string) (*models.TokenResponse, error) {
	identity, err := s.newPasswordIdentity(ctx, email, handle, displayName, password)
	if err != nil {
		return nil, err
	}

	var resp *models.TokenResponse
	err = s.tx.WithTx(ctx, func(ctx context.Context, _ dbx.DBTX) error {
		if _, err := s.identities.Create(ctx, identity); err != nil {
			return err
		}
		var err error
		resp, err = s.issueSession(ctx, identity)
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, err
		}
		return nil, s.internal(ctx, "registration failed", err)
	}

	s.metrics.IncSessionIssued("register")
	s.logger.Info(ctx, "identity registered", "identity_id", identity.ID)
	return resp, nil
}

// CreateAccount creates a password identity without signing it in, so no
// refresh token is stored. Errors are the same as Register's.
func (s *SessionService) CreateAccount(ctx context.Context, email, handle, displayName, password string) (*models.Identity, error) {
	identity, err := s.newPasswordIdentity(ctx, email, handle, displayName, password)
	if err != nil {
		return nil, err
	}

	created, err := s.identities.Create(ctx, identity)
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, err
		}
		return nil, s.internal(ctx, "account creation failed", err)
	}

	s.logger.Info(ctx, "identity created", "identity_id", created.ID, "method", "operator")
	return created, nil
}

// newPasswordIdentity validates input, checks uniqueness and hashes the
// password. Nothing is written.
func (s *SessionService) newPasswordIdentity(ctx context.Context, email, handle, displayName, password string) (*models.Identity, error) {
	email = NormalizeEmail(email)
	handle = strings.TrimSpace(handle)

	switch {
	case email == "":
		return nil, common.NewValidationError("email")
	case handle == "":
		return nil, common.NewValidationError("handle")
	case password == "":
		return nil, common.NewValidationError("password")
	}

	if err := s.ensureFree(ctx, email, handle); err != nil {
		return nil, err
	}

	hash, err := s.hash(password)
	if err != nil {
		if errors.Is(err, common.ErrInvalidInput) {
			return nil, err
		}
		return nil, s.internal(ctx, "password hash failed", err)
	}

	now := s.now()
	return &models.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		Handle:       handle,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: hash,
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *SessionService) ensureFree(ctx context.Context, email, handle string) error {
	checks := []struct {
		field string
		value string
		find  func(context.Context, string) (*models.Identity, error)
	}{
		{"email", email, s.identities.FindByEmail},
		{"handle", handle, s.identities.FindByHandle},
	}
	for _, c := range checks {
		_, err := c.find(ctx, c.value)
		switch {
		case err == nil:
			return common.NewConflictError(c.field)
		case errors.Is(err, common.ErrorNotFound):
		default:
			return s.internal(ctx, "registration lookup failed", err)
		}
	}
	return nil
}

// Login checks an email and password. Every failure is
// common.ErrInvalidCredential; unknown emails still pay for a bcrypt compare.
func (s *SessionService) Login(ctx context.Context, email, password string) (*models.TokenResponse, error) {
	identity, err := s.identities.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			_ = s.compare(s.dummy(), password)
			return nil, common.ErrInvalidCredential
		}
		return nil, s.internal(ctx, "login lookup failed", err)
	}
	if !identity.HasPassword() {
		_ = s.compare(s.dummy(), password)
		return nil, common.ErrInvalidCredential
	}
	if err := s.compare(identity.PasswordHash, password); err != nil {
		return nil, common.ErrInvalidCredential
	}

	if err := s.touch(ctx, identity); err != nil {
		return nil, err
	}
	resp, err := s.issueSession(ctx, identity)
	if err != nil {
		return nil, s.internal(ctx, "session issue failed", err)
	}
	s.metrics.IncSessionIssued("password")
	return resp, nil
}

// LoginWithFederatedProfile reconciles profile to an identity and signs it
// in without a password check.
func (s *SessionService) LoginWithFederatedProfile(ctx context.Context, profile models.FederatedProfile) (*models.TokenResponse, error) {
	identity, err := s.reconciler.Reconcile(ctx, profile)
	if err != nil {
		return nil, err
	}
	resp, err := s.issueSession(ctx, identity)
	if err != nil {
		return nil, s.internal(ctx, "session issue failed", err)
	}
	s.metrics.IncSessionIssued("google")
	return resp, nil
}

// LoginWithProviderToken asks the verifier for the profile behind
// accessToken. Verifier failures become common.ErrAuthenticationFailed and
// are not retried.
func (s *SessionService) LoginWithProviderToken(ctx context.Context, accessToken string) (*models.TokenResponse, error) {
	if s.verifier == nil || accessToken == "" {
		return nil, common.ErrAuthenticationFailed
	}
	profile, err := s.verifier.Verify(ctx, accessToken)
	if err != nil {
		s.logger.Warn(ctx, "provider verification failed", "error", err)
		return nil, common.ErrAuthenticationFailed
	}
	return s.LoginWithFederatedProfile(ctx, *profile)
}

// Refresh rotates a refresh token and mints a new access token. A token that
// fails its signature check never reaches the store.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*models.TokenResponse, error) {
	if err := s.issuer.VerifyRefresh(refreshToken); err != nil {
		s.metrics.IncRefresh("bad_signature")
		return nil, common.ErrInvalidCredential
	}

	identityID, next, err := s.store.RedeemAndRotate(ctx, refreshToken)
	switch {
	case err == nil:
	case errors.Is(err, common.ErrExpired):
		s.metrics.IncRefresh("expired")
		return nil, common.ErrExpired
	case errors.Is(err, common.ErrInvalidCredential):
		s.metrics.IncRefresh("rejected")
		return nil, common.ErrInvalidCredential
	default:
		return nil, s.internal(ctx, "refresh rotation failed", err)
	}

	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			_ = s.store.Revoke(ctx, next)
			s.metrics.IncRefresh("rejected")
			return nil, common.ErrInvalidCredential
		}
		return nil, s.internal(ctx, "refresh lookup failed", err)
	}
	if err := s.touch(ctx, identity); err != nil {
		return nil, err
	}

	access, err := s.issuer.IssueAccess(identity)
	if err != nil {
		return nil, s.internal(ctx, "access token issue failed", err)
	}
	s.metrics.IncRefresh("rotated")
	return s.response(identity, access, next), nil
}

// Logout revokes one refresh token. Access tokens already issued stay valid
// until they expire.
func (s *SessionService) Logout(ctx context.Context, refreshToken string) error {
	if err := s.store.Revoke(ctx, refreshToken); err != nil {
		return s.internal(ctx, "logout failed", err)
	}
	return nil
}

// LogoutAll revokes every refresh token of the identity.
func (s *SessionService) LogoutAll(ctx context.Context, identityID string) error {
	if err := s.store.RevokeAll(ctx, identityID); err != nil {
		return s.internal(ctx, "logout all failed", err)
	}
	s.logger.Info(ctx, "all sessions revoked", "identity_id", identityID)
	return nil
}

func (s *SessionService) IsHandleAvailable(ctx context.Context, handle, excludeID string) (bool, error) {
	ok, err := s.reconciler.IsHandleAvailable(ctx, handle, excludeID)
	if err != nil {
		return false, s.internal(ctx, "handle lookup failed", err)
	}
	return ok, nil
}

func (s *SessionService) GetIdentity(ctx context.Context, identityID string) (*models.Identity, error) {
	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, s.internal(ctx, "identity lookup failed", err)
	}
	return identity, nil
}

// RequestPasswordReset issues a reset token and hands it to the notifier.
// The result is the same whether or not the email is known.
func (s *SessionService) RequestPasswordReset(ctx context.Context, email string) error {
	token, err := s.recovery.IssueResetToken(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.logger.Debug(ctx, "reset requested for unknown email")
			return nil
		}
		return err
	}
	if s.notifier == nil {
		return nil
	}
	if err := s.notifier.NotifyPasswordReset(ctx, NormalizeEmail(email), token); err != nil {
		return s.internal(ctx, "reset notification failed", err)
	}
	return nil
}

func (s *SessionService) issueSession(ctx context.Context, identity *models.Identity) (*models.TokenResponse, error) {
	access, err := s.issuer.IssueAccess(identity)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issuer.IssueRefresh()
	if err != nil {
		return nil, err
	}
	if err := s.store.Persist(ctx, identity.ID, refresh); err != nil {
		return nil, err
	}
	return s.response(identity, access, refresh), nil
}

func (s *SessionService) response(identity *models.Identity, access, refresh string) *models.TokenResponse {
	return &models.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    s.issuer.AccessLifetimeSeconds(),
		Identity:     identity.Summary(),
	}
}

func (s *SessionService) touch(ctx context.Context, identity *models.Identity) error {
	now := s.now()
	if err := s.identities.TouchLastActive(ctx, identity.ID, now); err != nil {
		return s.internal(ctx, "last active update failed", err)
	}
	identity.LastActiveAt = now
	return nil
}

// dummy returns a hash used to equalise timing for unknown emails.
func (s *SessionService) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash(dummyPassword)
		if err == nil {
			s.dummyHash = h
		}
	})
	return s.dummyHash
}

func (s *SessionService) hash(password string) (string, error) {
	defer s.metrics.ObservePasswordHash(time.Now())
	return s.hasher.Hash(password)
}

func (s *SessionService) compare(hash, password string) error {
	defer s.metrics.ObservePasswordHash(time.Now())
	return s.hasher.Compare(hash, password)
}
