package services

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/identities"
	"github.com/dmitrijs2005/gophauth/internal/server/tokenstore"
)

const (
	DefaultResetTokenTTL        = time.Hour
	DefaultVerificationTokenTTL = 24 * time.Hour

	recoveryTokenBytes = 32
)

// RecoveryOptions configure a RecoveryService.
type RecoveryOptions struct {
	ResetTTL        time.Duration
	VerificationTTL time.Duration
	Now             func() time.Time
	Metrics         *metrics.Metrics
}

// RecoveryService issues and redeems single-use recovery tokens and changes
// passwords. Only SHA-256 digests of tokens are stored.
type RecoveryService struct {
	identities identities.Repository
	hasher     auth.PasswordHasher
	store      tokenstore.Store
	logger     logging.Logger
	metrics    *metrics.Metrics

	resetTTL        time.Duration
	verificationTTL time.Duration
	now             func() time.Time
}

func NewRecoveryService(repo identities.Repository, hasher auth.PasswordHasher, store tokenstore.Store, logger logging.Logger, opts RecoveryOptions) *RecoveryService {
	s := &RecoveryService{
		identities:      repo,
		hasher:          hasher,
		store:           store,
		logger:          logger.With("module", "recovery"),
		metrics:         opts.Metrics,
		resetTTL:        opts.ResetTTL,
		verificationTTL: opts.VerificationTTL,
		now:             opts.Now,
	}
	if s.resetTTL <= 0 {
		s.resetTTL = DefaultResetTokenTTL
	}
	if s.verificationTTL <= 0 {
		s.verificationTTL = DefaultVerificationTokenTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *RecoveryService) internal(ctx context.Context, msg string, err error) error {
	s.logger.Error(ctx, msg, "error", err)
	return common.ErrorInternal
}

// IssueResetToken stores a fresh reset token for the identity behind email,
// replacing any earlier one. Unknown addresses yield common.ErrorNotFound;
// hiding that from clients is the caller's job.
func (s *RecoveryService) IssueResetToken(ctx context.Context, email string) (string, error) {
	identity, err := s.identities.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", common.ErrorNotFound
		}
		return "", s.internal(ctx, "reset lookup failed", err)
	}

	token, err := common.MakeRandHexString(recoveryTokenBytes)
	if err != nil {
		return "", s.internal(ctx, "reset token generation failed", err)
	}
	expires := s.now().Add(s.resetTTL)
	if err := s.identities.SetPasswordResetToken(ctx, identity.ID, common.HashToken(token), expires); err != nil {
		return "", s.internal(ctx, "reset token store failed", err)
	}

	s.metrics.IncRecovery("reset", "issued")
	s.logger.Info(ctx, "reset token issued", "identity_id", identity.ID)
	return token, nil
}

// RedeemResetToken sets a new password and ends every session of the
// identity. The token works once and only before it expires.
func (s *RecoveryService) RedeemResetToken(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return common.ErrInvalidOrExpired
	}
	digest := common.HashToken(token)

	// Cheap lookup so unknown tokens do not pay for a bcrypt hash.
	if _, err := s.identities.FindByPasswordResetToken(ctx, digest, s.now()); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.metrics.IncRecovery("reset", "rejected")
			return common.ErrInvalidOrExpired
		}
		return s.internal(ctx, "reset token lookup failed", err)
	}

	hash, err := s.hash(newPassword)
	if err != nil {
		if errors.Is(err, common.ErrInvalidInput) {
			return err
		}
		return s.internal(ctx, "password hash failed", err)
	}

	id, err := s.identities.ConsumePasswordResetToken(ctx, digest, hash, s.now())
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.metrics.IncRecovery("reset", "rejected")
			return common.ErrInvalidOrExpired
		}
		return s.internal(ctx, "reset token consume failed", err)
	}

	if err := s.store.RevokeAll(ctx, id); err != nil {
		return s.internal(ctx, "revoke sessions after reset failed", err)
	}
	s.metrics.IncRecovery("reset", "redeemed")
	s.logger.Info(ctx, "password reset", "identity_id", id)
	return nil
}

// ChangePassword replaces the password of an identity that has one and
// keeps only its most recent session.
func (s *RecoveryService) ChangePassword(ctx context.Context, identityID, currentPassword, newPassword string) error {
	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrorNotFound
		}
		return s.internal(ctx, "change password lookup failed", err)
	}
	if !identity.HasPassword() {
		return common.ErrorNotFound
	}

	if err := s.compare(identity.PasswordHash, currentPassword); err != nil {
		return common.ErrInvalidCredential
	}

	hash, err := s.hash(newPassword)
	if err != nil {
		if errors.Is(err, common.ErrInvalidInput) {
			return err
		}
		return s.internal(ctx, "password hash failed", err)
	}
	if err := s.identities.UpdatePassword(ctx, identityID, hash, s.now()); err != nil {
		return s.internal(ctx, "password update failed", err)
	}
	if err := s.store.RevokeAllExceptMostRecent(ctx, identityID); err != nil {
		return s.internal(ctx, "revoke other sessions failed", err)
	}
	s.logger.Info(ctx, "password changed", "identity_id", identityID)
	return nil
}

// IssueEmailVerificationToken stores a fresh verification token valid for
// the configured verification TTL.
func (s *RecoveryService) IssueEmailVerificationToken(ctx context.Context, identityID string) (string, error) {
	if _, err := s.identities.FindByID(ctx, identityID); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", common.ErrorNotFound
		}
		return "", s.internal(ctx, "verification lookup failed", err)
	}

	token, err := common.MakeRandHexString(recoveryTokenBytes)
	if err != nil {
		return "", s.internal(ctx, "verification token generation failed", err)
	}
	expires := s.now().Add(s.verificationTTL)
	if err := s.identities.SetEmailVerificationToken(ctx, identityID, common.HashToken(token), expires); err != nil {
		return "", s.internal(ctx, "verification token store failed", err)
	}
	s.metrics.IncRecovery("verification", "issued")
	return token, nil
}

// RedeemEmailVerification marks the email verified. The token works once.
func (s *RecoveryService) RedeemEmailVerification(ctx context.Context, token string) error {
	if token == "" {
		return common.ErrInvalidOrExpired
	}
	id, err := s.identities.ConsumeEmailVerificationToken(ctx, common.HashToken(token), s.now())
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.metrics.IncRecovery("verification", "rejected")
			return common.ErrInvalidOrExpired
		}
		return s.internal(ctx, "verification consume failed", err)
	}
	s.metrics.IncRecovery("verification", "redeemed")
	s.logger.Info(ctx, "email verified", "identity_id", id)
	return nil
}

func (s *RecoveryService) hash(password string) (string, error) {
	defer s.metrics.ObservePasswordHash(time.Now())
	return s.hasher.Hash(password)
}

func (s *RecoveryService) compare(hash, password string) error {
	defer s.metrics.ObservePasswordHash(time.Now())
	return s.hasher.Compare(hash, password)
}
