package identities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

const identityColumns = `id, email, handle, display_name, google_id, avatar_url, password_hash,
		onboarding_completed, email_verified_at, password_reset_token, password_reset_expires,
		email_verification_token, email_verification_expires, last_active_at, created_at, updated_at`

// constraintFields maps unique indexes to the field reported in a conflict.
var constraintFields = map[string]string{
	"identities_email_key":     "email",
	"identities_handle_key":    "handle",
	"identities_google_id_key": "providerId",
}

// PostgresRepository implements Repository over dbx.DBTX. A transaction
// carried by the context takes precedence over the bound handle.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) conn(ctx context.Context) dbx.DBTX {
	return dbx.Conn(ctx, r.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*models.Identity, error) {
	var (
		i                                                  models.Identity
		email, displayName, googleID, avatar, passwordHash sql.NullString
		resetToken, verificationToken                      sql.NullString
		verifiedAt, resetExpires, verificationExpires      sql.NullTime
	)
	err := row.Scan(&i.ID, &email, &i.Handle, &displayName, &googleID, &avatar, &passwordHash,
		&i.OnboardingCompleted, &verifiedAt, &resetToken, &resetExpires,
		&verificationToken, &verificationExpires, &i.LastActiveAt, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	i.Email = email.String
	i.DisplayName = displayName.String
	i.GoogleID = googleID.String
	i.AvatarURL = avatar.String
	i.PasswordHash = passwordHash.String
	i.EmailVerifiedAt = dbx.TimePtr(verifiedAt)
	i.PasswordResetToken = resetToken.String
	i.PasswordResetExpires = dbx.TimePtr(resetExpires)
	i.EmailVerificationToken = verificationToken.String
	i.EmailVerificationExpires = dbx.TimePtr(verificationExpires)
	return &i, nil
}

func mapWriteError(err error) error {
	if constraint, ok := dbx.UniqueViolation(err); ok {
		if field, known := constraintFields[constraint]; known {
			return common.NewConflictError(field)
		}
		return fmt.Errorf("%w: %s", common.ErrConflict, constraint)
	}
	return fmt.Errorf("db error: %w", err)
}

// Create inserts identity; ID and timestamps must already be set.
func (r *PostgresRepository) Create(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	query := `
		INSERT INTO identities (id, email, handle, display_name, google_id, avatar_url, password_hash,
			onboarding_completed, email_verified_at, last_active_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.conn(ctx).ExecContext(ctx, query,
		identity.ID,
		dbx.NullString(identity.Email),
		identity.Handle,
		dbx.NullString(identity.DisplayName),
		dbx.NullString(identity.GoogleID),
		dbx.NullString(identity.AvatarURL),
		dbx.NullString(identity.PasswordHash),
		identity.OnboardingCompleted,
		dbx.NullTime(identity.EmailVerifiedAt),
		identity.LastActiveAt,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return identity, nil
}

func (r *PostgresRepository) Update(ctx context.Context, identity *models.Identity) error {
	query := `
		UPDATE identities
		SET email = $2, display_name = $3, google_id = $4, avatar_url = $5,
			onboarding_completed = $6, email_verified_at = $7, last_active_at = $8, updated_at = $9
		WHERE id = $1
	`
	res, err := r.conn(ctx).ExecContext(ctx, query,
		identity.ID,
		dbx.NullString(identity.Email),
		dbx.NullString(identity.DisplayName),
		dbx.NullString(identity.GoogleID),
		dbx.NullString(identity.AvatarURL),
		identity.OnboardingCompleted,
		dbx.NullTime(identity.EmailVerifiedAt),
		identity.LastActiveAt,
		identity.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err)
	}
	return expectOneRow(res)
}

func (r *PostgresRepository) findOne(ctx context.Context, where string, args ...any) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE ` + where
	identity, err := scanIdentity(r.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return identity, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*models.Identity, error) {
	return r.findOne(ctx, `id = $1`, id)
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*models.Identity, error) {
	return r.findOne(ctx, `email = $1`, email)
}

func (r *PostgresRepository) FindByHandle(ctx context.Context, handle string) (*models.Identity, error) {
	return r.findOne(ctx, `handle = $1`, handle)
}

func (r *PostgresRepository) FindByGoogleID(ctx context.Context, googleID string) (*models.Identity, error) {
	return r.findOne(ctx, `google_id = $1`, googleID)
}

func (r *PostgresRepository) FindByPasswordResetToken(ctx context.Context, digest string, now time.Time) (*models.Identity, error) {
	return r.findOne(ctx, `password_reset_token = $1 AND password_reset_expires > $2`, digest, now)
}

func (r *PostgresRepository) TouchLastActive(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE identities SET last_active_at = $2 WHERE id = $1`
	res, err := r.conn(ctx).ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(res)
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, id string, passwordHash string, at time.Time) error {
	query := `UPDATE identities SET password_hash = $2, updated_at = $3 WHERE id = $1`
	res, err := r.conn(ctx).ExecContext(ctx, query, id, passwordHash, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(res)
}

func (r *PostgresRepository) SetPasswordResetToken(ctx context.Context, id string, digest string, expires time.Time) error {
	query := `UPDATE identities SET password_reset_token = $2, password_reset_expires = $3 WHERE id = $1`
	res, err := r.conn(ctx).ExecContext(ctx, query, id, digest, expires)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(res)
}

func (r *PostgresRepository) ConsumePasswordResetToken(ctx context.Context, digest string, passwordHash string, now time.Time) (string, error) {
	query := `
		UPDATE identities
		SET password_hash = $2, password_reset_token = NULL, password_reset_expires = NULL, updated_at = $3
		WHERE password_reset_token = $1 AND password_reset_expires > $3
		RETURNING id
	`
	return r.consume(ctx, query, digest, passwordHash, now)
}

func (r *PostgresRepository) SetEmailVerificationToken(ctx context.Context, id string, digest string, expires time.Time) error {
	query := `UPDATE identities SET email_verification_token = $2, email_verification_expires = $3 WHERE id = $1`
	res, err := r.conn(ctx).ExecContext(ctx, query, id, digest, expires)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(res)
}

func (r *PostgresRepository) ConsumeEmailVerificationToken(ctx context.Context, digest string, now time.Time) (string, error) {
	query := `
		UPDATE identities
		SET email_verified_at = $2, email_verification_token = NULL, email_verification_expires = NULL, updated_at = $2
		WHERE email_verification_token = $1 AND email_verification_expires > $2
		RETURNING id
	`
	return r.consume(ctx, query, digest, now)
}

func (r *PostgresRepository) consume(ctx context.Context, query string, args ...any) (string, error) {
	var id string
	if err := r.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", common.ErrorNotFound
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
