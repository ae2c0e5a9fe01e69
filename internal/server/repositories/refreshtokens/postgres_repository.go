// Package refreshtokens provides a PostgreSQL-backed repository for the
// refresh token rows that back long-lived sessions.
package refreshtokens

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

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
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

// Create inserts a refresh token row.
func (r *PostgresRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (token, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.conn(ctx).ExecContext(ctx, query, token.Token, token.UserID, token.Expires, token.CreatedAt); err != nil {
		if _, ok := dbx.UniqueViolation(err); ok {
			return fmt.Errorf("%w: refresh token", common.ErrConflict)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Consume deletes the row and returns what it held.
func (r *PostgresRepository) Consume(ctx context.Context, token string) (*models.RefreshToken, error) {
	query := `
		DELETE FROM refresh_tokens
		WHERE token = $1
		RETURNING token, user_id, expires_at, created_at
	`
	return r.one(ctx, query, token)
}

func (r *PostgresRepository) one(ctx context.Context, query string, token string) (*models.RefreshToken, error) {
	rt := &models.RefreshToken{}
	err := r.conn(ctx).QueryRowContext(ctx, query, token).Scan(&rt.Token, &rt.UserID, &rt.Expires, &rt.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rt, nil
}

// Delete removes a refresh token by its token string. Deleting an unknown
// token is not an error.
func (r *PostgresRepository) Delete(ctx context.Context, token string) error {
	return r.exec(ctx, `DELETE FROM refresh_tokens WHERE token = $1`, token)
}

func (r *PostgresRepository) DeleteExpiredForUser(ctx context.Context, userID string, now time.Time) error {
	return r.exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1 AND expires_at <= $2`, userID, now)
}

func (r *PostgresRepository) DeleteAllForUser(ctx context.Context, userID string) error {
	return r.exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
}

func (r *PostgresRepository) DeleteAllExceptLatest(ctx context.Context, userID string) error {
	query := `
		DELETE FROM refresh_tokens
		WHERE user_id = $1 AND token <> (
			SELECT token FROM refresh_tokens
			WHERE user_id = $1
			ORDER BY created_at DESC, token DESC
			LIMIT 1
		)
	`
	return r.exec(ctx, query, userID)
}

func (r *PostgresRepository) CountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM refresh_tokens WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	if _, err := r.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
