package tokenstore

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/refreshtokens"
)

// SQLStore implements Store over a refreshtokens.Repository. Multi-step
// operations run inside the Transactor, joining a transaction already carried
// by the context.
type SQLStore struct {
	repo refreshtokens.Repository
	tx   dbx.Transactor
	opts Options
}

func NewSQLStore(repo refreshtokens.Repository, tx dbx.Transactor, opts Options) *SQLStore {
	return &SQLStore{repo: repo, tx: tx, opts: opts}
}

func (s *SQLStore) Persist(ctx context.Context, identityID, token string) error {
	now := s.opts.now()
	return s.tx.WithTx(ctx, func(ctx context.Context, _ dbx.DBTX) error {
		err := s.repo.Create(ctx, &models.RefreshToken{
			Token:     token,
			UserID:    identityID,
			Expires:   auth.ApplyDuration(now, s.opts.RefreshExpiry),
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		return s.repo.DeleteExpiredForUser(ctx, identityID, now)
	})
}

func (s *SQLStore) RedeemAndRotate(ctx context.Context, oldToken string) (string, string, error) {
	var (
		identityID, newToken string
		expired              bool
	)
	now := s.opts.now()

	err := s.tx.WithTx(ctx, func(ctx context.Context, _ dbx.DBTX) error {
		rt, err := s.repo.Consume(ctx, oldToken)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return common.ErrInvalidCredential
			}
			return err
		}
		if rt.Expired(now) {
			// Commit the deletion, report after.
			expired = true
			return nil
		}

		newToken, err = s.opts.Minter.IssueRefresh()
		if err != nil {
			return err
		}
		identityID = rt.UserID
		return s.repo.Create(ctx, &models.RefreshToken{
			Token:     newToken,
			UserID:    rt.UserID,
			Expires:   auth.ApplyDuration(now, s.opts.RefreshExpiry),
			CreatedAt: now,
		})
	})
	if err != nil {
		return "", "", err
	}
	if expired {
		return "", "", common.ErrExpired
	}
	return identityID, newToken, nil
}

func (s *SQLStore) Revoke(ctx context.Context, token string) error {
	return s.repo.Delete(ctx, token)
}

func (s *SQLStore) RevokeAll(ctx context.Context, identityID string) error {
	return s.repo.DeleteAllForUser(ctx, identityID)
}

func (s *SQLStore) RevokeAllExceptMostRecent(ctx context.Context, identityID string) error {
	return s.repo.DeleteAllExceptLatest(ctx, identityID)
}

func (s *SQLStore) Count(ctx context.Context, identityID string) (int, error) {
	return s.repo.CountForUser(ctx, identityID)
}
