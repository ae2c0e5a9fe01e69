package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ repomanager.RepositoryManager = (*Manager)(nil)

func TestIdentityRepository_Uniqueness(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()

	_, err := repo.Create(ctx, &models.Identity{ID: "1", Email: "a@x.io", Handle: "alice", GoogleID: "g1"})
	require.NoError(t, err)

	_, err = repo.Create(ctx, &models.Identity{ID: "2", Email: "a@x.io", Handle: "other"})
	assert.Equal(t, "email", common.ConflictField(err))

	_, err = repo.Create(ctx, &models.Identity{ID: "2", Email: "b@x.io", Handle: "alice"})
	assert.Equal(t, "handle", common.ConflictField(err))

	_, err = repo.Create(ctx, &models.Identity{ID: "2", Email: "b@x.io", Handle: "bob", GoogleID: "g1"})
	assert.Equal(t, "providerId", common.ConflictField(err))

	// Two identities without email do not collide.
	_, err = repo.Create(ctx, &models.Identity{ID: "3", Handle: "c", GoogleID: "g3"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, &models.Identity{ID: "4", Handle: "d", GoogleID: "g4"})
	require.NoError(t, err)
}

func TestIdentityRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()
	_, err := repo.Create(ctx, &models.Identity{ID: "1", Email: "a@x.io", Handle: "alice"})
	require.NoError(t, err)

	got, err := repo.FindByID(ctx, "1")
	require.NoError(t, err)
	got.Handle = "mutated"

	again, err := repo.FindByHandle(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", again.ID)
}

func TestIdentityRepository_UpdateConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()
	_, _ = repo.Create(ctx, &models.Identity{ID: "1", Email: "a@x.io", Handle: "a"})
	_, _ = repo.Create(ctx, &models.Identity{ID: "2", Email: "b@x.io", Handle: "b"})

	err := repo.Update(ctx, &models.Identity{ID: "2", Email: "a@x.io"})
	assert.Equal(t, "email", common.ConflictField(err))

	err = repo.Update(ctx, &models.Identity{ID: "missing"})
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestIdentityRepository_ResetTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()
	now := time.Now()
	_, _ = repo.Create(ctx, &models.Identity{ID: "1", Email: "a@x.io", Handle: "a", PasswordHash: "old"})

	require.NoError(t, repo.SetPasswordResetToken(ctx, "1", "d", now.Add(time.Hour)))

	found, err := repo.FindByPasswordResetToken(ctx, "d", now)
	require.NoError(t, err)
	assert.Equal(t, "1", found.ID)

	_, err = repo.FindByPasswordResetToken(ctx, "d", now.Add(2*time.Hour))
	assert.ErrorIs(t, err, common.ErrorNotFound)

	id, err := repo.ConsumePasswordResetToken(ctx, "d", "new", now)
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	_, err = repo.ConsumePasswordResetToken(ctx, "d", "newer", now)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	got, _ := repo.FindByID(ctx, "1")
	assert.Equal(t, "new", got.PasswordHash)
	assert.Empty(t, got.PasswordResetToken)
	assert.Nil(t, got.PasswordResetExpires)
}

func TestIdentityRepository_EmailVerification(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepository()
	now := time.Now()
	_, _ = repo.Create(ctx, &models.Identity{ID: "1", Email: "a@x.io", Handle: "a"})

	require.NoError(t, repo.SetEmailVerificationToken(ctx, "1", "v", now.Add(time.Hour)))

	_, err := repo.ConsumeEmailVerificationToken(ctx, "v", now.Add(2*time.Hour))
	assert.ErrorIs(t, err, common.ErrorNotFound)

	id, err := repo.ConsumeEmailVerificationToken(ctx, "v", now)
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	got, _ := repo.FindByID(ctx, "1")
	require.NotNil(t, got.EmailVerifiedAt)
	assert.True(t, got.EmailVerifiedAt.Equal(now))
}

func TestRefreshTokenRepository_DeleteAllExceptLatest(t *testing.T) {
	ctx := context.Background()
	repo := NewRefreshTokenRepository()
	base := time.Now()
	for i, tok := range []string{"t1", "t2", "t3"} {
		require.NoError(t, repo.Create(ctx, &models.RefreshToken{
			Token: tok, UserID: "u", Expires: base.Add(time.Hour), CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, repo.Create(ctx, &models.RefreshToken{Token: "x", UserID: "other", Expires: base.Add(time.Hour)}))

	require.NoError(t, repo.DeleteAllExceptLatest(ctx, "u"))

	n, _ := repo.CountForUser(ctx, "u")
	assert.Equal(t, 1, n)
	got, err := repo.Consume(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, "u", got.UserID)
	n, _ = repo.CountForUser(ctx, "other")
	assert.Equal(t, 1, n)
}

func TestRefreshTokenRepository_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewRefreshTokenRepository()
	require.NoError(t, repo.Create(ctx, &models.RefreshToken{Token: "t", UserID: "u"}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Consume(ctx, "t"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRefreshTokenRepository_DeleteExpiredForUser(t *testing.T) {
	ctx := context.Background()
	repo := NewRefreshTokenRepository()
	now := time.Now()
	_ = repo.Create(ctx, &models.RefreshToken{Token: "old", UserID: "u", Expires: now.Add(-time.Minute)})
	_ = repo.Create(ctx, &models.RefreshToken{Token: "edge", UserID: "u", Expires: now})
	_ = repo.Create(ctx, &models.RefreshToken{Token: "live", UserID: "u", Expires: now.Add(time.Minute)})

	require.NoError(t, repo.DeleteExpiredForUser(ctx, "u", now))

	n, _ := repo.CountForUser(ctx, "u")
	assert.Equal(t, 1, n)
}

func TestLockingTransactor_NestedJoins(t *testing.T) {
	tx := &LockingTransactor{}
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := tx.WithTx(ctx, func(ctx context.Context, _ dbx.DBTX) error {
			return tx.WithTx(ctx, func(context.Context, dbx.DBTX) error { return nil })
		})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested WithTx deadlocked")
	}
}

func TestLockingTransactor_Serialises(t *testing.T) {
	tx := &LockingTransactor{}
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tx.WithTx(context.Background(), func(context.Context, dbx.DBTX) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}
