package memory

import (
	"context"
	"database/sql"
	"sync"

	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/identities"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/refreshtokens"
)

// LockingTransactor serialises units of work with one coarse lock. Nested
// calls on the same context join the outer unit. There is no rollback:
// writes made before a failing step stay applied.
type LockingTransactor struct {
	mu sync.Mutex
}

type lockKey struct{}

func (t *LockingTransactor) WithTx(ctx context.Context, fn dbx.TxFunc) error {
	if held, _ := ctx.Value(lockKey{}).(*LockingTransactor); held == t {
		return fn(ctx, nil)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(context.WithValue(ctx, lockKey{}, t), nil)
}

// Manager vends the same in-memory repositories regardless of the DBTX it
// is handed.
type Manager struct {
	identities    *IdentityRepository
	refreshTokens *RefreshTokenRepository
	tx            *LockingTransactor
}

func NewManager() *Manager {
	return &Manager{
		identities:    NewIdentityRepository(),
		refreshTokens: NewRefreshTokenRepository(),
		tx:            &LockingTransactor{},
	}
}

func (m *Manager) RunMigrations(context.Context, *sql.DB) error {
	return nil
}

func (m *Manager) Identities(dbx.DBTX) identities.Repository {
	return m.identities
}

func (m *Manager) RefreshTokens(dbx.DBTX) refreshtokens.Repository {
	return m.refreshTokens
}

func (m *Manager) Transactor() dbx.Transactor {
	return m.tx
}
