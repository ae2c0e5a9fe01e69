package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/identities"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/refreshtokens"
)

// RepositoryManager vends repositories bound to a DBTX together with the
// Transactor that makes their calls atomic.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Identities(db dbx.DBTX) identities.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
	Transactor() dbx.Transactor
}
