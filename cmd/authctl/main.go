package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/dmitrijs2005/gophauth/internal/authctl"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// backend adapts the server app to the operator commands.
type backend struct {
	app *server.App
}

func (b backend) Migrate(ctx context.Context) error {
	if b.app.DB() == nil {
		return errors.New("migrations need a database; token store is memory")
	}
	return b.app.Manager().RunMigrations(ctx, b.app.DB())
}

func (b backend) CreateAccount(ctx context.Context, email, handle, displayName, password string) (*models.Identity, error) {
	return b.app.Sessions.CreateAccount(ctx, email, handle, displayName, password)
}

func (b backend) IssueResetToken(ctx context.Context, email string) (string, error) {
	return b.app.Recovery.IssueResetToken(ctx, email)
}

func (b backend) RevokeAll(ctx context.Context, identityID string) error {
	return b.app.Sessions.LogoutAll(ctx, identityID)
}

func main() {

	if len(os.Args) < 2 {
		authctl.NewApp(nil, os.Stdin, os.Stdout).Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	cfg := config.LoadConfig()
	logger := logging.NewJSONLogger(slog.LevelWarn)

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer app.Close()

	if err := authctl.NewApp(backend{app: app}, os.Stdin, os.Stdout).Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		app.Close()
		os.Exit(1)
	}

}
