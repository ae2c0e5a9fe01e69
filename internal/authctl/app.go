// Package authctl is the operator command line for the identity engine:
// applying migrations, creating accounts, issuing reset tokens and revoking
// sessions.
package authctl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/flagx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Backend is the part of the engine the commands drive.
type Backend interface {
	Migrate(ctx context.Context) error
	// CreateAccount creates a password identity without starting a session.
	CreateAccount(ctx context.Context, email, handle, displayName, password string) (*models.Identity, error)
	IssueResetToken(ctx context.Context, email string) (string, error)
	RevokeAll(ctx context.Context, identityID string) error
}

var ErrUnknownCommand = errors.New("unknown command")

type command struct {
	usage string
	run   func(a *App, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"migrate":     {"apply database migrations", (*App).migrate},
	"register":    {"create a password account (-email, -handle, -name)", (*App).register},
	"reset-token": {"issue a password reset token (-email)", (*App).resetToken},
	"revoke-all":  {"sign an identity out everywhere (-id)", (*App).revokeAll},
}

type App struct {
	backend Backend
	in      *bufio.Reader
	out     io.Writer
}

func NewApp(b Backend, in io.Reader, out io.Writer) *App {
	return &App{backend: b, in: bufio.NewReader(in), out: out}
}

// Usage lists the commands.
func (a *App) Usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(a.out, "usage: authctl <command> [flags]")
	for _, name := range names {
		fmt.Fprintf(a.out, "  %-12s %s\n", name, commands[name].usage)
	}
}

// Run executes the command named by args[0].
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		a.Usage()
		return ErrUnknownCommand
	}
	cmd, ok := commands[args[0]]
	if !ok {
		a.Usage()
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}
	return cmd.run(a, ctx, args[1:])
}

// parse reads only the named string flags; server flags in the same
// argument list are left for the config loader.
func parse(args []string, names ...string) (map[string]*string, error) {
	allowed := make([]string, len(names))
	fs := flag.NewFlagSet("authctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	values := make(map[string]*string, len(names))
	for i, n := range names {
		allowed[i] = "-" + n
		values[n] = fs.String(n, "", n)
	}
	if err := fs.Parse(flagx.FilterArgs(args, allowed)); err != nil {
		return nil, err
	}
	return values, nil
}

// ask returns v, or prompts for it when empty.
func (a *App) ask(v, prompt string) (string, error) {
	if v != "" {
		return v, nil
	}
	return GetSimpleText(a.in, prompt, a.out)
}

func (a *App) migrate(ctx context.Context, _ []string) error {
	if err := a.backend.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "migrations applied")
	return nil
}

func (a *App) register(ctx context.Context, args []string) error {
	f, err := parse(args, "email", "handle", "name")
	if err != nil {
		return err
	}

	email, err := a.ask(*f["email"], "Enter email")
	if err != nil {
		return err
	}
	handle, err := a.ask(*f["handle"], "Enter handle")
	if err != nil {
		return err
	}

	password, err := GetPassword(a.out, "Enter password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)
	confirm, err := GetPassword(a.out, "Repeat password")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(confirm)
	if !bytes.Equal(password, confirm) {
		return errors.New("passwords do not match")
	}

	identity, err := a.backend.CreateAccount(ctx, email, handle, *f["name"], string(password))
	if err != nil {
		if field := common.ConflictField(err); field != "" {
			return fmt.Errorf("%s is already taken", field)
		}
		return err
	}

	fmt.Fprintf(a.out, "registered %s (%s)\n", identity.Handle, identity.ID)
	return nil
}

func (a *App) resetToken(ctx context.Context, args []string) error {
	f, err := parse(args, "email")
	if err != nil {
		return err
	}
	email, err := a.ask(*f["email"], "Enter email")
	if err != nil {
		return err
	}

	token, err := a.backend.IssueResetToken(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("no identity with email %s", email)
		}
		return err
	}

	fmt.Fprintln(a.out, token)
	return nil
}

func (a *App) revokeAll(ctx context.Context, args []string) error {
	f, err := parse(args, "id")
	if err != nil {
		return err
	}
	id, err := a.ask(*f["id"], "Enter identity id")
	if err != nil {
		return err
	}

	if err := a.backend.RevokeAll(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "all sessions revoked")
	return nil
}
