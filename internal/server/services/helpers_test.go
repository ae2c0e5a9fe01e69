package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/memory"
	"github.com/dmitrijs2005/gophauth/internal/server/tokenstore"
	"golang.org/x/crypto/bcrypt"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeVerifier struct {
	profile *models.FederatedProfile
	err     error
	calls   int
}

func (f *fakeVerifier) Verify(context.Context, string) (*models.FederatedProfile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p := *f.profile
	return &p, nil
}

type fakeNotifier struct {
	email, token string
	calls        int
}

func (f *fakeNotifier) NotifyPasswordReset(_ context.Context, email, token string) error {
	f.calls++
	f.email, f.token = email, token
	return nil
}

type env struct {
	clock    *clock
	mgr      *memory.Manager
	issuer   *auth.TokenIssuer
	store    tokenstore.Store
	identity *IdentityService
	recovery *RecoveryService
	session  *SessionService
	verifier *fakeVerifier
	notifier *fakeNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := &clock{t: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	mgr := memory.NewManager()
	logger := logging.NewDiscardLogger()

	issuer := auth.NewTokenIssuer(auth.IssuerConfig{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		AccessExpiry:  "15m",
		RefreshExpiry: "7d",
		Issuer:        "gophauth",
		Audience:      "gophauth-clients",
	}, clk.Now)
	hasher := auth.NewBcryptHasher(bcrypt.MinCost)

	store := tokenstore.NewSQLStore(mgr.RefreshTokens(nil), mgr.Transactor(), tokenstore.Options{
		RefreshExpiry: issuer.RefreshExpiry(),
		Minter:        issuer,
		Now:           clk.Now,
	})

	ids := mgr.Identities(nil)
	identity := NewIdentityService(ids, logger, IdentityOptions{
		DefaultAvatarURL: "https://avatars.example/%s.png",
		Now:              clk.Now,
	})
	recovery := NewRecoveryService(ids, hasher, store, logger, RecoveryOptions{Now: clk.Now})
	verifier := &fakeVerifier{}
	notifier := &fakeNotifier{}

	session := NewSessionService(SessionDeps{
		Identities: ids,
		Transactor: mgr.Transactor(),
		Issuer:     issuer,
		Hasher:     hasher,
		Store:      store,
		Reconciler: identity,
		Recovery:   recovery,
		Verifier:   verifier,
		Notifier:   notifier,
		Logger:     logger,
		Now:        clk.Now,
	})

	return &env{
		clock:    clk,
		mgr:      mgr,
		issuer:   issuer,
		store:    store,
		identity: identity,
		recovery: recovery,
		session:  session,
		verifier: verifier,
		notifier: notifier,
	}
}

// failingIdentities fails every call with err.
type failingIdentities struct {
	*memory.IdentityRepository
	err error
}

var errStorage = errors.New("connection reset by peer")

func (f failingIdentities) FindByGoogleID(context.Context, string) (*models.Identity, error) {
	return nil, f.err
}

func (f failingIdentities) FindByEmail(context.Context, string) (*models.Identity, error) {
	return nil, f.err
}

func (f failingIdentities) FindByHandle(context.Context, string) (*models.Identity, error) {
	return nil, f.err
}
