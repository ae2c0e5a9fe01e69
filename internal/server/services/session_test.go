package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SessionSuite struct {
	suite.Suite
	e   *env
	ctx context.Context
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.e = newEnv(s.T())
	s.ctx = context.Background()
}

func (s *SessionSuite) register(email, handle string) *models.TokenResponse {
	resp, err := s.e.session.Register(s.ctx, email, handle, "", "secret123")
	s.Require().NoError(err)
	return resp
}

func (s *SessionSuite) TestRegister_ReturnsRetrievableIdentity() {
	resp, err := s.e.session.Register(s.ctx, " A@X.com ", "abc", "Alpha", "secret123")
	s.Require().NoError(err)

	s.NotEmpty(resp.AccessToken)
	s.NotEmpty(resp.RefreshToken)
	s.Equal(900, resp.ExpiresIn)
	s.Equal("a@x.com", resp.Identity.Email)
	s.Equal("abc", resp.Identity.Handle)
	s.Equal("Alpha", resp.Identity.DisplayName)
	s.False(resp.Identity.OnboardingCompleted)

	got, err := s.e.session.GetIdentity(s.ctx, resp.Identity.ID)
	s.Require().NoError(err)
	s.Equal("abc", got.Handle)
	s.NotEqual("secret123", got.PasswordHash)

	n, err := s.e.store.Count(s.ctx, resp.Identity.ID)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *SessionSuite) TestRegister_ConflictNamesField() {
	s.register("a@x.com", "abc")

	_, err := s.e.session.Register(s.ctx, "a@x.com", "other", "", "pw")
	s.ErrorIs(err, common.ErrConflict)
	s.Equal("email", common.ConflictField(err))

	_, err = s.e.session.Register(s.ctx, "b@x.com", "abc", "", "pw")
	s.ErrorIs(err, common.ErrConflict)
	s.Equal("handle", common.ConflictField(err))
}

func (s *SessionSuite) TestRegister_RejectsBlankFields() {
	tests := []struct {
		email, handle, password, field string
	}{
		{"   ", "abc", "secret123", "email"},
		{"e@x.com", "   ", "secret123", "handle"},
		{"e@x.com", "", "secret123", "handle"},
		{"e@x.com", "abc", "", "password"},
	}
	for _, tt := range tests {
		_, err := s.e.session.Register(s.ctx, tt.email, tt.handle, "", tt.password)
		s.ErrorIs(err, common.ErrInvalidInput)
		var ve *common.ValidationError
		s.Require().ErrorAs(err, &ve)
		s.Equal(tt.field, ve.Field)
	}

	_, err := s.e.mgr.Identities(nil).FindByHandle(s.ctx, "")
	s.ErrorIs(err, common.ErrorNotFound)
}

func (s *SessionSuite) TestRegister_PasswordTooLongIsCallerError() {
	_, err := s.e.session.Register(s.ctx, "long@x.com", "longpw", "L", strings.Repeat("a", 73))
	s.ErrorIs(err, common.ErrInvalidPassword)
	s.NotErrorIs(err, common.ErrorInternal)

	_, err = s.e.mgr.Identities(nil).FindByEmail(s.ctx, "long@x.com")
	s.ErrorIs(err, common.ErrorNotFound)

	_, err = s.e.session.Register(s.ctx, "long@x.com", "longpw", "L", strings.Repeat("a", 72))
	s.NoError(err)
}

func (s *SessionSuite) TestCreateAccount_StoresNoSession() {
	identity, err := s.e.session.CreateAccount(s.ctx, " Op@X.com ", "operator", "Op", "secret123")
	s.Require().NoError(err)
	s.Equal("op@x.com", identity.Email)

	n, err := s.e.store.Count(s.ctx, identity.ID)
	s.Require().NoError(err)
	s.Zero(n)

	resp, err := s.e.session.Login(s.ctx, "op@x.com", "secret123")
	s.Require().NoError(err)
	s.Equal(identity.ID, resp.Identity.ID)

	_, err = s.e.session.CreateAccount(s.ctx, "other@x.com", "operator", "", "secret123")
	s.Equal("handle", common.ConflictField(err))

	_, err = s.e.session.CreateAccount(s.ctx, "", "someone", "", "secret123")
	s.ErrorIs(err, common.ErrInvalidInput)
}

func (s *SessionSuite) TestLoginScenario() {
	s.register("a@x.com", "abc")

	_, err := s.e.session.Login(s.ctx, "a@x.com", "wrong")
	s.ErrorIs(err, common.ErrInvalidCredential)

	resp, err := s.e.session.Login(s.ctx, "a@x.com", "secret123")
	s.Require().NoError(err)

	_, err = s.e.session.Refresh(s.ctx, resp.RefreshToken)
	s.Require().NoError(err)
	_, err = s.e.session.Refresh(s.ctx, resp.RefreshToken)
	s.ErrorIs(err, common.ErrInvalidCredential)
}

func (s *SessionSuite) TestLogin_UnknownAndFederatedOnly() {
	_, err := s.e.session.Login(s.ctx, "ghost@x.com", "secret123")
	s.ErrorIs(err, common.ErrInvalidCredential)

	_, err = s.e.session.LoginWithFederatedProfile(s.ctx, models.FederatedProfile{ProviderID: "g-1", Email: "fed@x.com"})
	s.Require().NoError(err)
	_, err = s.e.session.Login(s.ctx, "fed@x.com", "")
	s.ErrorIs(err, common.ErrInvalidCredential)
}

func (s *SessionSuite) TestLogin_UpdatesLastActive() {
	resp := s.register("a@x.com", "abc")
	s.e.clock.Advance(time.Hour)

	_, err := s.e.session.Login(s.ctx, "a@x.com", "secret123")
	s.Require().NoError(err)

	got, _ := s.e.session.GetIdentity(s.ctx, resp.Identity.ID)
	s.True(got.LastActiveAt.Equal(s.e.clock.Now()))
}

func (s *SessionSuite) TestRefresh_RotatesAndKeepsOneValid() {
	resp := s.register("a@x.com", "abc")

	next, err := s.e.session.Refresh(s.ctx, resp.RefreshToken)
	s.Require().NoError(err)
	s.NotEqual(resp.RefreshToken, next.RefreshToken)
	s.Equal(resp.Identity.ID, next.Identity.ID)

	n, _ := s.e.store.Count(s.ctx, resp.Identity.ID)
	s.Equal(1, n)
}

func (s *SessionSuite) TestRefresh_BadSignatureNeverHitsStore() {
	resp := s.register("a@x.com", "abc")

	_, err := s.e.session.Refresh(s.ctx, resp.RefreshToken+"x")
	s.ErrorIs(err, common.ErrInvalidCredential)

	// An access token is signed with the other secret.
	_, err = s.e.session.Refresh(s.ctx, resp.AccessToken)
	s.ErrorIs(err, common.ErrInvalidCredential)

	_, err = s.e.session.Refresh(s.ctx, resp.RefreshToken)
	s.NoError(err)
}

func (s *SessionSuite) TestRefresh_ExpiredUsesStoreExpiry() {
	resp := s.register("a@x.com", "abc")
	s.e.clock.Advance(7*24*time.Hour + time.Minute)

	_, err := s.e.session.Refresh(s.ctx, resp.RefreshToken)
	s.ErrorIs(err, common.ErrExpired)
	s.ErrorIs(err, common.ErrInvalidCredential)

	n, _ := s.e.store.Count(s.ctx, resp.Identity.ID)
	s.Zero(n)
}

func (s *SessionSuite) TestRefresh_ConcurrentSingleWinner() {
	resp := s.register("a@x.com", "abc")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []*models.TokenResponse
		failures  []error
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.e.session.Refresh(s.ctx, resp.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			successes = append(successes, r)
		}()
	}
	wg.Wait()

	s.Require().Len(successes, 1)
	s.Require().Len(failures, 1)
	s.ErrorIs(failures[0], common.ErrInvalidCredential)

	n, _ := s.e.store.Count(s.ctx, resp.Identity.ID)
	s.Equal(1, n)
	_, err := s.e.session.Refresh(s.ctx, successes[0].RefreshToken)
	s.NoError(err)
}

func (s *SessionSuite) TestLogoutAll_KillsEveryRefreshToken() {
	first := s.register("a@x.com", "abc")
	second, err := s.e.session.Login(s.ctx, "a@x.com", "secret123")
	s.Require().NoError(err)

	s.Require().NoError(s.e.session.LogoutAll(s.ctx, first.Identity.ID))

	for _, tok := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := s.e.session.Refresh(s.ctx, tok)
		s.ErrorIs(err, common.ErrInvalidCredential)
	}
}

func (s *SessionSuite) TestLogout_AccessTokenStaysValidUntilExpiry() {
	resp := s.register("a@x.com", "abc")
	s.Require().NoError(s.e.session.Logout(s.ctx, resp.RefreshToken))
	s.Require().NoError(s.e.session.Logout(s.ctx, resp.RefreshToken))

	_, err := s.e.session.Refresh(s.ctx, resp.RefreshToken)
	s.ErrorIs(err, common.ErrInvalidCredential)

	// Access tokens are stateless: logout does not revoke them.
	claims, err := s.e.issuer.VerifyAccess(resp.AccessToken)
	s.Require().NoError(err)
	s.Equal(resp.Identity.ID, claims.UserID)

	s.e.clock.Advance(16 * time.Minute)
	_, err = s.e.issuer.VerifyAccess(resp.AccessToken)
	s.ErrorIs(err, common.ErrTokenExpired)
}

func (s *SessionSuite) TestFederatedLogin_Idempotent() {
	profile := models.FederatedProfile{ProviderID: "g-1", Email: "f@x.com", DisplayName: "Fed"}

	first, err := s.e.session.LoginWithFederatedProfile(s.ctx, profile)
	s.Require().NoError(err)
	a, _ := s.e.session.GetIdentity(s.ctx, first.Identity.ID)

	s.e.clock.Advance(time.Second)
	second, err := s.e.session.LoginWithFederatedProfile(s.ctx, profile)
	s.Require().NoError(err)
	b, _ := s.e.session.GetIdentity(s.ctx, second.Identity.ID)

	s.Equal(first.Identity.ID, second.Identity.ID)
	s.True(b.LastActiveAt.After(a.LastActiveAt))
}

func (s *SessionSuite) TestLoginWithProviderToken() {
	s.e.verifier.profile = &models.FederatedProfile{ProviderID: "g-7", Email: "v@x.com", DisplayName: "Vera"}

	resp, err := s.e.session.LoginWithProviderToken(s.ctx, "opaque")
	s.Require().NoError(err)
	s.Equal("vera", resp.Identity.Handle)

	s.e.verifier.err = errors.New("401 from provider")
	_, err = s.e.session.LoginWithProviderToken(s.ctx, "opaque")
	s.ErrorIs(err, common.ErrAuthenticationFailed)
	s.Equal(2, s.e.verifier.calls, "no retry on verifier failure")

	_, err = s.e.session.LoginWithProviderToken(s.ctx, "")
	s.ErrorIs(err, common.ErrAuthenticationFailed)
}

func (s *SessionSuite) TestIsHandleAvailable() {
	resp := s.register("a@x.com", "abc")

	ok, err := s.e.session.IsHandleAvailable(s.ctx, "abc", "")
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.e.session.IsHandleAvailable(s.ctx, "abc", resp.Identity.ID)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *SessionSuite) TestGetIdentity_NotFound() {
	_, err := s.e.session.GetIdentity(s.ctx, "nope")
	s.ErrorIs(err, common.ErrorNotFound)
}

func (s *SessionSuite) TestRequestPasswordReset_EnumerationSafe() {
	s.register("a@x.com", "abc")

	s.NoError(s.e.session.RequestPasswordReset(s.ctx, "nouser@x.com"))
	s.Zero(s.e.notifier.calls)

	s.NoError(s.e.session.RequestPasswordReset(s.ctx, "a@x.com"))
	s.Equal(1, s.e.notifier.calls)
	s.Equal("a@x.com", s.e.notifier.email)
	s.Len(s.e.notifier.token, 64)
}

func TestRegister_StorageErrorIsInternal(t *testing.T) {
	e := newEnv(t)
	e.session.identities = failingIdentities{err: errStorage}

	_, err := e.session.Register(context.Background(), "a@x.com", "abc", "", "pw")
	assert.ErrorIs(t, err, common.ErrorInternal)
	require.NotContains(t, err.Error(), "connection reset")
}
