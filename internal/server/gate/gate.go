// Package gate answers "who is this caller" for protected requests. It
// checks the access token signature and expiry, confirms the identity still
// exists, and records activity.
package gate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/identities"
)

// IdentityContext is what a protected handler learns about its caller.
type IdentityContext struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"displayName,omitempty"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id *IdentityContext) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller attached by the gate, if any.
func IdentityFromContext(ctx context.Context) (*IdentityContext, bool) {
	id, ok := ctx.Value(identityKey{}).(*IdentityContext)
	return id, ok && id != nil
}

type Gate struct {
	issuer     *auth.TokenIssuer
	identities identities.Repository
	logger     logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New builds a Gate. m may be nil; now may be nil to use time.Now.
func New(issuer *auth.TokenIssuer, repo identities.Repository, logger logging.Logger, m *metrics.Metrics, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		issuer:     issuer,
		identities: repo,
		logger:     logger.With("module", "gate"),
		metrics:    m,
		now:        now,
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", common.ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, strings.TrimSpace(common.BearerPrefix)) {
		return "", common.ErrMalformedToken
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", common.ErrMalformedToken
	}
	return token, nil
}

// Authenticate resolves an Authorization header to the calling identity.
// Failures wrap common.ErrAuthentication with a specific reason; storage
// failures come back as common.ErrorInternal.
func (g *Gate) Authenticate(ctx context.Context, header string) (*IdentityContext, error) {
	id, err := g.authenticate(ctx, header)
	if err != nil && errors.Is(err, common.ErrAuthentication) {
		g.metrics.IncGateRejection(Reason(err))
	}
	return id, err
}

func (g *Gate) authenticate(ctx context.Context, header string) (*IdentityContext, error) {
	token, err := BearerToken(header)
	if err != nil {
		return nil, err
	}

	claims, err := g.issuer.VerifyAccess(token)
	if err != nil {
		return nil, err
	}

	identity, err := g.identities.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrIdentityNotFound
		}
		g.logger.Error(ctx, "gate identity lookup failed", "error", err)
		return nil, common.ErrorInternal
	}

	if err := g.identities.TouchLastActive(ctx, identity.ID, g.now()); err != nil {
		g.logger.Warn(ctx, "last active update failed", "identity_id", identity.ID, "error", err)
	}

	out := &IdentityContext{
		ID:          identity.ID,
		Email:       identity.Email,
		Handle:      identity.Handle,
		DisplayName: identity.DisplayName,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// Reason is a short machine-readable name for a gate error.
func Reason(err error) string {
	switch {
	case errors.Is(err, common.ErrMissingToken):
		return "missing_token"
	case errors.Is(err, common.ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, common.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, common.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, common.ErrIdentityNotFound):
		return "identity_not_found"
	case errors.Is(err, common.ErrAuthentication):
		return "unauthenticated"
	default:
		return "internal"
	}
}
