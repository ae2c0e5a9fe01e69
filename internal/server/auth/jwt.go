package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const refreshTokenType = "refresh"

// AccessClaims is the claim set of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	UserID      string `json:"uid"`
	Email       string `json:"email"`
	Handle      string `json:"handle"`
	DisplayName string `json:"name,omitempty"`
}

// RefreshClaims is the minimal claim set of a refresh token.
type RefreshClaims struct {
	jwt.RegisteredClaims
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// IssuerConfig carries the secrets and expiry policy the issuer signs with.
type IssuerConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessExpiry  string
	RefreshExpiry string
	Issuer        string
	Audience      string
}

// TokenIssuer mints and verifies access and refresh tokens. It has no side
// effects: output depends on the identity, the clock and the config only.
type TokenIssuer struct {
	cfg IssuerConfig
	now func() time.Time
}

// NewTokenIssuer builds an issuer; now may be nil to use time.Now.
func NewTokenIssuer(cfg IssuerConfig, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{cfg: cfg, now: now}
}

// AccessLifetimeSeconds is the expiresIn value reported to clients.
func (i *TokenIssuer) AccessLifetimeSeconds() int {
	return ParseDuration(i.cfg.AccessExpiry)
}

// RefreshExpiry is the policy string used for refresh token rows.
func (i *TokenIssuer) RefreshExpiry() string {
	return i.cfg.RefreshExpiry
}

// IssueAccess signs an access token for identity.
func (i *TokenIssuer) IssueAccess(identity *models.Identity) (string, error) {
	now := i.now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(i.AccessLifetimeSeconds()) * time.Second)),
			ID:        uuid.NewString(),
		},
		UserID:      identity.ID,
		Email:       identity.Email,
		Handle:      identity.Handle,
		DisplayName: identity.DisplayName,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.AccessSecret)
}

// IssueRefresh signs an opaque refresh token with the refresh secret. The
// embedded expiry is advisory; the stored row decides.
func (i *TokenIssuer) IssueRefresh() (string, error) {
	now := i.now()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ParseDuration(i.cfg.RefreshExpiry)) * time.Second)),
			ID:        uuid.NewString(),
		},
		Type:      refreshTokenType,
		Timestamp: now.UnixMilli(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.RefreshSecret)
}

// VerifyAccess checks signature, issuer, audience and expiry. Expired tokens
// yield common.ErrTokenExpired, everything else common.ErrInvalidSignature.
func (i *TokenIssuer) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, i.keyFunc(i.cfg.AccessSecret),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidSignature, err)
	}
	if claims.UserID == "" {
		return nil, common.ErrInvalidSignature
	}
	return claims, nil
}

// VerifyRefresh checks only the signature and the token type.
func (i *TokenIssuer) VerifyRefresh(tokenString string) error {
	claims := &RefreshClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, i.keyFunc(i.cfg.RefreshSecret),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidCredential, err)
	}
	if claims.Type != refreshTokenType {
		return common.ErrInvalidCredential
	}
	return nil
}

func (i *TokenIssuer) keyFunc(secret []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}
}
