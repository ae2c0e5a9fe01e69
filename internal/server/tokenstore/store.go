// Package tokenstore keeps the server-side record of refresh tokens. A token
// is redeemable only while its record exists and has not expired; the expiry
// embedded in the JWT is advisory.
package tokenstore

import (
	"context"
	"time"
)

// Minter produces fresh refresh token strings. *auth.TokenIssuer satisfies it.
type Minter interface {
	IssueRefresh() (string, error)
}

// Store is the refresh token record store.
type Store interface {
	// Persist records token for identityID and drops that identity's other
	// records that have already expired.
	Persist(ctx context.Context, identityID, token string) error

	// RedeemAndRotate consumes oldToken and records a newly minted one for
	// the same identity. An unknown or already consumed token yields
	// common.ErrInvalidCredential; an expired one is deleted and yields
	// common.ErrExpired. Of concurrent redemptions exactly one succeeds.
	RedeemAndRotate(ctx context.Context, oldToken string) (identityID, newToken string, err error)

	// Revoke deletes token. Revoking an unknown token is not an error.
	Revoke(ctx context.Context, token string) error
	RevokeAll(ctx context.Context, identityID string) error
	// RevokeAllExceptMostRecent keeps only the newest record.
	RevokeAllExceptMostRecent(ctx context.Context, identityID string) error

	// Count returns the number of records, expired or not, held for identityID.
	Count(ctx context.Context, identityID string) (int, error)
}

// Options are shared by every Store implementation.
type Options struct {
	// RefreshExpiry is a duration spec such as "7d", applied with auth.ApplyDuration.
	RefreshExpiry string
	Minter        Minter
	Now           func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}
