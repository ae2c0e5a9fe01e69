package models

import "time"

type RefreshToken struct {
	Token     string
	UserID    string
	Expires   time.Time
	CreatedAt time.Time
}

// Expired reports whether the row is no longer redeemable at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !t.Expires.After(now)
}
