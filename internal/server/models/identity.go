package models

import "time"

// Identity is a person known to the engine. Optional text fields are empty
// strings in Go and NULL in storage.
type Identity struct {
	ID                  string
	Email               string
	Handle              string
	DisplayName         string
	GoogleID            string
	AvatarURL           string
	PasswordHash        string
	OnboardingCompleted bool
	EmailVerifiedAt     *time.Time

	// Recovery tokens are stored as SHA-256 digests.
	PasswordResetToken       string
	PasswordResetExpires     *time.Time
	EmailVerificationToken   string
	EmailVerificationExpires *time.Time

	LastActiveAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword reports whether the identity can use the password flow.
func (i *Identity) HasPassword() bool {
	return i.PasswordHash != ""
}

// Summary is the identity part of a TokenResponse.
func (i *Identity) Summary() IdentitySummary {
	return IdentitySummary{
		ID:                  i.ID,
		Email:               i.Email,
		Handle:              i.Handle,
		DisplayName:         i.DisplayName,
		AvatarURL:           i.AvatarURL,
		OnboardingCompleted: i.OnboardingCompleted,
	}
}

// FederatedProfile is what an identity provider tells us about a caller.
type FederatedProfile struct {
	ProviderID    string
	Email         string
	DisplayName   string
	AvatarURL     string
	EmailVerified bool
}
