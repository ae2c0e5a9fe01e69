package models

// IdentitySummary is the public view of an identity returned with tokens.
type IdentitySummary struct {
	ID                  string `json:"id"`
	Email               string `json:"email"`
	Handle              string `json:"handle"`
	DisplayName         string `json:"displayName,omitempty"`
	AvatarURL           string `json:"avatarUrl,omitempty"`
	OnboardingCompleted bool   `json:"onboardingCompleted"`
}

// TokenResponse is returned by every session entry point.
type TokenResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresIn    int             `json:"expiresIn"`
	Identity     IdentitySummary `json:"identity"`
}
