// Package federation verifies access tokens issued by external identity
// providers and turns them into federated profiles.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// DefaultGoogleUserInfoURL is Google's OpenID Connect userinfo endpoint.
const DefaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

const maxProfileBytes = 1 << 20

var errProfileRequest = errors.New("profile request failed")

// GoogleVerifier asks the userinfo endpoint who owns an access token.
type GoogleVerifier struct {
	userInfoURL string
	client      *http.Client
}

// NewGoogleVerifier returns a verifier for userInfoURL. An empty URL selects
// DefaultGoogleUserInfoURL; a nil client gets a 10 second timeout.
func NewGoogleVerifier(userInfoURL string, client *http.Client) *GoogleVerifier {
	if userInfoURL == "" {
		userInfoURL = DefaultGoogleUserInfoURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleVerifier{userInfoURL: userInfoURL, client: client}
}

type googleProfile struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Verify returns the profile behind accessToken. Every failure wraps
// common.ErrAuthenticationFailed.
func (v *GoogleVerifier) Verify(ctx context.Context, accessToken string) (*models.FederatedProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrAuthenticationFailed, err)
	}
	req.Header.Set("Authorization", common.BearerPrefix+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %v: status %d", common.ErrAuthenticationFailed, errProfileRequest, resp.StatusCode)
	}

	var payload googleProfile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode profile: %v", common.ErrAuthenticationFailed, err)
	}
	if payload.Sub == "" || payload.Email == "" {
		return nil, fmt.Errorf("%w: profile lacks subject or email", common.ErrAuthenticationFailed)
	}

	return &models.FederatedProfile{
		ProviderID:    payload.Sub,
		Email:         payload.Email,
		DisplayName:   payload.Name,
		AvatarURL:     payload.Picture,
		EmailVerified: payload.EmailVerified,
	}, nil
}
