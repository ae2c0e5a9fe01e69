// Package common contains shared constants, sentinel errors and small helpers
// used across gophauth components.
package common

const (
	// AuthorizationHeaderName carries "Bearer <access token>" on HTTP requests
	// and in gRPC metadata.
	AuthorizationHeaderName = "authorization"

	// AccessTokenHeaderName is the legacy gRPC metadata key holding a bare
	// access token without the Bearer prefix.
	AccessTokenHeaderName = "access_token"

	// BearerPrefix precedes the token in the authorization header.
	BearerPrefix = "Bearer "
)
