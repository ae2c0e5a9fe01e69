package grpc

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/gate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// authorizationFromMetadata returns the authorization value of an incoming
// call. Older clients send a bare token under access_token.
func authorizationFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(common.AuthorizationHeaderName); len(values) > 0 {
		return values[0]
	}
	if values := md.Get(common.AccessTokenHeaderName); len(values) > 0 && values[0] != "" {
		if strings.Contains(values[0], " ") {
			return values[0]
		}
		return common.BearerPrefix + values[0]
	}
	return ""
}

func statusFromGateError(err error) error {
	if errors.Is(err, common.ErrAuthentication) {
		return status.Error(codes.Unauthenticated, gate.Reason(err))
	}
	return status.Error(codes.Internal, "internal error")
}

// UnaryRequireAuth rejects calls without a valid access token, except for
// the listed full method names.
func UnaryRequireAuth(g *gate.Gate, publicMethods ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if slices.Contains(publicMethods, info.FullMethod) {
			return handler(ctx, req)
		}

		id, err := g.Authenticate(ctx, authorizationFromMetadata(ctx))
		if err != nil {
			return nil, statusFromGateError(err)
		}

		return handler(gate.WithIdentity(ctx, id), req)
	}
}

// UnaryOptionalAuth attaches the caller when the token checks out and lets
// every call through.
func UnaryOptionalAuth(g *gate.Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if id, err := g.Authenticate(ctx, authorizationFromMetadata(ctx)); err == nil {
			ctx = gate.WithIdentity(ctx, id)
		}
		return handler(ctx, req)
	}
}
