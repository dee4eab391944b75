// Package auth provides optional bearer-token authentication for the
// HTTP-carried Conduit transports (SSE and WebSocket). A transport configured
// with a TokenValidator rejects connections before any session is created.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/lindenhall/conduit/protocol"
)

// Principal represents the authenticated entity after successful token
// validation. It can carry claims from the token.
type Principal interface {
	// Claims returns the claims associated with the principal. The concrete
	// type depends on the token format (map claims for JWTs).
	Claims() interface{}

	// Subject returns a unique identifier for the principal, typically the
	// 'sub' claim.
	Subject() string
}

// TokenValidator validates access tokens presented on a connection.
type TokenValidator interface {
	// ValidateToken validates the given token string and returns the
	// authenticated Principal, or an error (an *protocol.RPCError for
	// protocol-level failures).
	ValidateToken(ctx context.Context, tokenString string) (Principal, error)
}

// Authenticate extracts the bearer token from the request's Authorization
// header and runs it through the validator. Missing or malformed headers fail
// with an authentication error.
func Authenticate(ctx context.Context, validator TokenValidator, r *http.Request) (Principal, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if header == "" || !strings.HasPrefix(header, prefix) {
		return nil, protocol.NewRPCError(protocol.ErrorCodeAuthenticationFailed, "missing bearer token")
	}
	return validator.ValidateToken(ctx, strings.TrimPrefix(header, prefix))
}

type principalKeyType struct{}

var principalKey = principalKeyType{}

// ContextWithPrincipal returns a new context with the given Principal embedded.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext retrieves the Principal from the context, if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}
