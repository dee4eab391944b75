package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lindenhall/conduit/protocol"
)

type staticPrincipal struct {
	subject string
}

func (p staticPrincipal) Claims() interface{} { return nil }
func (p staticPrincipal) Subject() string     { return p.subject }

type staticValidator struct {
	token string
}

func (v staticValidator) ValidateToken(ctx context.Context, tokenString string) (Principal, error) {
	if tokenString != v.token {
		return nil, protocol.NewRPCError(protocol.ErrorCodeAuthenticationFailed, "invalid token")
	}
	return staticPrincipal{subject: "user-1"}, nil
}

func TestAuthenticateAcceptsBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("Authorization", "Bearer secret")

	principal, err := Authenticate(context.Background(), staticValidator{token: "secret"}, r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.Subject())
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/sse", nil)

	_, err := Authenticate(context.Background(), staticValidator{token: "secret"}, r)
	require.Error(t, err)
	var rpcErr *protocol.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, protocol.ErrorCodeAuthenticationFailed, rpcErr.Code)
}

func TestAuthenticateRejectsNonBearerScheme(t *testing.T) {
	r := httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	_, err := Authenticate(context.Background(), staticValidator{token: "secret"}, r)
	assert.Error(t, err)
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/sse", nil)
	r.Header.Set("Authorization", "Bearer wrong")

	_, err := Authenticate(context.Background(), staticValidator{token: "secret"}, r)
	assert.Error(t, err)
}

func TestPrincipalRoundTripsThroughContext(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), staticPrincipal{subject: "user-2"})
	principal, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-2", principal.Subject())

	_, ok = PrincipalFromContext(context.Background())
	assert.False(t, ok)
}
